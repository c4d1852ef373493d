package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/emen/internal/database"
	"github.com/mesh-intelligence/emen/internal/paths"
	"github.com/mesh-intelligence/emen/pkg/types"
)

func newBackupCmd(a *app) *cobra.Command {
	var opts database.BackupOptions
	cmd := &cobra.Command{
		Use:   "backup [file]",
		Short: "Write a backup stream of the whole database",
		Long: "Write users, schema, records and relations as a JSONL stream.\n" +
			"Without a file the backup goes to backups/ in the data directory.\n" +
			"Use \"-\" to write to standard output. Requires an admin.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(e *env, s *types.Session) error {
				if opts.Compression == "" {
					opts.Compression = e.cfg.Compression
				}
				if len(args) == 1 && args[0] == "-" {
					return e.db.Backup(cmd.OutOrStdout(), opts, s)
				}
				path := paths.BackupPath(e.cfg.DataDir, time.Now())
				if len(args) == 1 {
					path = args[0]
				}
				if err := os.MkdirAll(filepath.Dir(path), dirPermission); err != nil {
					return fmt.Errorf("create backup dir: %w", err)
				}
				if err := e.db.BackupFile(path, opts, s); err != nil {
					return err
				}
				fmt.Fprintln(cmd.ErrOrStderr(), "backup written to", path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Compression, "compression", "", "none, zstd or lz4 (default from config)")
	cmd.Flags().StringSliceVar(&opts.Users, "users", nil, "only back up these accounts")
	return cmd
}

func newRestoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <file>",
		Short: "Load a backup stream",
		Long: "Load a backup stream. Existing users and schema keep their definitions;\n" +
			"records get fresh ids and references are remapped. Requires an admin.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(e *env, s *types.Session) error {
				report, err := e.db.RestoreFile(args[0], s)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), report, func(w io.Writer) { printReport(w, report) })
			})
		},
	}
}

func printReport(w io.Writer, r *database.RestoreReport) {
	fmt.Fprintf(w, "restored %d users, %d paramdefs, %d recorddefs, %d records, %d links\n",
		r.Users, r.ParamDefs, r.RecordDefs, r.Records, r.Links)
	for _, c := range r.Collisions {
		fmt.Fprintln(w, "  kept existing", c)
	}
	for _, s := range r.Skipped {
		fmt.Fprintln(w, "  skipped", s)
	}
}
