package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newInitCmd(a *app) *cobra.Command {
	var rootPassword string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize emen storage",
		Long: "Create the configuration and data directories, open the database and\n" +
			"create the root administrator. Running init again is harmless.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			created := false
			if rootPassword != "" {
				if created, err = e.db.Setup(rootPassword); err != nil {
					return fmt.Errorf("create root user: %w", err)
				}
			}
			users, err := e.db.UserCount()
			if err != nil {
				return err
			}
			if users == 0 {
				return fmt.Errorf("%w: --root-password is required on first init", errUsage)
			}

			out := struct {
				DataDir     string `json:"data_dir"`
				RootCreated bool   `json:"root_created"`
			}{e.cfg.DataDir, created}
			return a.print(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "emen initialized in %s\n", e.cfg.DataDir)
				if created {
					fmt.Fprintln(w, "root user created")
				}
			})
		},
	}
	cmd.Flags().StringVar(&rootPassword, "root-password", "", "password of the root administrator created on first init")
	return cmd
}
