// Package cli implements the emen command-line interface.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/emen/internal/database"
	"github.com/mesh-intelligence/emen/internal/logging"
	"github.com/mesh-intelligence/emen/internal/paths"
	"github.com/mesh-intelligence/emen/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// cliHost is the host recorded on sessions opened by the CLI.
const cliHost = "cli"

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir string
	dataDir   string
	jsonMode  bool
	user      string
	password  string
}

// app carries the flags of one command tree.
type app struct {
	flags rootFlags
}

// NewRootCmd creates the top-level "emen" command with global flags and
// all subcommands registered.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "emen",
		Short: "An embedded object database with a text query language",
		Long: "emen stores schema-typed records with permissions and relationships,\n" +
			"indexes every field and answers free-text queries over them.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configDir, "config-dir", "", "configuration directory (env "+paths.EnvConfigDir+")")
	pf.StringVar(&a.flags.dataDir, "data-dir", "", "data directory (env "+paths.EnvDataDir+")")
	pf.BoolVar(&a.flags.jsonMode, "json", false, "output in JSON format")
	pf.StringVarP(&a.flags.user, "user", "u", "", "user name; anonymous when empty")
	pf.StringVarP(&a.flags.password, "password", "p", "", "password for --user")

	root.AddCommand(newVersionCmd(a))
	root.AddCommand(newInitCmd(a))
	root.AddCommand(newQueryCmd(a))
	root.AddCommand(newParamDefCmd(a))
	root.AddCommand(newRecordDefCmd(a))
	root.AddCommand(newRecordCmd(a))
	root.AddCommand(newUserCmd(a))
	root.AddCommand(newBackupCmd(a))
	root.AddCommand(newRestoreCmd(a))

	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "emen:", err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitSuccess)
}

// exitCode maps caller mistakes to exitUserError and everything else to
// exitSysError.
func exitCode(err error) int {
	for _, target := range []error{
		types.ErrValidation,
		types.ErrPermissionDenied,
		types.ErrNotFound,
		types.ErrSchemaViolation,
		types.ErrQuery,
		errUsage,
	} {
		if errors.Is(err, target) {
			return exitUserError
		}
	}
	return exitSysError
}

var errUsage = errors.New("usage")

// env is an open database plus the configuration it was opened with.
type env struct {
	db      *database.DB
	log     zerolog.Logger
	cfg     types.Config
	session *types.Session
}

// open resolves the directories, loads config.yaml and opens the
// database. The caller must call close.
func (a *app) open(cmd *cobra.Command) (*env, error) {
	configDir, err := paths.ResolveConfigDir(a.flags.configDir)
	if err != nil {
		return nil, fmt.Errorf("resolve config dir: %w", err)
	}
	cfg, err := loadConfig(configDir)
	if err != nil {
		return nil, err
	}
	cfg.DataDir, err = paths.ResolveDataDir(a.flags.dataDir, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}

	log, err := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrValidation, err)
	}
	db, err := database.Open(cfg, nil, log)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	log.Debug().Str("config_dir", configDir).Str("data_dir", cfg.DataDir).Str("command", cmd.CommandPath()).Msg("database opened")
	return &env{db: db, log: log, cfg: cfg}, nil
}

// login opens a session for --user, or an anonymous one.
func (e *env) login(a *app) (*types.Session, error) {
	s, err := e.db.Login(a.flags.user, a.flags.password, cliHost)
	if err != nil {
		return nil, err
	}
	e.session = s
	return s, nil
}

// close ends the session and closes the database.
func (e *env) close() {
	if e.session != nil {
		if err := e.db.Logout(e.session.Token, cliHost); err != nil {
			e.log.Warn().Err(err).Msg("logout")
		}
	}
	if err := e.db.Close(); err != nil {
		e.log.Error().Err(err).Msg("close database")
	}
}

// withSession opens the database, logs in and runs fn.
func (a *app) withSession(cmd *cobra.Command, fn func(e *env, s *types.Session) error) error {
	e, err := a.open(cmd)
	if err != nil {
		return err
	}
	defer e.close()
	s, err := e.login(a)
	if err != nil {
		return err
	}
	return fn(e, s)
}

// print writes v as indented JSON in --json mode and calls text otherwise.
func (a *app) print(w io.Writer, v any, text func(io.Writer)) error {
	if a.flags.jsonMode {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
