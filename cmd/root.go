// Package cmd implements the rowsync admin CLI: a thin caller of the
// engine facade operating on a local database.
package cmd

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rowsync/rowsync/internal/db"
	"github.com/rowsync/rowsync/internal/dialect"
	"github.com/rowsync/rowsync/internal/engine"
	"github.com/rowsync/rowsync/internal/syncconfig"
)

var (
	flagConfig  string
	flagDB      string
	flagDialect string
	flagVerbose bool

	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "rowsync",
	Short: "Administer a rowsync-replicated database",
	Long: `rowsync manages the replication metadata of a local database:
initialize capture, inspect sync state, track peers, and reclaim storage.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if flagVerbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	// Flags are case-insensitive so --DB and --db both resolve.
	rootCmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ToLower(name))
	})
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "rowsync.json", "config file")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "database path or DSN (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagDialect, "dialect", "", "sqlite or postgres (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
}

// SetVersion injects the build version before Execute.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig merges the config file with command-line overrides.
func loadConfig() (*syncconfig.Config, error) {
	cfg, err := syncconfig.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDB != "" {
		cfg.Database = flagDB
	}
	if flagDialect != "" {
		cfg.Dialect = flagDialect
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("no database configured: pass --db or set \"database\" in %s", flagConfig)
	}
	return cfg, nil
}

// openEngine opens the configured database and builds the facade over it.
func openEngine() (*engine.Engine, *sql.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	d, err := dialect.ForName(cfg.Dialect)
	if err != nil {
		return nil, nil, err
	}

	var conn *sql.DB
	switch d.Name() {
	case "postgres":
		conn, err = db.OpenPostgres(cfg.Database)
	default:
		conn, err = db.OpenSQLite(cfg.Database)
	}
	if err != nil {
		return nil, nil, err
	}

	stale, err := cfg.StaleWindow()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	eng := engine.New(conn, d, engine.Options{
		VersionColumn: cfg.VersionColumn,
		StaleAfter:    stale,
		Mapping:       cfg.Mapping,
	})
	return eng, conn, nil
}
