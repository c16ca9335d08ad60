package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfleet/internal/migration"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

var migrateActions = []struct {
	name  string
	short string
	args  cobra.PositionalArgs
}{
	{"up", "Apply all pending migrations", cobra.NoArgs},
	{"down", "Roll back the last migration", cobra.NoArgs},
	{"reset", "Roll back all migrations", cobra.NoArgs},
	{"status", "Show migration status", cobra.NoArgs},
	{"version", "Show the current migration version", cobra.NoArgs},
	{"info", "Show detailed migration information", cobra.NoArgs},
	{"steps", "Apply (n > 0) or roll back (n < 0) n migrations", cobra.ExactArgs(1)},
	{"goto", "Migrate to a specific version", cobra.ExactArgs(1)},
	{"force", "Force set the migration version without running it", cobra.ExactArgs(1)},
}

func newMigrateCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the coordination store schema (postgres, mysql)",
		Long: `Manage the coordination store schema with versioned migrations.

SQLite databases are not migrated; their tables are created by the store
on startup (store.auto_migrate).`,
	}

	for _, action := range migrateActions {
		name := action.name
		cmd.AddCommand(&cobra.Command{
			Use:   name,
			Short: action.short,
			Args:  action.args,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate(cmd, root, name, args)
			},
		})
	}
	return cmd
}

func runMigrate(cmd *cobra.Command, root *rootOptions, action string, args []string) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	m, err := migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
	if err != nil {
		if errors.Is(err, migration.ErrSQLiteUnmanaged) {
			fmt.Fprintln(cmd.OutOrStdout(), "sqlite schema is created by the store on startup, nothing to migrate")
			return nil
		}
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if cerr := m.Close(); cerr != nil {
			logger.Warn("failed to close migrator", zap.Error(cerr))
		}
	}()

	cli := migration.NewCLI(m)
	cli.SetOutput(cmd.OutOrStdout())
	return cli.Run(cmd.Context(), action, args)
}
