package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/workmesh/exo/config"
	"github.com/workmesh/exo/db"
	"github.com/workmesh/exo/errors"
	"github.com/workmesh/exo/logger"
	"github.com/workmesh/exo/registry"
)

// DbCmd manages the work registry database
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the work registry database",
	Long: `Manage work registry database operations.

Examples:
  exo db migrate           # Apply pending schema migrations
  exo db stats             # Show registry statistics`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show registry statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func openRegistryDB(migrate bool) (*registry.Registry, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load configuration")
	}
	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open database")
	}
	if migrate {
		if err := db.Migrate(database, logger.Logger); err != nil {
			database.Close()
			return nil, nil, errors.Wrap(err, "failed to migrate database")
		}
	}
	return registry.New(database, logger.Logger), database.Close, nil
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	_, closeDB, err := openRegistryDB(true)
	if err != nil {
		return err
	}
	defer closeDB()
	fmt.Println("Migrations applied")
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	reg, closeDB, err := openRegistryDB(true)
	if err != nil {
		return err
	}
	defer closeDB()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	stats, err := reg.GetStats(cmd.Context())
	if err != nil {
		return errors.Wrap(err, "failed to collect stats")
	}

	fmt.Println("Registry Statistics")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Database Path:     %s\n", cfg.Database.Path)
	fmt.Printf("Workers:           %d\n", stats.Workers)
	fmt.Printf("Projects:          %d\n", stats.Projects)
	fmt.Printf("Jobs:              %d\n", stats.Jobs)
	fmt.Printf("Assignments:       %d\n", stats.Assignments)
	fmt.Printf("Open Assignments:  %d\n", stats.OpenAssignments)
	return nil
}
