package main

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/plangate/internal/audit"
	"github.com/smallbiznis/plangate/internal/authorization"
	"github.com/smallbiznis/plangate/internal/cache"
	"github.com/smallbiznis/plangate/internal/clock"
	"github.com/smallbiznis/plangate/internal/config"
	"github.com/smallbiznis/plangate/internal/enforcement"
	"github.com/smallbiznis/plangate/internal/entitlement"
	"github.com/smallbiznis/plangate/internal/migration"
	"github.com/smallbiznis/plangate/internal/observability"
	"github.com/smallbiznis/plangate/internal/plan"
	"github.com/smallbiznis/plangate/internal/ratelimit"
	"github.com/smallbiznis/plangate/internal/scheduler"
	"github.com/smallbiznis/plangate/internal/server"
	"github.com/smallbiznis/plangate/internal/subscription"
	"github.com/smallbiznis/plangate/internal/usage"
	"github.com/smallbiznis/plangate/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var (
	serveWithScheduler bool
	migrateSkipSeed    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, with the scheduler unless disabled",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(serveWithScheduler)
	},
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run only the background subscription jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := fx.New(append(coreModules(),
			fx.Decorate(func(cfg config.Config) config.Config {
				cfg.SchedulerEnabled = true
				return cfg
			}),
			scheduler.Module,
		)...)
		app.Run()
		return app.Err()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and seed the default plans, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := fx.New(
			config.Module,
			observability.Module,
			fx.Decorate(func(cfg config.Config) config.Config {
				cfg.DBMigrate = true
				if migrateSkipSeed {
					cfg.SeedDefaultPlans = false
				}
				return cfg
			}),
			fx.Provide(RegisterSnowflake),
			db.Module,
			migration.Module,
		)
		if err := app.Err(); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := app.Start(ctx); err != nil {
			return err
		}
		return app.Stop(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveWithScheduler, "scheduler", true, "run the background jobs in this process")
	migrateCmd.Flags().BoolVar(&migrateSkipSeed, "skip-seed", false, "do not create the default plans")
}

func runServe(withScheduler bool) error {
	app := fx.New(append(coreModules(),
		fx.Decorate(func(cfg config.Config) config.Config {
			cfg.SchedulerEnabled = cfg.SchedulerEnabled && withScheduler
			return cfg
		}),
		migration.Module,
		ratelimit.Module,
		authorization.Module,
		audit.Module,
		enforcement.Module,
		scheduler.Module,
		server.Module,
	)...)
	app.Run()
	return app.Err()
}

// coreModules wires the store, cache and domain services shared by every
// long-running command.
func coreModules() []fx.Option {
	return []fx.Option{
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,

		plan.Module,
		subscription.Module,
		usage.Module,
		entitlement.Module,
	}
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
