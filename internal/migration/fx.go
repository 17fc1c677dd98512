package migration

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/plangate/internal/config"
	"github.com/smallbiznis/plangate/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, node *snowflake.Node, log *zap.Logger) error {
		if !cfg.DBMigrate {
			log.Info("database migrations disabled")
			return nil
		}

		if err := Run(conn, cfg.DBType); err != nil {
			return err
		}
		if !cfg.SeedDefaultPlans {
			return nil
		}

		created, err := seed.EnsureDefaultPlans(context.Background(), conn, node)
		if err != nil {
			return err
		}
		if created > 0 {
			log.Info("seeded default plans", zap.Int("created", created))
		}
		return nil
	}),
)
