package loyalty

import (
	"dms-loyalty/pkg/config"
	"dms-loyalty/pkg/db"
	"dms-loyalty/pkg/task"
	"dms-loyalty/services/ledger"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module wires the loyalty core. It needs a *gorm.DB, a snowflake node, a
// clock and the ledger.
var Module = fx.Module("loyalty",
	fx.Provide(
		provideTierTable,
		NewTierEngine,
		provideEarningCalculator,
		provideCatalog,
		provideNotifier,
		NewService,
	),
	fx.Invoke(migrate),
)

// HTTP mounts the loyalty routes on the shared gin engine.
var HTTP = fx.Module("loyalty.http",
	fx.Provide(NewHandler),
	fx.Invoke(func(engine *gin.Engine, h *Handler) {
		RegisterRoutes(engine, h)
	}),
)

func provideTierTable(cfg *config.Config) (*TierTable, error) {
	return NewTierTable(cfg.Loyalty.Tiers)
}

func provideEarningCalculator(cfg *config.Config) *EarningCalculator {
	return NewEarningCalculator(cfg.Loyalty.CategoryRates)
}

func provideCatalog(gdb *gorm.DB, cfg *config.Config) RewardCatalog {
	return NewCachedCatalog(NewGormCatalog(gdb), cfg.Loyalty.CatalogCacheTTL)
}

type notifierParams struct {
	fx.In
	Config   *config.Config
	Enqueuer task.Enqueuer `optional:"true"`
}

func provideNotifier(p notifierParams) Notifier {
	if p.Enqueuer == nil {
		zap.L().Warn("no task enqueuer configured, loyalty events are dropped")
		return nopNotifier{}
	}
	return NewTaskNotifier(p.Enqueuer, p.Config.Task.Queue)
}

func migrate(gdb *gorm.DB, cfg *config.Config) error {
	if !cfg.Database.AutoMigrate {
		return nil
	}
	return db.Migrate(gdb, append(ledger.Models(), Models()...)...)
}
