package task

import (
	"dms-loyalty/pkg/config"
	"dms-loyalty/pkg/db"
	"dms-loyalty/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Module wires the maintenance worker. It needs the loyalty service and an
// asynq mux from the task server module.
var Module = fx.Module("task.service",
	fx.Provide(
		NewService,
		NewScheduler,
	),
	fx.Invoke(
		migrate,
		RegisterHandlers,
		StartScheduler,
	),
)

func RegisterHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.LoyaltyRedemptionExpire, svc.HandleExpireRedemptions)
	mux.HandleFunc(taskname.LoyaltyPointsExpire, svc.HandleExpirePoints)
	mux.HandleFunc(taskname.LoyaltyLedgerReconcile, svc.HandleReconcile)
	mux.HandleFunc(taskname.LoyaltyPointsRedeemed, svc.HandleEvent)
	mux.HandleFunc(taskname.LoyaltyTierUpgraded, svc.HandleEvent)
}

func migrate(gdb *gorm.DB, cfg *config.Config) error {
	if !cfg.Database.AutoMigrate {
		return nil
	}
	return db.Migrate(gdb, Models()...)
}
