package main

import (
	"context"
	"log"

	"dms-loyalty/pkg/config"
	"dms-loyalty/pkg/db"
	"dms-loyalty/pkg/logger"
	"dms-loyalty/services/loyalty"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var rewards = []loyalty.Reward{
	{ID: "free-oil-change", Name: "Free Oil Change", Category: "service", PointsCost: 500, ValidityDays: 90, Active: true},
	{ID: "free-vehicle-inspection", Name: "Free Vehicle Inspection", Category: "service", PointsCost: 300, ValidityDays: 60, Active: true},
	{ID: "free-air-filter", Name: "Free Air Filter", Category: "parts", PointsCost: 200, ValidityDays: 120, Active: true},
	{ID: "service-discount-10", Name: "10% Off Service", Category: "service", PointsCost: 750, ValidityDays: 30, Active: true},
}

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		fx.Invoke(seed),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		log.Fatalf("seed failed: %v", err)
	}
	_ = app.Stop(context.Background())
}

func seed(gdb *gorm.DB) error {
	if err := db.Migrate(gdb, &loyalty.Reward{}); err != nil {
		return err
	}

	err := gdb.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "category", "points_cost", "validity_days", "active", "updated_at"}),
	}).Create(&rewards).Error
	if err != nil {
		return err
	}

	zap.L().Info("rewards seeded", zap.Int("count", len(rewards)))
	return nil
}
