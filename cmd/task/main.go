package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"dms-loyalty/pkg/clock"
	"dms-loyalty/pkg/config"
	"dms-loyalty/pkg/db"
	"dms-loyalty/pkg/logger"
	"dms-loyalty/pkg/profiling"
	"dms-loyalty/pkg/redis"
	"dms-loyalty/pkg/sequence"
	"dms-loyalty/pkg/task"
	"dms-loyalty/services/ledger"
	"dms-loyalty/services/loyalty"
	maintenance "dms-loyalty/services/task"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		clock.Module,
		redis.Module,
		sequence.Module,
		task.Client,
		task.Server,
		profiling.Module,
		fx.Provide(
			provideSnowflakeNode,
		),
		ledger.Module,
		loyalty.Module,
		maintenance.Module,
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

// node 1 is the API process
func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(2)
}
