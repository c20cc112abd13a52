package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"dms-loyalty/pkg/clock"
	"dms-loyalty/pkg/config"
	"dms-loyalty/pkg/db"
	"dms-loyalty/pkg/health"
	"dms-loyalty/pkg/logger"
	"dms-loyalty/pkg/otelcol"
	"dms-loyalty/pkg/profiling"
	"dms-loyalty/pkg/redis"
	"dms-loyalty/pkg/sequence"
	"dms-loyalty/pkg/server"
	"dms-loyalty/pkg/task"
	"dms-loyalty/services/ledger"
	"dms-loyalty/services/loyalty"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		clock.Module,
		redis.Module,
		sequence.Module,
		task.Client,
		otelcol.Module,
		profiling.Module,
		fx.Provide(
			provideMeterProvider,
			provideSnowflakeNode,
		),
		health.Module,
		ledger.Module,
		loyalty.Module,
		loyalty.HTTP,
		server.ProvideGRPCServer,
		health.GRPC,
		server.ProvideHTTPServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideMeterProvider() metric.MeterProvider {
	return otel.GetMeterProvider()
}

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
