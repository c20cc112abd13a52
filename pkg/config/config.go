package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	AppEnv       string `mapstructure:"APP_ENV"`
	AppName      string `mapstructure:"APP_NAME"`
	AppVersion   string `mapstructure:"APP_VERSION"`
	AppNamespace string `mapstructure:"APP_NAMESPACE"`
	TLS          struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		AutoMigrate    bool   `mapstructure:"AUTO_MIGRATE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Loyalty Loyalty `mapstructure:"LOYALTY"`
	Task    struct {
		Queue          string `mapstructure:"QUEUE"`
		Concurrency    int    `mapstructure:"CONCURRENCY"`
		ScheduleHour   int    `mapstructure:"SCHEDULE_HOUR"`
		ScheduleMinute int    `mapstructure:"SCHEDULE_MINUTE"`
	} `mapstructure:"TASK"`
}

type Tier struct {
	Name              string  `mapstructure:"NAME"`
	MinLifetimePoints int64   `mapstructure:"MIN_LIFETIME_POINTS"`
	EarningMultiplier float64 `mapstructure:"EARNING_MULTIPLIER"`
}

// Loyalty holds the earning, redemption and expiry policy.
type Loyalty struct {
	Tiers                []Tier             `mapstructure:"TIERS"`
	CategoryRates        map[string]float64 `mapstructure:"CATEGORY_RATES"`
	RedemptionValidity   time.Duration      `mapstructure:"REDEMPTION_VALIDITY"`
	RedemptionCodePrefix string             `mapstructure:"REDEMPTION_CODE_PREFIX"`
	CatalogTimeout       time.Duration      `mapstructure:"CATALOG_TIMEOUT"`
	CatalogCacheTTL      time.Duration      `mapstructure:"CATALOG_CACHE_TTL"`
	MaxWriteRetries      int                `mapstructure:"MAX_WRITE_RETRIES"`
	PointExpiry          time.Duration      `mapstructure:"POINT_EXPIRY"`
	ExpiringSoonWindow   time.Duration      `mapstructure:"EXPIRING_SOON_WINDOW"`
	HistoryPageSize      int                `mapstructure:"HISTORY_PAGE_SIZE"`
	Reconcile            struct {
		BatchSize     int     `mapstructure:"BATCH_SIZE"`
		Concurrency   int     `mapstructure:"CONCURRENCY"`
		RatePerSecond float64 `mapstructure:"RATE_PER_SECOND"`
	} `mapstructure:"RECONCILE"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "dms-loyalty")
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 10*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 10*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("GRPC_SERVER.ADDR", "9090")
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("DATABASE.AUTO_MIGRATE", true)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_IDLE_CONN", 5)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS", 20)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME", time.Hour)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_IDLE_TIME", 10*time.Minute)
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 4*time.Second)

	v.SetDefault("LOYALTY.TIERS", []map[string]any{
		{"NAME": "Bronze", "MIN_LIFETIME_POINTS": 0, "EARNING_MULTIPLIER": 1.0},
		{"NAME": "Silver", "MIN_LIFETIME_POINTS": 1000, "EARNING_MULTIPLIER": 1.25},
		{"NAME": "Gold", "MIN_LIFETIME_POINTS": 2500, "EARNING_MULTIPLIER": 1.5},
		{"NAME": "Platinum", "MIN_LIFETIME_POINTS": 5000, "EARNING_MULTIPLIER": 2.0},
		{"NAME": "Diamond", "MIN_LIFETIME_POINTS": 10000, "EARNING_MULTIPLIER": 3.0},
	})
	v.SetDefault("LOYALTY.CATEGORY_RATES", map[string]float64{
		"service": 1.5,
		"parts":   1.2,
	})
	v.SetDefault("LOYALTY.REDEMPTION_VALIDITY", 30*24*time.Hour)
	v.SetDefault("LOYALTY.REDEMPTION_CODE_PREFIX", "RDM")
	v.SetDefault("LOYALTY.CATALOG_TIMEOUT", 2*time.Second)
	v.SetDefault("LOYALTY.CATALOG_CACHE_TTL", time.Minute)
	v.SetDefault("LOYALTY.MAX_WRITE_RETRIES", 5)
	v.SetDefault("LOYALTY.POINT_EXPIRY", 365*24*time.Hour)
	v.SetDefault("LOYALTY.EXPIRING_SOON_WINDOW", 30*24*time.Hour)
	v.SetDefault("LOYALTY.HISTORY_PAGE_SIZE", 20)
	v.SetDefault("LOYALTY.RECONCILE.BATCH_SIZE", 200)
	v.SetDefault("LOYALTY.RECONCILE.CONCURRENCY", 4)
	v.SetDefault("LOYALTY.RECONCILE.RATE_PER_SECOND", 50)

	v.SetDefault("TASK.QUEUE", "loyalty")
	v.SetDefault("TASK.CONCURRENCY", 10)
	v.SetDefault("TASK.SCHEDULE_HOUR", 1)
	v.SetDefault("TASK.SCHEDULE_MINUTE", 0)
}

func LoadConfig() *Config {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			zap.L().Error("failed to read config file", zap.Error(err))
			os.Exit(1)
		}
		zap.L().Warn("config file not found, using defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	return &cfg
}

// Default returns the configuration built from defaults only.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}
