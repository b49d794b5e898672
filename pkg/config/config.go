package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcclellann/ngoLedger/pkg/ledger"
	"github.com/mcclellann/ngoLedger/pkg/store"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all configuration for the application
type Config struct {
	Port        string
	CORSOrigins []string

	StoreDriver string
	SQLitePath  string
	Postgres    store.PostgresConfig

	Redis          RedisConfig
	IdempotencyTTL time.Duration

	Policy     ledger.Policy
	AutoRepair bool

	OverdueSchedule   string
	ReconcileSchedule string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
}

func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

var envBindings = map[string]string{
	"server.port":                "PORT",
	"cors.allowed_origins":       "CORS_ALLOWED_ORIGINS",
	"store.driver":               "STORE_DRIVER",
	"sqlite.path":                "SQLITE_PATH",
	"database.host":              "DATABASE_HOST",
	"database.port":              "DATABASE_PORT",
	"database.user":              "DATABASE_USER",
	"database.password":          "DATABASE_PASSWORD",
	"database.name":              "DATABASE_NAME",
	"database.ssl_mode":          "DATABASE_SSL_MODE",
	"database.max_open_conns":    "DATABASE_MAX_OPEN_CONNS",
	"database.max_idle_conns":    "DATABASE_MAX_IDLE_CONNS",
	"database.conn_max_lifetime": "DATABASE_CONN_MAX_LIFETIME",
	"redis.enabled":              "REDIS_ENABLED",
	"redis.host":                 "REDIS_HOST",
	"redis.port":                 "REDIS_PORT",
	"redis.password":             "REDIS_PASSWORD",
	"redis.db":                   "REDIS_DB",
	"idempotency.ttl":            "IDEMPOTENCY_TTL",
	"ledger.strict_withdrawals":  "LEDGER_STRICT_WITHDRAWALS",
	"ledger.strict_overpayments": "LEDGER_STRICT_OVERPAYMENTS",
	"ledger.auto_repair":         "LEDGER_AUTO_REPAIR",
	"schedule.overdue":           "SCHEDULE_OVERDUE",
	"schedule.reconcile":         "SCHEDULE_RECONCILE",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("cors.allowed_origins", "http://localhost:3000")
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("sqlite.path", "ngoledger.db")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.name", "ngo_ledger")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Minute*5)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("idempotency.ttl", 24*time.Hour)

	v.SetDefault("ledger.strict_withdrawals", false)
	v.SetDefault("ledger.strict_overpayments", false)
	v.SetDefault("ledger.auto_repair", false)

	v.SetDefault("schedule.overdue", "@daily")
	v.SetDefault("schedule.reconcile", "@every 6h")
}

// splitList parses a comma separated env value, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment only.")
	}
	return FromViper(viper.New())
}

// FromViper builds a Config from v after applying defaults and env bindings.
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	cfg := &Config{
		Port:        v.GetString("server.port"),
		CORSOrigins: splitList(v.GetString("cors.allowed_origins")),
		StoreDriver: v.GetString("store.driver"),
		SQLitePath:  v.GetString("sqlite.path"),
		Postgres: store.PostgresConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetString("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			Name:            v.GetString("database.name"),
			SSLMode:         v.GetString("database.ssl_mode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		IdempotencyTTL: v.GetDuration("idempotency.ttl"),
		Policy: ledger.Policy{
			StrictWithdrawals:  v.GetBool("ledger.strict_withdrawals"),
			StrictOverpayments: v.GetBool("ledger.strict_overpayments"),
		},
		AutoRepair:        v.GetBool("ledger.auto_repair"),
		OverdueSchedule:   v.GetString("schedule.overdue"),
		ReconcileSchedule: v.GetString("schedule.reconcile"),
	}

	switch cfg.StoreDriver {
	case DriverSQLite, DriverPostgres, DriverMemory:
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	return cfg, nil
}
