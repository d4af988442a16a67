// Package config loads engine configuration for the populate CLI and
// library entry points: the database connection and the default
// ordering, limit, max_calls and worker count. It follows the teacher's
// scoped-viper idiom (internal/labelmutex/policy.go, cmd/bd/doctor's
// config_values.go) — a fresh *viper.Viper per call rather than a
// package-global singleton, so tests and concurrent callers never
// share mutable config state.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/datajoint/populate/internal/todo"
)

// Config is the fully-resolved engine configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	TLS      bool

	DefaultOrder    todo.Order
	DefaultLimit    int
	DefaultMaxCalls int
	DefaultWorkers  int

	ConnectTimeout time.Duration
}

// Load reads configuration from (in ascending precedence) defaults,
// a config file at configPath (if non-empty and present), and
// POPULATE_-prefixed environment variables, mirroring the teacher's
// AutomaticEnv + SetDefault layering in cmd/bd/main.go's root command
// setup.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POPULATE")
	v.AutomaticEnv()

	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.user", "root")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "")
	v.SetDefault("database.tls", false)
	v.SetDefault("populate.order", "original")
	v.SetDefault("populate.limit", 0)
	v.SetDefault("populate.max_calls", 0)
	v.SetDefault("populate.workers", 1)
	v.SetDefault("database.connect_timeout", "10s")

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("failed to read config file %s: %w", configPath, err)
			}
		}
	}

	order, err := parseOrder(v.GetString("populate.order"))
	if err != nil {
		return Config{}, err
	}

	timeout, err := time.ParseDuration(v.GetString("database.connect_timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid database.connect_timeout: %w", err)
	}

	return Config{
		Host:            v.GetString("database.host"),
		Port:            v.GetInt("database.port"),
		User:            v.GetString("database.user"),
		Password:        v.GetString("database.password"),
		Database:        v.GetString("database.database"),
		TLS:             v.GetBool("database.tls"),
		DefaultOrder:    order,
		DefaultLimit:    v.GetInt("populate.limit"),
		DefaultMaxCalls: v.GetInt("populate.max_calls"),
		DefaultWorkers:  v.GetInt("populate.workers"),
		ConnectTimeout:  timeout,
	}, nil
}

func parseOrder(s string) (todo.Order, error) {
	switch s {
	case "original", "":
		return todo.OrderOriginal, nil
	case "reverse":
		return todo.OrderReverse, nil
	case "random":
		return todo.OrderRandom, nil
	default:
		return 0, fmt.Errorf("invalid populate.order %q: must be original, reverse, or random", s)
	}
}
