package database

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// LoadConfigFromEnv reads database settings from DB_* environment
// variables. DB_URL, when set, is used verbatim as the connection
// string and the discrete host/port/user variables are ignored;
// deployments behind a connection pooler hand us a full DSN.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		URL:      os.Getenv("DB_URL"),
		Host:     envOrDefault("DB_HOST", "localhost"),
		User:     envOrDefault("DB_USER", "oversight"),
		Password: os.Getenv("DB_PASSWORD"),
		Database: envOrDefault("DB_NAME", "oversight"),
		SSLMode:  envOrDefault("DB_SSLMODE", "disable"),

		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}

	var err error
	if cfg.Port, err = envIntOrDefault("DB_PORT", 5432); err != nil {
		return Config{}, err
	}
	if cfg.MaxOpenConns, err = envIntOrDefault("DB_MAX_OPEN_CONNS", 10); err != nil {
		return Config{}, err
	}
	if cfg.MaxIdleConns, err = envIntOrDefault("DB_MAX_IDLE_CONNS", 5); err != nil {
		return Config{}, err
	}
	if cfg.MaxOpenConns < 1 {
		return Config{}, fmt.Errorf("DB_MAX_OPEN_CONNS must be at least 1, got %d", cfg.MaxOpenConns)
	}
	// database/sql silently caps idle at open; make the cap explicit.
	if cfg.MaxIdleConns > cfg.MaxOpenConns {
		cfg.MaxIdleConns = cfg.MaxOpenConns
	}
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}
