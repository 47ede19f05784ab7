// Package config loads process settings from the environment and
// resolves per-county tuning through an ordered source cascade.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Settings is the process-level configuration, read once at startup.
type Settings struct {
	// HTTP API
	ListenAddr string

	// Queues
	EventsQueueURL string
	OutputQueueURL string
	DLQURL         string
	QueueWorkers   int

	// Validator service
	ValidatorEndpoint string

	// Artifact layout
	ArtifactBucket  string
	TransformPrefix string
	ConfigPrefix    string

	// Repair loop
	RepairEnabled      bool
	RepairWorkers      int
	RepairMaxAttempts  int
	RepairPollInterval time.Duration
	RepairOrder        string
	RepairErrorType    string

	// Agent
	AgentModel string
}

// LoadSettings reads settings from APP_* environment variables,
// falling back to serviceable defaults. Queue URLs and the validator
// endpoint have no defaults; the subsystems that need them stay off
// when they are empty.
func LoadSettings() (*Settings, error) {
	s := &Settings{
		ListenAddr:        envOr("APP_LISTEN_ADDR", ":8080"),
		EventsQueueURL:    os.Getenv("APP_EVENTS_QUEUE_URL"),
		OutputQueueURL:    os.Getenv("APP_OUTPUT_QUEUE_URL"),
		DLQURL:            os.Getenv("APP_DLQ_URL"),
		ValidatorEndpoint: os.Getenv("APP_VALIDATOR_ENDPOINT"),
		ArtifactBucket:    os.Getenv("APP_ARTIFACT_BUCKET"),
		TransformPrefix:   envOr("APP_TRANSFORM_PREFIX", "transform/scripts"),
		ConfigPrefix:      envOr("APP_CONFIG_PREFIX", "config"),
		RepairOrder:       envOr("APP_REPAIR_ORDER", "most"),
		RepairErrorType:   os.Getenv("APP_REPAIR_ERROR_TYPE"),
		AgentModel:        os.Getenv("APP_AGENT_MODEL"),
	}

	var err error
	if s.QueueWorkers, err = envInt("APP_QUEUE_WORKERS", 4); err != nil {
		return nil, err
	}
	if s.RepairMaxAttempts, err = envInt("APP_REPAIR_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if s.RepairWorkers, err = envInt("APP_REPAIR_WORKERS", 1); err != nil {
		return nil, err
	}
	if s.RepairEnabled, err = envBool("APP_REPAIR_ENABLED", true); err != nil {
		return nil, err
	}
	interval, err := envInt("APP_REPAIR_POLL_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	s.RepairPollInterval = time.Duration(interval) * time.Second

	if s.QueueWorkers < 1 {
		return nil, fmt.Errorf("APP_QUEUE_WORKERS must be at least 1, got %d", s.QueueWorkers)
	}
	return s, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
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

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}
