// Package config provides engine and client configuration loaded from
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/mustergrid/muster/pkg/resultdb"
)

const logPrefix = "config:LoadConfig"

// Config holds muster configuration shared by the engine daemon and the
// client CLI. Each binary validates the subset it actually uses.
type Config struct {
	// COMMS: connect to standalone NATS at COMMSURL.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME"`

	// Namespace prefixes every subject so several grids can share a server.
	Namespace string `envconfig:"MUSTER_NAMESPACE" default:"muster"`

	// Heartbeats: the client hands HeartbeatInterval to engines at
	// registration and declares an engine dead after MaxMissedBeats
	// silent intervals.
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"3s"`
	MaxMissedBeats    int           `envconfig:"MAX_MISSED_BEATS" default:"3"`

	// VersionConstraint is an optional semver range (e.g. ">=1.0.0 <2.0.0")
	// that registering engines must satisfy.
	VersionConstraint string `envconfig:"ENGINE_VERSION_CONSTRAINT"`

	// Timeouts
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	AnnounceTimeout time.Duration `envconfig:"ANNOUNCE_TIMEOUT" default:"5s"`
	AnnounceBackoff time.Duration `envconfig:"ANNOUNCE_BACKOFF" default:"3s"`

	// Result archive: "memory", "sqlite:<path>", or a postgres:// URL.
	ResultDB     string `envconfig:"MUSTER_RESULTDB" default:"memory"`
	ResultBuffer int    `envconfig:"MUSTER_RESULT_BUFFER" default:"256"`

	// HTTP health/metrics endpoint on the engine (empty = disabled,
	// e.g. "0.0.0.0:8080")
	HTTPAddr string `envconfig:"ENGINE_HTTP_ADDR"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ValidateForEngine checks required config when running an engine daemon.
func (c *Config) ValidateForEngine() error {
	if c.COMMSURL == "" {
		return fmt.Errorf("%s - COMMS_URL is required", logPrefix)
	}
	if c.AnnounceTimeout <= 0 {
		return fmt.Errorf("%s - ANNOUNCE_TIMEOUT must be positive", logPrefix)
	}
	if c.AnnounceBackoff <= 0 {
		return fmt.Errorf("%s - ANNOUNCE_BACKOFF must be positive", logPrefix)
	}
	return nil
}

// ValidateForClient checks required config when running the client CLI.
func (c *Config) ValidateForClient() error {
	if c.COMMSURL == "" {
		return fmt.Errorf("%s - COMMS_URL is required", logPrefix)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%s - HEARTBEAT_INTERVAL must be positive", logPrefix)
	}
	if c.MaxMissedBeats <= 0 {
		return fmt.Errorf("%s - MAX_MISSED_BEATS must be positive", logPrefix)
	}
	if _, _, err := c.ResultStore(); err != nil {
		return err
	}
	return nil
}

// ResultStore parses the MUSTER_RESULTDB selector into a resultdb backend
// and DSN. Accepted forms: "memory" (or empty), "sqlite:<path>", and a
// postgres:// or postgresql:// connection URL.
func (c *Config) ResultStore() (backend, dsn string, err error) {
	sel := strings.TrimSpace(c.ResultDB)
	switch {
	case sel == "" || sel == resultdb.BackendMemory:
		return resultdb.BackendMemory, "", nil
	case strings.HasPrefix(sel, "postgres://"), strings.HasPrefix(sel, "postgresql://"):
		return resultdb.BackendPostgres, sel, nil
	case strings.HasPrefix(sel, "sqlite:"):
		path := strings.TrimPrefix(sel, "sqlite:")
		if path == "" {
			return "", "", fmt.Errorf("%s - MUSTER_RESULTDB sqlite selector needs a path", logPrefix)
		}
		return resultdb.BackendSQLite, path, nil
	default:
		return "", "", fmt.Errorf("%s - unrecognized MUSTER_RESULTDB selector %q", logPrefix, sel)
	}
}
