package config

import (
	"os"
	"testing"
	"time"

	"github.com/mustergrid/muster/pkg/resultdb"
)

var musterEnvVars = []string{
	"COMMS_URL", "SERVICE_NAME", "MUSTER_NAMESPACE",
	"HEARTBEAT_INTERVAL", "MAX_MISSED_BEATS", "ENGINE_VERSION_CONSTRAINT",
	"REQUEST_TIMEOUT", "ANNOUNCE_TIMEOUT", "ANNOUNCE_BACKOFF",
	"MUSTER_RESULTDB", "MUSTER_RESULT_BUFFER",
	"ENGINE_HTTP_ADDR", "LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range musterEnvVars {
		os.Unsetenv(env)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("config:config_test - unexpected error: %v", err)
	}

	if cfg.COMMSURL != "nats://127.0.0.1:4222" {
		t.Errorf("config:config_test - COMMSURL = %q, want %q", cfg.COMMSURL, "nats://127.0.0.1:4222")
	}
	if cfg.COMMSName != "" {
		t.Errorf("config:config_test - COMMSName = %q, want empty", cfg.COMMSName)
	}
	if cfg.Namespace != "muster" {
		t.Errorf("config:config_test - Namespace = %q, want %q", cfg.Namespace, "muster")
	}
	if cfg.HeartbeatInterval != 3*time.Second {
		t.Errorf("config:config_test - HeartbeatInterval = %v, want 3s", cfg.HeartbeatInterval)
	}
	if cfg.MaxMissedBeats != 3 {
		t.Errorf("config:config_test - MaxMissedBeats = %d, want 3", cfg.MaxMissedBeats)
	}
	if cfg.VersionConstraint != "" {
		t.Errorf("config:config_test - VersionConstraint = %q, want empty", cfg.VersionConstraint)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("config:config_test - RequestTimeout = %v, want 30s", cfg.RequestTimeout)
	}
	if cfg.AnnounceTimeout != 5*time.Second {
		t.Errorf("config:config_test - AnnounceTimeout = %v, want 5s", cfg.AnnounceTimeout)
	}
	if cfg.AnnounceBackoff != 3*time.Second {
		t.Errorf("config:config_test - AnnounceBackoff = %v, want 3s", cfg.AnnounceBackoff)
	}
	if cfg.ResultDB != "memory" {
		t.Errorf("config:config_test - ResultDB = %q, want %q", cfg.ResultDB, "memory")
	}
	if cfg.ResultBuffer != 256 {
		t.Errorf("config:config_test - ResultBuffer = %d, want 256", cfg.ResultBuffer)
	}
	if cfg.HTTPAddr != "" {
		t.Errorf("config:config_test - HTTPAddr = %q, want empty", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("config:config_test - LogLevel = %q, want %q", cfg.LogLevel, "info")
	}

	if err := cfg.ValidateForEngine(); err != nil {
		t.Errorf("config:config_test - ValidateForEngine on defaults: %v", err)
	}
	if err := cfg.ValidateForClient(); err != nil {
		t.Errorf("config:config_test - ValidateForClient on defaults: %v", err)
	}
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	overrides := map[string]string{
		"COMMS_URL":                 "nats://custom:4222",
		"SERVICE_NAME":              "test-engine",
		"MUSTER_NAMESPACE":          "grid7",
		"HEARTBEAT_INTERVAL":        "1s",
		"MAX_MISSED_BEATS":          "5",
		"ENGINE_VERSION_CONSTRAINT": ">=1.0.0 <2.0.0",
		"REQUEST_TIMEOUT":           "10s",
		"ANNOUNCE_TIMEOUT":          "2s",
		"ANNOUNCE_BACKOFF":          "500ms",
		"MUSTER_RESULTDB":           "sqlite:/tmp/results.db",
		"MUSTER_RESULT_BUFFER":      "64",
		"ENGINE_HTTP_ADDR":          "0.0.0.0:9090",
		"LOG_LEVEL":                 "debug",
	}

	for key, val := range overrides {
		os.Setenv(key, val)
	}
	defer func() {
		for key := range overrides {
			os.Unsetenv(key)
		}
	}()

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("config:config_test - unexpected error: %v", err)
	}

	if cfg.COMMSURL != "nats://custom:4222" {
		t.Errorf("config:config_test - COMMSURL = %q, want %q", cfg.COMMSURL, "nats://custom:4222")
	}
	if cfg.COMMSName != "test-engine" {
		t.Errorf("config:config_test - COMMSName = %q, want %q", cfg.COMMSName, "test-engine")
	}
	if cfg.Namespace != "grid7" {
		t.Errorf("config:config_test - Namespace = %q, want %q", cfg.Namespace, "grid7")
	}
	if cfg.HeartbeatInterval != time.Second {
		t.Errorf("config:config_test - HeartbeatInterval = %v, want 1s", cfg.HeartbeatInterval)
	}
	if cfg.MaxMissedBeats != 5 {
		t.Errorf("config:config_test - MaxMissedBeats = %d, want 5", cfg.MaxMissedBeats)
	}
	if cfg.VersionConstraint != ">=1.0.0 <2.0.0" {
		t.Errorf("config:config_test - VersionConstraint = %q, unexpected", cfg.VersionConstraint)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Errorf("config:config_test - RequestTimeout = %v, want 10s", cfg.RequestTimeout)
	}
	if cfg.AnnounceTimeout != 2*time.Second {
		t.Errorf("config:config_test - AnnounceTimeout = %v, want 2s", cfg.AnnounceTimeout)
	}
	if cfg.AnnounceBackoff != 500*time.Millisecond {
		t.Errorf("config:config_test - AnnounceBackoff = %v, want 500ms", cfg.AnnounceBackoff)
	}
	if cfg.ResultDB != "sqlite:/tmp/results.db" {
		t.Errorf("config:config_test - ResultDB = %q, unexpected", cfg.ResultDB)
	}
	if cfg.ResultBuffer != 64 {
		t.Errorf("config:config_test - ResultBuffer = %d, want 64", cfg.ResultBuffer)
	}
	if cfg.HTTPAddr != "0.0.0.0:9090" {
		t.Errorf("config:config_test - HTTPAddr = %q, want %q", cfg.HTTPAddr, "0.0.0.0:9090")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("config:config_test - LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestResultStoreSelectors(t *testing.T) {
	cases := []struct {
		sel     string
		backend string
		dsn     string
		wantErr bool
	}{
		{"", resultdb.BackendMemory, "", false},
		{"memory", resultdb.BackendMemory, "", false},
		{"sqlite:/var/lib/muster/results.db", resultdb.BackendSQLite, "/var/lib/muster/results.db", false},
		{"postgres://muster@localhost/muster", resultdb.BackendPostgres, "postgres://muster@localhost/muster", false},
		{"postgresql://muster@localhost/muster", resultdb.BackendPostgres, "postgresql://muster@localhost/muster", false},
		{"sqlite:", "", "", true},
		{"redis://localhost", "", "", true},
	}

	for _, tc := range cases {
		cfg := Config{ResultDB: tc.sel}
		backend, dsn, err := cfg.ResultStore()
		if tc.wantErr {
			if err == nil {
				t.Errorf("config:config_test - ResultStore(%q) expected error, got backend %q", tc.sel, backend)
			}
			continue
		}
		if err != nil {
			t.Errorf("config:config_test - ResultStore(%q) unexpected error: %v", tc.sel, err)
			continue
		}
		if backend != tc.backend || dsn != tc.dsn {
			t.Errorf("config:config_test - ResultStore(%q) = (%q, %q), want (%q, %q)", tc.sel, backend, dsn, tc.backend, tc.dsn)
		}
	}
}

func TestValidateForClientRejectsBadValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("config:config_test - unexpected error: %v", err)
	}

	bad := *cfg
	bad.RequestTimeout = 0
	if err := bad.ValidateForClient(); err == nil {
		t.Error("config:config_test - expected error for zero REQUEST_TIMEOUT")
	}

	bad = *cfg
	bad.HeartbeatInterval = -time.Second
	if err := bad.ValidateForClient(); err == nil {
		t.Error("config:config_test - expected error for negative HEARTBEAT_INTERVAL")
	}

	bad = *cfg
	bad.ResultDB = "bolt:/tmp/x"
	if err := bad.ValidateForClient(); err == nil {
		t.Error("config:config_test - expected error for unknown MUSTER_RESULTDB")
	}

	bad = *cfg
	bad.AnnounceBackoff = 0
	if err := bad.ValidateForEngine(); err == nil {
		t.Error("config:config_test - expected error for zero ANNOUNCE_BACKOFF")
	}
}
