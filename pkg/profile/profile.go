// Package profile loads named connection profiles so the CLI and engine
// daemons can share grid settings without repeating flags.
package profile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	comms "github.com/nats-io/nats.go"

	"github.com/mustergrid/muster/pkg/commsutil"
)

const logPrefix = "profile:loader"

// Profile names the COMMS endpoint and namespace of one grid.
type Profile struct {
	Name      string `json:"name,omitempty"`
	URL       string `json:"url"`
	Namespace string `json:"namespace,omitempty"`
	// ResultDB selects the client's result archive: "memory",
	// "sqlite:<path>", or a postgres:// URL.
	ResultDB string `json:"resultDb,omitempty"`
}

// Load reads the first parseable profile, trying paths in order: any paths
// passed in, then MUSTER_PROFILE from the environment, then the default
// locations. So an explicit path (e.g. from a -profile flag) wins over the
// env var. With nothing found it returns the default profile and false, so
// callers can tell a real profile from the fallback.
func Load(paths ...string) (*Profile, bool, error) {
	all := make([]string, 0, len(paths)+4)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("MUSTER_PROFILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/muster.json", "muster.json")
	if home, err := os.UserHomeDir(); err == nil {
		all = append(all, filepath.Join(home, ".muster", "profile.json"))
	}

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var prof Profile
		if err := json.Unmarshal(data, &prof); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse profile %s: %v", logPrefix, p, err))
			continue
		}

		slog.Info(fmt.Sprintf("%s - Loaded profile from %s", logPrefix, p))
		return &prof, true, nil
	}

	slog.Info(fmt.Sprintf("%s - Using default profile", logPrefix))
	return Default(), false, nil
}

// Default returns the profile used when no profile file exists.
func Default() *Profile {
	return &Profile{
		Name:      "default",
		URL:       comms.DefaultURL,
		Namespace: commsutil.DefaultNamespace,
	}
}

// Merge overlays the override's non-empty fields onto a copy of base.
func Merge(base, override *Profile) *Profile {
	merged := *base
	if override == nil {
		return &merged
	}
	if override.Name != "" {
		merged.Name = override.Name
	}
	if override.URL != "" {
		merged.URL = override.URL
	}
	if override.Namespace != "" {
		merged.Namespace = override.Namespace
	}
	if override.ResultDB != "" {
		merged.ResultDB = override.ResultDB
	}
	return &merged
}

// Save writes the profile as indented JSON, creating parent directories.
// The demo command uses it to hand engines the embedded server's address.
func Save(path string, p *Profile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%s - failed to create profile dir: %w", logPrefix, err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("%s - failed to encode profile: %w", logPrefix, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%s - failed to write profile: %w", logPrefix, err)
	}
	return nil
}
