package profile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultProfile(t *testing.T) {
	p := Default()

	if p.URL == "" {
		t.Error("expected a default URL")
	}
	if p.Namespace != "muster" {
		t.Errorf("expected namespace muster, got %s", p.Namespace)
	}
}

func TestLoadFromExplicitPath(t *testing.T) {
	t.Setenv("MUSTER_PROFILE", "")

	path := filepath.Join(t.TempDir(), "grid.json")
	body := `{"name":"grid7","url":"nats://grid7:4222","namespace":"grid7","resultDb":"sqlite:/tmp/grid7.db"}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	p, found, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatal("expected the explicit profile to be found")
	}
	if p.Name != "grid7" {
		t.Errorf("expected name grid7, got %s", p.Name)
	}
	if p.URL != "nats://grid7:4222" {
		t.Errorf("expected grid7 url, got %s", p.URL)
	}
	if p.Namespace != "grid7" {
		t.Errorf("expected namespace grid7, got %s", p.Namespace)
	}
	if p.ResultDB != "sqlite:/tmp/grid7.db" {
		t.Errorf("expected sqlite selector, got %s", p.ResultDB)
	}
}

func TestLoadPrefersExplicitPathOverEnv(t *testing.T) {
	dir := t.TempDir()

	envPath := filepath.Join(dir, "env.json")
	if err := os.WriteFile(envPath, []byte(`{"name":"from-env","url":"nats://env:4222"}`), 0o644); err != nil {
		t.Fatalf("write env profile: %v", err)
	}
	explicit := filepath.Join(dir, "explicit.json")
	if err := os.WriteFile(explicit, []byte(`{"name":"from-flag","url":"nats://flag:4222"}`), 0o644); err != nil {
		t.Fatalf("write explicit profile: %v", err)
	}

	t.Setenv("MUSTER_PROFILE", envPath)

	p, found, err := Load(explicit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found || p.Name != "from-flag" {
		t.Errorf("expected explicit path to win, got %s", p.Name)
	}

	p, _, err = Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name != "from-env" {
		t.Errorf("expected env profile, got %s", p.Name)
	}
}

func TestLoadSkipsMalformedFile(t *testing.T) {
	t.Setenv("MUSTER_PROFILE", "")

	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	p, _, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected a fallback profile, got nil")
	}
	if p.Name == "broken" {
		t.Error("malformed profile should have been skipped")
	}
}

func TestMerge(t *testing.T) {
	base := Default()
	merged := Merge(base, &Profile{URL: "nats://other:4222"})

	if merged.URL != "nats://other:4222" {
		t.Errorf("expected override url, got %s", merged.URL)
	}
	if merged.Namespace != base.Namespace {
		t.Errorf("expected base namespace to remain, got %s", merged.Namespace)
	}
	if base.URL == merged.URL {
		t.Error("expected base to be left untouched")
	}

	same := Merge(base, nil)
	if same.URL != base.URL || same.Namespace != base.Namespace {
		t.Error("expected nil override to copy base")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv("MUSTER_PROFILE", "")

	path := filepath.Join(t.TempDir(), "nested", "profile.json")
	want := &Profile{Name: "demo", URL: "nats://127.0.0.1:14222", Namespace: "demo"}
	if err := Save(path, want); err != nil {
		t.Fatalf("save profile: %v", err)
	}

	got, found, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatal("expected the saved profile to be found")
	}
	if got.Name != want.Name || got.URL != want.URL || got.Namespace != want.Namespace {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}
