package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	// Create a temp config file
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error.
	// Override searchPathsFunc to avoid finding real config files
	// on developer/deploy machines.
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("project:\n  root: "+dir+"\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 8642 {
		t.Errorf("Listen.Port = %d, want 8642", cfg.Listen.Port)
	}
	if cfg.Listen.Address != "127.0.0.1" {
		t.Errorf("Listen.Address = %q, want 127.0.0.1", cfg.Listen.Address)
	}
	if cfg.Project.Trunk != "main" {
		t.Errorf("Project.Trunk = %q, want main", cfg.Project.Trunk)
	}
	if cfg.Project.Slug != filepath.Base(dir) {
		t.Errorf("Project.Slug = %q, want %q", cfg.Project.Slug, filepath.Base(dir))
	}
	if cfg.DataDir != filepath.Join(dir, ".monoco") {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, filepath.Join(dir, ".monoco"))
	}
	if cfg.Mailbox.MaxRetries != 5 {
		t.Errorf("Mailbox.MaxRetries = %d, want 5", cfg.Mailbox.MaxRetries)
	}
	if cfg.Mailbox.DebounceQuietSec != 5 || cfg.Mailbox.DebounceCeilingSec != 30 {
		t.Errorf("debounce defaults = %d/%d, want 5/30",
			cfg.Mailbox.DebounceQuietSec, cfg.Mailbox.DebounceCeilingSec)
	}
	if cfg.Engines.Default != "claude" {
		t.Errorf("Engines.Default = %q, want claude", cfg.Engines.Default)
	}
}

func TestLoad_RoleOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
roles:
  Engineer:
    concurrency: 3
    engine: gemini
    timeout_sec: 600
`
	os.WriteFile(path, []byte(content), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	eng, ok := cfg.Roles["Engineer"]
	if !ok {
		t.Fatal("Roles missing Engineer override")
	}
	if eng.Concurrency != 3 || eng.Engine != "gemini" || eng.TimeoutSec != 600 {
		t.Errorf("Engineer = %+v, want concurrency 3, engine gemini, timeout 600", eng)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("MONOCOD_TEST_TRUNK", "develop")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("project:\n  trunk: ${MONOCOD_TEST_TRUNK}\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Project.Trunk != "develop" {
		t.Errorf("Project.Trunk = %q, want develop", cfg.Project.Trunk)
	}
}

func TestValidate_BadPort(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Error("Validate should reject port 70000")
	}
}

func TestValidate_BadPollInterval(t *testing.T) {
	cfg := Default()
	cfg.Watch.PollIntervalSec = 30
	if err := cfg.Validate(); err == nil {
		t.Error("Validate should reject a 30s watch poll interval")
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "loud"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate should reject unknown log level")
	}
	if !strings.Contains(err.Error(), "loud") {
		t.Errorf("error %q should name the bad level", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"trace", false},
		{"debug", false},
		{"", false},
		{"INFO", false},
		{"warning", false},
		{"verbose", true},
	}
	for _, tt := range tests {
		_, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}

func TestForgeConfigured(t *testing.T) {
	if (ForgeConfig{Repo: "a/b"}).Configured() {
		t.Error("repo without token should be unconfigured")
	}
	if !(ForgeConfig{Repo: "a/b", Token: "t"}).Configured() {
		t.Error("repo with token should be configured")
	}
}
