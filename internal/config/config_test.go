package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
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
	_, err := FindConfig("/nonexistent/stride.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error
	// (Save and restore CWD to avoid finding the repo's stride.yaml)
	dir := t.TempDir()
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stride.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "stride.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "stride.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stride.yaml")
	os.WriteFile(path, []byte("mqtt:\n  password: ${STRIDE_TEST_SECRET}\n"), 0600)
	os.Setenv("STRIDE_TEST_SECRET", "secret123")
	defer os.Unsetenv("STRIDE_TEST_SECRET")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.MQTT.Password, "secret123")
	}
}

func TestLoad_AppliesDefaultsUnderPartialConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stride.yaml")
	os.WriteFile(path, []byte("models:\n  chat: llama3.1:8b\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Models.Chat != "llama3.1:8b" {
		t.Errorf("chat model = %q", cfg.Models.Chat)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("default port = %d", cfg.Listen.Port)
	}
	if cfg.Context.MaxTokens != 16000 || cfg.Context.TriggerRatio != 0.8 {
		t.Errorf("context defaults = %+v", cfg.Context)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("max iterations = %d", cfg.Agent.MaxIterations)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if cfg.ModelTimeout() != 120*time.Second {
		t.Errorf("model timeout = %v", cfg.ModelTimeout())
	}
	if cfg.ToolTimeout() != 30*time.Second {
		t.Errorf("tool timeout = %v", cfg.ToolTimeout())
	}
	if cfg.MaxIdle() != 24*time.Hour {
		t.Errorf("max idle = %v", cfg.MaxIdle())
	}
	if cfg.SweepInterval() != 15*time.Minute {
		t.Errorf("sweep interval = %v", cfg.SweepInterval())
	}
}

func TestParseLogLevel(t *testing.T) {
	if lvl, err := ParseLogLevel("trace"); err != nil || lvl != LevelTrace {
		t.Errorf("trace = %v, %v", lvl, err)
	}
	if _, err := ParseLogLevel("loud"); err == nil {
		t.Error("unknown level accepted")
	}
}
