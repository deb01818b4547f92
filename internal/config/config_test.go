package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("store:\n  path: test.db\n"), 0600)

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

func TestFindConfig_SearchPathFound(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("store:\n  path: test.db\n"), 0600)

	orig := searchPathsFunc
	searchPathsFunc = func() []string { return []string{path} }
	defer func() { searchPathsFunc = orig }()

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != path {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, path)
	}
}

func writeTestConfig(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "imap:\n  username: a@example.com\n  password: secret\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IMAP.Host != "imap.gmail.com" {
		t.Errorf("expected default host, got %q", cfg.IMAP.Host)
	}
	if cfg.IMAP.Port != 993 {
		t.Errorf("expected default port 993, got %d", cfg.IMAP.Port)
	}
	if cfg.IMAP.Folder != "INBOX" {
		t.Errorf("expected default folder INBOX, got %q", cfg.IMAP.Folder)
	}
	if cfg.Store.Path == "" {
		t.Error("expected default store path")
	}
	if cfg.Listeners.Dir == "" {
		t.Error("expected default listeners dir")
	}
	if cfg.LLM.DefaultModel != "haiku" {
		t.Errorf("expected default model haiku, got %q", cfg.LLM.DefaultModel)
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("expected default http port 8080, got %d", cfg.HTTP.Port)
	}
}

func TestLoad_MissingCredentialsFails(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "store:\n  path: test.db\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing IMAP credentials")
	}
}

func TestLoad_EnvOverridesCredentials(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "imap:\n  username: fromfile@example.com\n  password: filepass\n")

	t.Setenv("EMAIL_ADDRESS", "fromenv@example.com")
	t.Setenv("EMAIL_APP_PASSWORD", "envpass")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IMAP.Username != "fromenv@example.com" {
		t.Errorf("expected env username to win, got %q", cfg.IMAP.Username)
	}
	if cfg.IMAP.Password != "envpass" {
		t.Errorf("expected env password to win, got %q", cfg.IMAP.Password)
	}
}

func TestLoad_EnvSynonyms(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "store:\n  path: test.db\n")

	t.Setenv("EMAIL_USER", "synonym@example.com")
	t.Setenv("EMAIL_PASS", "synonympass")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IMAP.Username != "synonym@example.com" || cfg.IMAP.Password != "synonympass" {
		t.Errorf("expected synonym env vars applied, got %+v", cfg.IMAP)
	}
}

func TestLoad_EnvIMAPHostAndPort(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "imap:\n  username: a@example.com\n  password: secret\n")

	t.Setenv("IMAP_HOST", "imap.example.org")
	t.Setenv("IMAP_PORT", "1993")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IMAP.Host != "imap.example.org" {
		t.Errorf("expected env IMAP_HOST to apply, got %q", cfg.IMAP.Host)
	}
	if cfg.IMAP.Port != 1993 {
		t.Errorf("expected env IMAP_PORT to apply, got %d", cfg.IMAP.Port)
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "imap:\n  username: a@example.com\n  password: secret\nlog_level: nonsense\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}
