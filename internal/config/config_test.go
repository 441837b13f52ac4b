package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func loadFromFile(t *testing.T, content string) (Config, error) {
	t.Helper()
	return loadWith(newFileBackend(writeConfigFile(t, content)))
}

// TestDefaults verifies default values survive an empty config file.
func TestDefaults(t *testing.T) {
	t.Setenv("BOOKSPIN_GEMINI_API_KEY", "test-key")

	cfg, err := loadFromFile(t, `{}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Gemini.Model != "gemini-2.0-flash" {
		t.Errorf("Gemini.Model = %q", cfg.Gemini.Model)
	}
	if cfg.Gemini.EmbedModel != "text-embedding-004" {
		t.Errorf("Gemini.EmbedModel = %q", cfg.Gemini.EmbedModel)
	}
	if cfg.Spin.MaxRetries != 3 {
		t.Errorf("Spin.MaxRetries = %d, want 3", cfg.Spin.MaxRetries)
	}
	if cfg.Spin.RetryDelay != "5s" {
		t.Errorf("Spin.RetryDelay = %q, want 5s", cfg.Spin.RetryDelay)
	}
	if !cfg.Search.Enabled {
		t.Error("Search.Enabled = false, want true")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

// TestFileValues verifies values are read from the JSON backend.
func TestFileValues(t *testing.T) {
	t.Setenv("BOOKSPIN_GEMINI_API_KEY", "test-key")

	cfg, err := loadFromFile(t, `{
		"server.port": 5000,
		"server.auth_token": "file-token",
		"gemini.model": "gemini-2.5-pro",
		"storage.data_dir": "/tmp/bookspin-test",
		"spin.max_retries": 1,
		"search.enabled": "false"
	}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Server.AuthToken != "file-token" {
		t.Errorf("Server.AuthToken = %q", cfg.Server.AuthToken)
	}
	if cfg.Gemini.Model != "gemini-2.5-pro" {
		t.Errorf("Gemini.Model = %q", cfg.Gemini.Model)
	}
	if cfg.Storage.DataDir != "/tmp/bookspin-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Spin.MaxRetries != 1 {
		t.Errorf("Spin.MaxRetries = %d, want 1", cfg.Spin.MaxRetries)
	}
	if cfg.Search.Enabled {
		t.Error("Search.Enabled = true, want false")
	}
}

// TestEnvOverride verifies environment variables override file values.
func TestEnvOverride(t *testing.T) {
	t.Setenv("BOOKSPIN_GEMINI_API_KEY", "test-key")
	t.Setenv("BOOKSPIN_SERVER_PORT", "6000")
	t.Setenv("BOOKSPIN_LOG_LEVEL", "debug")

	cfg, err := loadFromFile(t, `{"server.port": 5000, "log.level": "warn"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want env override 6000", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want env override debug", cfg.Log.Level)
	}
}

// TestMissingAPIKey verifies a clear error when the Gemini key is absent.
func TestMissingAPIKey(t *testing.T) {
	t.Setenv("BOOKSPIN_GEMINI_API_KEY", "")

	_, err := loadFromFile(t, `{}`)
	if err == nil {
		t.Fatal("expected error for missing API key, got nil")
	}
	if !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("error = %q, want it to mention missing required config", err)
	}
	if !strings.Contains(err.Error(), "BOOKSPIN_GEMINI_API_KEY") {
		t.Errorf("error = %q, want it to name the env var", err)
	}
}

// TestAPIKeyNotReadFromFile verifies the secret is ignored in the file backend.
func TestAPIKeyNotReadFromFile(t *testing.T) {
	t.Setenv("BOOKSPIN_GEMINI_API_KEY", "")

	if _, err := loadFromFile(t, `{"gemini.api_key": "leaked"}`); err == nil {
		t.Fatal("file-provided API key must not satisfy the requirement")
	}
}

func TestSetKeyRoundTrip(t *testing.T) {
	b := newFileBackend(filepath.Join(t.TempDir(), "config.json"))

	if err := setKeyWith(b, "server.port", "7000"); err != nil {
		t.Fatalf("setKeyWith: %v", err)
	}
	v, ok, err := b.GetInt("server.port")
	if err != nil || !ok || v != 7000 {
		t.Errorf("GetInt = %d, %v, %v", v, ok, err)
	}

	if err := setKeyWith(b, "server.port", "not-a-number"); err == nil {
		t.Error("expected error for non-integer value")
	}
	if err := setKeyWith(b, "gemini.api_key", "secret"); err == nil {
		t.Error("expected error when setting a secret key")
	}
	if err := setKeyWith(b, "bogus.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestEnsureAPIToken(t *testing.T) {
	t.Setenv("BOOKSPIN_API_TOKEN", "")
	b := newFileBackend(filepath.Join(t.TempDir(), "config.json"))

	token, err := ensureAPITokenWith(b)
	if err != nil {
		t.Fatalf("ensureAPITokenWith: %v", err)
	}
	if len(token) != 48 {
		t.Errorf("token length = %d, want 48 hex chars", len(token))
	}

	again, err := ensureAPITokenWith(b)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if again != token {
		t.Error("token not stable across calls")
	}

	t.Setenv("BOOKSPIN_API_TOKEN", "env-token")
	fromEnv, err := ensureAPITokenWith(b)
	if err != nil {
		t.Fatalf("env call: %v", err)
	}
	if fromEnv != "env-token" {
		t.Errorf("token = %q, want env override", fromEnv)
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	t.Setenv("BOOKSPIN_GEMINI_API_KEY", "super-secret")
	cfg, err := loadFromFile(t, `{}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, info := range ShowAll(cfg) {
		if info.Key == "gemini.api_key" || info.Value == "super-secret" {
			t.Errorf("secret exposed in ShowAll: %+v", info)
		}
	}
}
