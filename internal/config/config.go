package config

import (
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	Server  ServerConfig
	Gemini  GeminiConfig
	Storage StorageConfig
	Spin    SpinConfig
	Search  SearchConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port      int
	AuthToken string
}

type GeminiConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type SpinConfig struct {
	MaxRetries      int
	RetryDelay      string
	WriterTimeout   string
	ReviewerTimeout string
}

type SearchConfig struct {
	Enabled bool
	TopK    int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Gemini: GeminiConfig{
			BaseURL:    "https://generativelanguage.googleapis.com/v1beta",
			Model:      "gemini-2.0-flash",
			EmbedModel: "text-embedding-004",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Spin: SpinConfig{
			MaxRetries:      3,
			RetryDelay:      "5s",
			WriterTimeout:   "120s",
			ReviewerTimeout: "30s",
		},
		Search: SearchConfig{
			Enabled: true,
			TopK:    5,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/bookspin/config.json, then applies BOOKSPIN_* environment
// overrides. The Gemini API key is required and is only accepted through the
// environment, never the file.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Gemini.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: Gemini API key. " +
			"Set it via environment variable BOOKSPIN_GEMINI_API_KEY")
	}

	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "bookspin-data"
		}
	}
	return filepath.Join(dir, "bookspin")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "bookspin", "config.json")
}
