package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

const tokenKey = "server.auth_token"

// EnsureAPIToken returns the bearer token for the management API, generating
// and persisting one on first run. The BOOKSPIN_API_TOKEN environment
// variable always wins and is never written to the config file.
func EnsureAPIToken() (string, error) {
	return ensureAPITokenWith(newFileBackend(configFilePath()))
}

func ensureAPITokenWith(b ConfigBackend) (string, error) {
	if env := os.Getenv("BOOKSPIN_API_TOKEN"); env != "" {
		return env, nil
	}

	token, ok, err := b.GetString(tokenKey)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", tokenKey, err)
	}
	if ok && token != "" {
		return token, nil
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	token = hex.EncodeToString(buf)
	if err := b.SetString(tokenKey, token); err != nil {
		return "", fmt.Errorf("persisting token: %w", err)
	}
	return token, nil
}
