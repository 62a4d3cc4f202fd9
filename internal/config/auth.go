package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// AuthTokenPath returns where the gateway bearer token is kept.
func AuthTokenPath(homeDir string) string {
	return filepath.Join(homeDir, "auth.token")
}

// LoadAuthToken returns CORDELL_AUTH_TOKEN, or the token stored in
// auth.token. A missing or empty file gets a freshly generated token.
func LoadAuthToken(homeDir string) (token string, generated bool, err error) {
	if raw := strings.TrimSpace(os.Getenv("CORDELL_AUTH_TOKEN")); raw != "" {
		return raw, false, nil
	}
	path := AuthTokenPath(homeDir)
	if b, err := os.ReadFile(path); err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, false, nil
		}
	}
	token = uuid.NewString()
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", false, fmt.Errorf("persist auth token: %w", err)
	}
	return token, true, nil
}

// ReadAuthToken is LoadAuthToken for clients: it never creates a token.
func ReadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("CORDELL_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	b, err := os.ReadFile(AuthTokenPath(homeDir))
	if err != nil {
		return "", fmt.Errorf("read auth token (is the daemon initialized?): %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
