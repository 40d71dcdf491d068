package infra

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AuthError is fatal: the session cannot proceed without the caller
// re-authenticating. It is never retried.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "auth: " + e.Reason
}

// CredentialSource supplies the upstream venue token. Consumed once at
// orchestrator startup.
type CredentialSource interface {
	APIKey(ctx context.Context) (string, error)
}

// StaticCredentialSource returns a token already held in memory
// (typically from config or environment).
type StaticCredentialSource struct {
	Key string
}

func (s StaticCredentialSource) APIKey(ctx context.Context) (string, error) {
	if s.Key == "" {
		return "", &AuthError{Reason: "no API key configured"}
	}
	return s.Key, nil
}

// secretFile matches the structure of secrets/*.yaml.
type secretFile struct {
	API struct {
		Kalshi struct {
			APIKey string `yaml:"api_key"`
		} `yaml:"kalshi"`
	} `yaml:"api"`
}

// FileCredentialSource reads the API key from a separate yaml file,
// with the KALSHI_API_KEY environment variable taking precedence.
type FileCredentialSource struct {
	Path string
}

func (f FileCredentialSource) APIKey(ctx context.Context) (string, error) {
	if key := os.Getenv("KALSHI_API_KEY"); key != "" {
		return key, nil
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", &AuthError{Reason: fmt.Sprintf("read secret file: %v", err)}
	}

	var sf secretFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return "", &AuthError{Reason: fmt.Sprintf("parse secret file: %v", err)}
	}

	if sf.API.Kalshi.APIKey == "" {
		return "", &AuthError{Reason: "secret file has no kalshi api_key"}
	}
	return sf.API.Kalshi.APIKey, nil
}
