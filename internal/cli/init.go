package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/toomanycooks/internal/auth"
)

type keysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Admin struct {
		Keys        []string `yaml:"keys"`
		TokenSecret string   `yaml:"token_secret,omitempty"`
	} `yaml:"admin"`
}

// InitKeysFile appends a fresh admin key to the keys file at path and
// returns it. A missing file is created with a token secret and the
// localhost policy. allowLocalhost, when set, overwrites the policy.
func InitKeysFile(path string, allowLocalhost *bool) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("keys file path required")
	}

	cfg, err := loadKeysFile(path)
	if err != nil {
		return "", err
	}
	key, err := auth.GenerateKey()
	if err != nil {
		return "", err
	}
	cfg.Admin.Keys = append(cfg.Admin.Keys, key)
	if cfg.Admin.TokenSecret == "" {
		secret, err := auth.GenerateKey()
		if err != nil {
			return "", err
		}
		cfg.Admin.TokenSecret = secret
	}
	switch {
	case allowLocalhost != nil:
		val := *allowLocalhost
		cfg.DefaultPolicy.AllowLocalhostWithoutAuth = &val
	case cfg.DefaultPolicy.AllowLocalhostWithoutAuth == nil:
		val := true
		cfg.DefaultPolicy.AllowLocalhostWithoutAuth = &val
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("marshal keys file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create keys dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write keys file: %w", err)
	}
	return key, nil
}

// MintToken signs an admin token for subject with the token secret from the
// keys file at path.
func MintToken(path, subject string, ttl time.Duration) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", fmt.Errorf("subject required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("keys file: %w", err)
	}
	ring, err := auth.LoadKeyring(path)
	if err != nil {
		return "", err
	}
	secret := ring.TokenSecret()
	if len(secret) == 0 {
		return "", fmt.Errorf("%s has no admin.token_secret", path)
	}
	return auth.NewTokenVerifier(secret).Generate(subject, ttl)
}

func loadKeysFile(path string) (keysFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return keysFile{}, nil
		}
		return keysFile{}, fmt.Errorf("read keys file: %w", err)
	}
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return keysFile{}, fmt.Errorf("parse keys file: %w", err)
	}
	return cfg, nil
}
