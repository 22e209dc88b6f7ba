package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultKeysFile = "toomanycooks.keys.yaml"

type keysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Admin adminKeys `yaml:"admin"`
}

type adminKeys struct {
	Keys        []string `yaml:"keys"`
	TokenSecret string   `yaml:"token_secret,omitempty"`
}

// Keyring holds the admin principals. Agent keys live in the store, not here.
type Keyring struct {
	// AllowLocalhostWithoutAuth treats loopback callers as admin.
	AllowLocalhostWithoutAuth bool
	adminKeys                 []string
	tokenSecret               []byte
}

func ResolveKeysPath(dataDir string) string {
	if v := strings.TrimSpace(os.Getenv("TMC_KEYS_FILE")); v != "" {
		return v
	}
	return filepath.Join(dataDir, defaultKeysFile)
}

// LoadKeyring reads the keys file at path, bootstrapping one with a fresh
// admin key when it does not exist yet.
func LoadKeyring(path string) (*Keyring, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return defaultKeyring(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read keys file: %w", err)
		}
		if _, err := BootstrapAdminKey(path); err != nil {
			return nil, fmt.Errorf("bootstrap admin key: %w", err)
		}
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read keys file: %w", err)
		}
	}
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse keys file: %w", err)
	}
	ring := defaultKeyring()
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth != nil {
		ring.AllowLocalhostWithoutAuth = *cfg.DefaultPolicy.AllowLocalhostWithoutAuth
	}
	seen := make(map[string]bool)
	for _, key := range cfg.Admin.Keys {
		key = strings.TrimSpace(key)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		ring.adminKeys = append(ring.adminKeys, key)
	}
	if s := strings.TrimSpace(cfg.Admin.TokenSecret); s != "" {
		if len(s) < 32 {
			return nil, fmt.Errorf("admin.token_secret must be at least 32 characters")
		}
		ring.tokenSecret = []byte(s)
	}
	return ring, nil
}

func defaultKeyring() *Keyring {
	return &Keyring{AllowLocalhostWithoutAuth: true}
}

func NewKeyring(allowLocalhost bool, adminKeys []string, tokenSecret []byte) *Keyring {
	return &Keyring{
		AllowLocalhostWithoutAuth: allowLocalhost,
		adminKeys:                 append([]string(nil), adminKeys...),
		tokenSecret:               append([]byte(nil), tokenSecret...),
	}
}

// IsAdminKey compares key against every admin key in constant time.
func (k *Keyring) IsAdminKey(key string) bool {
	if k == nil || key == "" {
		return false
	}
	match := 0
	for _, candidate := range k.adminKeys {
		match |= subtle.ConstantTimeCompare([]byte(candidate), []byte(key))
	}
	return match == 1
}

// TokenSecret returns the HS256 secret for admin tokens, or nil when tokens
// are disabled.
func (k *Keyring) TokenSecret() []byte {
	if k == nil {
		return nil
	}
	return k.tokenSecret
}
