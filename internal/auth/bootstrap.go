package auth

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// BootstrapResult contains info about a bootstrapped keys file.
type BootstrapResult struct {
	KeysFile string
	AdminKey string
	Created  bool
}

// BootstrapAdminKey creates a keys file with one admin key and a token
// secret unless the file already exists.
func BootstrapAdminKey(keysPath string) (*BootstrapResult, error) {
	if _, err := os.Stat(keysPath); err == nil {
		return &BootstrapResult{KeysFile: keysPath, Created: false}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("check keys file: %w", err)
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	secret, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	var cfg keysFile
	allowLocalhost := true
	cfg.DefaultPolicy.AllowLocalhostWithoutAuth = &allowLocalhost
	cfg.Admin = adminKeys{Keys: []string{key}, TokenSecret: secret}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal keys file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keysPath), 0o700); err != nil {
		return nil, fmt.Errorf("create keys dir: %w", err)
	}
	if err := os.WriteFile(keysPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write keys file: %w", err)
	}

	return &BootstrapResult{KeysFile: keysPath, AdminKey: key, Created: true}, nil
}
