package auth

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBootstrapAdminKeyCreatesFile(t *testing.T) {
	keysPath := filepath.Join(t.TempDir(), "nested", "keys.yaml")

	result, err := BootstrapAdminKey(keysPath)
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if !result.Created || result.AdminKey == "" {
		t.Fatalf("expected a created file with a key, got %+v", result)
	}
	info, err := os.Stat(keysPath)
	if err != nil {
		t.Fatalf("keys file not created: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	ring, err := LoadKeyring(keysPath)
	if err != nil {
		t.Fatalf("load keyring: %v", err)
	}
	if !ring.IsAdminKey(result.AdminKey) {
		t.Fatalf("expected bootstrapped key to be an admin key")
	}
	if ring.IsAdminKey("not-the-key") {
		t.Fatalf("unexpected admin match")
	}
	if len(ring.TokenSecret()) == 0 {
		t.Fatalf("expected a token secret")
	}
	if !ring.AllowLocalhostWithoutAuth {
		t.Fatalf("expected localhost bypass on by default")
	}
}

func TestBootstrapAdminKeySkipsExisting(t *testing.T) {
	keysPath := filepath.Join(t.TempDir(), "keys.yaml")
	if err := os.WriteFile(keysPath, []byte("existing"), 0600); err != nil {
		t.Fatalf("write existing: %v", err)
	}

	result, err := BootstrapAdminKey(keysPath)
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if result.Created {
		t.Fatalf("expected Created=false for existing file")
	}
	data, _ := os.ReadFile(keysPath)
	if string(data) != "existing" {
		t.Fatalf("file was modified")
	}
}

func TestLoadKeyringRejectsShortSecret(t *testing.T) {
	keysPath := filepath.Join(t.TempDir(), "keys.yaml")
	body := "admin:\n  keys: [abc]\n  token_secret: short\n"
	if err := os.WriteFile(keysPath, []byte(body), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadKeyring(keysPath); err == nil {
		t.Fatalf("expected error for short token secret")
	}
}

func TestAgentKeyHashing(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(key) != 43 {
		t.Fatalf("expected 43-char key, got %d", len(key))
	}
	digest := HashKey(key)
	if !VerifyKey(key, digest) {
		t.Fatalf("expected key to verify")
	}
	if VerifyKey(key+"x", digest) {
		t.Fatalf("expected wrong key to fail")
	}
}
