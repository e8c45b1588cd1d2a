package crypto

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateKeystore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.keystore")
	created, err := LoadOrCreateKeystore(path, "passphrase")
	if err != nil {
		t.Fatalf("create keystore: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat keystore: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 permissions, got %o", perm)
	}

	loaded, err := LoadOrCreateKeystore(path, "passphrase")
	if err != nil {
		t.Fatalf("reload keystore: %v", err)
	}
	if !bytes.Equal(created.Bytes(), loaded.Bytes()) {
		t.Fatalf("reloaded key differs from created key")
	}
	if _, err := LoadOrCreateKeystore(path, "wrong"); !errors.Is(err, ErrKeystorePassphrase) {
		t.Fatalf("expected ErrKeystorePassphrase, got %v", err)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read keystore dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the keystore file, found %d entries", len(entries))
	}
}

func TestSaveToKeystoreValidatesInput(t *testing.T) {
	if err := SaveToKeystore(filepath.Join(t.TempDir(), "k"), nil, "p"); err == nil {
		t.Fatalf("expected nil key to be rejected")
	}
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := SaveToKeystore("", key, "p"); err == nil {
		t.Fatalf("expected empty path to be rejected")
	}
	if _, err := LoadFromKeystore("", "p"); err == nil {
		t.Fatalf("expected empty path to be rejected")
	}
}

func TestLoadFromKeystoreRefusesOpenPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.keystore")
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := SaveToKeystore(path, key, "p"); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if _, err := LoadFromKeystore(path, "p"); !errors.Is(err, ErrKeystorePermissions) {
		t.Fatalf("expected ErrKeystorePermissions, got %v", err)
	}
	if _, err := LoadOrCreateKeystore(path, "p"); !errors.Is(err, ErrKeystorePermissions) {
		t.Fatalf("expected existing key not to be replaced, got %v", err)
	}
}

func TestSaveToKeystoreReplacesExistingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.keystore")
	first, _ := GeneratePrivateKey()
	second, _ := GeneratePrivateKey()
	if err := SaveToKeystore(path, first, "p"); err != nil {
		t.Fatalf("save first key: %v", err)
	}
	if err := SaveToKeystore(path, second, "p"); err != nil {
		t.Fatalf("save second key: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "p")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if loaded.PubKey().NodeID() != second.PubKey().NodeID() {
		t.Fatalf("expected the second key to win")
	}
}
