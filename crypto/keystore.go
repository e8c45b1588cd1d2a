package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

var (
	// ErrKeystorePassphrase is returned when the node keystore cannot be decrypted.
	ErrKeystorePassphrase = errors.New("crypto: wrong keystore passphrase")
	// ErrKeystorePermissions is returned for keystore files readable by group or others.
	ErrKeystorePermissions = errors.New("crypto: keystore file permissions too open")
)

// LoadOrCreateKeystore decrypts the node key stored at path, generating and
// persisting a fresh key when the file does not exist yet.
func LoadOrCreateKeystore(path, passphrase string) (*PrivateKey, error) {
	key, err := LoadFromKeystore(path, passphrase)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	key, err = GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	if err := SaveToKeystore(path, key, passphrase); err != nil {
		return nil, err
	}
	return key, nil
}

// SaveToKeystore encrypts the node key as a v3 keystore document and replaces
// path atomically. Missing parent directories are created with 0700.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	doc, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key.PrivateKey,
	}, passphrase, keystore.LightScryptN, keystore.LightScryptP)
	if err != nil {
		return fmt.Errorf("crypto: encrypt node key: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".keystore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadFromKeystore decrypts the node keystore at path. Files readable by group
// or others are refused.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("%w: %s is %o", ErrKeystorePermissions, path, info.Mode().Perm())
	}
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(doc, passphrase)
	if errors.Is(err, keystore.ErrDecrypt) {
		return nil, ErrKeystorePassphrase
	}
	if err != nil {
		return nil, fmt.Errorf("crypto: decode keystore: %w", err)
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}
