package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// keystoreFile is the on-disk shape of .tee-keypair.json.
type keystoreFile struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// PersistKeypair atomically writes the keypair to path as PEM material
// wrapped in a small JSON envelope, following the teacher's
// tempfile-then-rename pattern: write into a sibling temp file, chmod it
// 0600, then rename it over the destination so a crash never leaves a
// partially written key file on disk.
func PersistKeypair(path string, kp *Keypair) error {
	if kp == nil {
		return errors.New("crypto: nil keypair")
	}
	if path == "" {
		return errors.New("crypto: empty keypair path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	pubPEM, err := kp.PublicKeyPEM()
	if err != nil {
		return err
	}
	doc := keystoreFile{PublicKey: pubPEM, PrivateKey: kp.PrivateKeyPEM()}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("crypto: marshal keypair file: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tee-keypair-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadKeypair loads a previously persisted keypair. It returns
// fs.ErrNotExist (wrapped) when the file does not exist so callers can
// decide to generate a fresh keypair.
func LoadKeypair(path string) (*Keypair, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keypair path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc keystoreFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("crypto: parse keypair file: %w", err)
	}
	priv, err := PrivateKeyFromPEM(doc.PrivateKey)
	if err != nil {
		return nil, err
	}
	return &Keypair{Private: priv, Public: &priv.PublicKey}, nil
}

// LoadOrGenerateKeypair loads the keypair at path, generating and persisting
// a fresh one if none exists yet.
func LoadOrGenerateKeypair(path string) (*Keypair, error) {
	kp, err := LoadKeypair(path)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	kp, err = GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if err := PersistKeypair(path, kp); err != nil {
		return nil, err
	}
	return kp, nil
}
