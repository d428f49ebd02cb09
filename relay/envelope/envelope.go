// Package envelope implements the TEE-side half of the hybrid public-key
// key-wrapping scheme: unwrapping the AES key with the enclave's RSA
// private key, then AES-256-GCM-decrypting the intent payload, and
// publishing the enclave's public key for the browser-side encrypter.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"teerelay/crypto"
	"teerelay/relay/apierr"
	"teerelay/relay/intent"
)

// HybridEnvelope is the required wire shape for new clients.
type HybridEnvelope struct {
	EncryptedKey       string `json:"encryptedKey"`
	EncryptedKeyFormat string `json:"encryptedKeyFormat"`
	Encrypted          string `json:"encrypted"`
	IV                 string `json:"iv"`
}

// LegacyEnvelope carries the symmetric key in the clear; accepted only when
// the deployment opts in via Service.LegacyEnabled.
type LegacyEnvelope struct {
	Encrypted string `json:"encrypted"`
	IV        string `json:"iv"`
	Key       string `json:"key"`
}

// Service owns the TEE's RSA keypair for its entire lifetime; no other
// component may read the private key.
type Service struct {
	keypair       *crypto.Keypair
	keyID         string
	legacyEnabled bool
}

// NewService loads or generates the keypair at path and computes its key-id.
func NewService(path string, legacyEnabled bool) (*Service, error) {
	kp, err := crypto.LoadOrGenerateKeypair(path)
	if err != nil {
		return nil, fmt.Errorf("envelope: load or generate keypair: %w", err)
	}
	keyID, err := kp.KeyID()
	if err != nil {
		return nil, fmt.Errorf("envelope: derive key id: %w", err)
	}
	return &Service{keypair: kp, keyID: keyID, legacyEnabled: legacyEnabled}, nil
}

// PublicKeyView is the JSON shape served by /api/public-key.
type PublicKeyView struct {
	JWK   map[string]string `json:"jwk"`
	PEM   string            `json:"pem"`
	KeyID string            `json:"key_id"`
}

// PublicKey returns the published view of the enclave's public key.
func (s *Service) PublicKey() (PublicKeyView, error) {
	pem, err := s.keypair.PublicKeyPEM()
	if err != nil {
		return PublicKeyView{}, err
	}
	n, e := crypto.JWKModulusExponent(s.keypair.Public)
	return PublicKeyView{
		JWK:   map[string]string{"kty": "RSA", "n": n, "e": e, "alg": "RSA-OAEP-256", "use": "enc"},
		PEM:   pem,
		KeyID: s.keyID,
	}, nil
}

// KeyID returns the enclave's stable key identifier, also used as the TEE
// attestation component's enclave_id.
func (s *Service) KeyID() string { return s.keyID }

// rawEnvelope sniffs which of the two accepted shapes the payload is.
type rawEnvelope struct {
	EncryptedKey       string `json:"encryptedKey"`
	EncryptedKeyFormat string `json:"encryptedKeyFormat"`
	Encrypted          string `json:"encrypted"`
	IV                 string `json:"iv"`
	Key                string `json:"key"`
}

// DecryptEnvelope accepts either envelope shape, decrypts it, and parses the
// plaintext as an Intent. The raw decrypted bytes are also returned so the
// validator can recompute the canonical hash from the exact bytes the
// client encrypted.
func (s *Service) DecryptEnvelope(payload []byte) (*intent.Intent, []byte, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, nil, apierr.New(apierr.KindMalformedIntent, "malformed envelope: %v", err)
	}

	var aesKey []byte
	var err error
	switch {
	case raw.EncryptedKey != "":
		aesKey, err = s.unwrapHybridKey(raw.EncryptedKey)
		if err != nil {
			return nil, nil, err
		}
	case raw.Key != "":
		if !s.legacyEnabled {
			return nil, nil, apierr.New(apierr.KindDecryption, "TEE decryption failed: legacy envelope disabled")
		}
		aesKey, err = base64.StdEncoding.DecodeString(raw.Key)
		if err != nil {
			return nil, nil, apierr.New(apierr.KindDecryption, "TEE decryption failed: invalid legacy key encoding")
		}
	default:
		return nil, nil, apierr.New(apierr.KindMalformedIntent, "malformed envelope: no key material present")
	}

	plaintext, err := decryptAESGCM(aesKey, raw.Encrypted, raw.IV)
	if err != nil {
		return nil, nil, apierr.New(apierr.KindDecryption, "TEE decryption failed: %v", err)
	}

	var parsed intent.Intent
	if err := json.Unmarshal(plaintext, &parsed); err != nil {
		return nil, nil, apierr.New(apierr.KindMalformedIntent, "malformed intent: %v", err)
	}
	return &parsed, plaintext, nil
}

func (s *Service) unwrapHybridKey(encryptedKeyB64 string) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(encryptedKeyB64)
	if err != nil {
		return nil, apierr.New(apierr.KindDecryption, "TEE decryption failed: invalid key encoding")
	}
	aesKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, s.keypair.Private, wrapped, nil)
	if err != nil {
		return nil, apierr.New(apierr.KindDecryption, "TEE decryption failed: key unwrap failed")
	}
	return aesKey, nil
}

// decryptAESGCM interprets ciphertextB64 as AES-256-GCM ciphertext with the
// trailing 16 bytes as the authentication tag and ivB64 as the 12-byte
// nonce, per the hybrid envelope's wire shape.
func decryptAESGCM(key []byte, ciphertextB64, ivB64 string) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("unexpected AES key length %d", len(key))
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("invalid ciphertext encoding: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return nil, fmt.Errorf("invalid iv encoding: %w", err)
	}
	if len(iv) != 12 {
		return nil, fmt.Errorf("unexpected iv length %d", len(iv))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication tag mismatch: %w", err)
	}
	return plaintext, nil
}
