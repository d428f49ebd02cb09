// Package crypto holds the TEE enclave's own RSA key material: generation,
// the stable key-id derived from it, and the JWK/PEM views served by the
// public-key endpoint. User-facing key material (signer, execution keypair)
// is Solana ed25519 and is handled by relay/validator (signer keys, via
// github.com/mr-tron/base58) and relay/orchestrator (execution keypair, via
// github.com/gagliardetto/solana-go) rather than by this package.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
)

const rsaKeyBits = 2048

// Keypair is the TEE's RSA-OAEP keypair used to unwrap inbound intent
// envelopes.
type Keypair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// GenerateKeypair creates a fresh RSA-2048 keypair.
func GenerateKeypair() (*Keypair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate rsa key: %w", err)
	}
	return &Keypair{Private: priv, Public: &priv.PublicKey}, nil
}

// KeyID returns the stable 16-hex-character identifier for the keypair: the
// first 8 bytes of SHA-256 over the DER-encoded public key.
func (k *Keypair) KeyID() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(k.Public)
	if err != nil {
		return "", fmt.Errorf("crypto: marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:8]), nil
}

// PublicKeyPEM renders the public key as a PEM-encoded SubjectPublicKeyInfo
// block.
func (k *Keypair) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(k.Public)
	if err != nil {
		return "", fmt.Errorf("crypto: marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// PrivateKeyPEM renders the private key as a PEM-encoded PKCS#1 block, for
// persistence only — never served over the wire.
func (k *Keypair) PrivateKeyPEM() string {
	der := x509.MarshalPKCS1PrivateKey(k.Private)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block))
}

// PrivateKeyFromPEM parses a PKCS#1 RSA private key PEM block.
func PrivateKeyFromPEM(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("crypto: no PEM block found")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse rsa private key: %w", err)
	}
	return key, nil
}

// JWKModulusExponent returns the base64url (no padding) modulus and exponent
// components of an RSA public key, the representation the /api/public-key
// endpoint publishes under the "n"/"e" JWK fields.
func JWKModulusExponent(pub *rsa.PublicKey) (n string, e string) {
	enc := base64.RawURLEncoding
	n = enc.EncodeToString(pub.N.Bytes())

	expBytes := big64(pub.E)
	e = enc.EncodeToString(expBytes)
	return n, e
}

func big64(v int) []byte {
	if v == 0 {
		return []byte{0}
	}
	var b []byte
	for v > 0 {
		b = append([]byte{byte(v & 0xff)}, b...)
		v >>= 8
	}
	return b
}
