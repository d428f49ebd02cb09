package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"teerelay/relay/apierr"
)

func encryptHybrid(t *testing.T, pub *rsa.PublicKey, plaintext []byte) HybridEnvelope {
	t.Helper()
	aesKey := make([]byte, 32)
	_, err := rand.Read(aesKey)
	require.NoError(t, err)

	block, err := aes.NewCipher(aesKey)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)

	iv := make([]byte, 12)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	ciphertext := gcm.Seal(nil, iv, plaintext, nil)

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
	require.NoError(t, err)

	return HybridEnvelope{
		EncryptedKey:       base64.StdEncoding.EncodeToString(wrappedKey),
		EncryptedKeyFormat: "rsa-oaep",
		Encrypted:          base64.StdEncoding.EncodeToString(ciphertext),
		IV:                 base64.StdEncoding.EncodeToString(iv),
	}
}

func TestDecryptEnvelopeRoundTripsHybridIntent(t *testing.T) {
	dir := t.TempDir()
	svc, err := NewService(filepath.Join(dir, ".tee-keypair.json"), false)
	require.NoError(t, err)

	pub, err := svc.PublicKey()
	require.NoError(t, err)
	require.Len(t, pub.KeyID, 16)

	intentJSON := []byte(`{"version":"1","chain_id":"solana","network":"devnet","action":"swap","timestamp_ms":1700000000000,"limits":{"max_slippage_bps":100}}`)
	env := encryptHybrid(t, svc.keypair.Public, intentJSON)
	payload, err := json.Marshal(env)
	require.NoError(t, err)

	parsed, plaintext, err := svc.DecryptEnvelope(payload)
	require.NoError(t, err)
	require.Equal(t, "swap", string(parsed.Action))
	require.JSONEq(t, string(intentJSON), string(plaintext))
}

func TestDecryptEnvelopeRejectsTamperedTag(t *testing.T) {
	dir := t.TempDir()
	svc, err := NewService(filepath.Join(dir, ".tee-keypair.json"), false)
	require.NoError(t, err)

	env := encryptHybrid(t, svc.keypair.Public, []byte(`{"version":"1"}`))
	raw, err := base64.StdEncoding.DecodeString(env.Encrypted)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	env.Encrypted = base64.StdEncoding.EncodeToString(raw)

	payload, err := json.Marshal(env)
	require.NoError(t, err)

	_, _, err = svc.DecryptEnvelope(payload)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindDecryption, apiErr.Kind)
}

func TestDecryptEnvelopeRejectsLegacyWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	svc, err := NewService(filepath.Join(dir, ".tee-keypair.json"), false)
	require.NoError(t, err)

	payload := []byte(`{"encrypted":"AA==","iv":"AA==","key":"AA=="}`)
	_, _, err = svc.DecryptEnvelope(payload)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindDecryption, apiErr.Kind)
}

func TestLoadOrGenerateKeypairPersistsAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".tee-keypair.json")

	svc1, err := NewService(path, false)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	svc2, err := NewService(path, false)
	require.NoError(t, err)
	require.Equal(t, svc1.KeyID(), svc2.KeyID())
}
