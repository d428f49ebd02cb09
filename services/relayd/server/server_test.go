package server

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"teerelay/observability/logging"
	"teerelay/relay/apierr"
	"teerelay/relay/attestation"
	"teerelay/relay/envelope"
	"teerelay/relay/intent"
	"teerelay/relay/registry"
	"teerelay/services/relayd/config"
)

func newTestServer(t *testing.T) (*Server, *envelope.Service) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keypair.json")
	env, err := envelope.NewService(path, false)
	require.NoError(t, err)

	cfg := config.Config{
		Network:       "devnet",
		RPCURLs:       map[string]string{"devnet": "https://api.devnet.solana.com"},
		SkipSigVerify: true,
	}
	reg := registry.New()
	att := attestation.NewStub(env.KeyID())
	_, ring := logging.SetupWithRing("relayd-test", "test", "server")

	return New(cfg, ring, env, reg, att, nil, nil, nil), env
}

// encryptHybridEnvelope builds a wire-shape hybrid envelope around
// plaintext, encrypting with env's published RSA public key exactly as the
// browser-side collaborator would.
func encryptHybridEnvelope(t *testing.T, env *envelope.Service, plaintext []byte) map[string]string {
	t.Helper()
	view, err := env.PublicKey()
	require.NoError(t, err)

	block, _ := pem.Decode([]byte(view.PEM))
	require.NotNil(t, block)
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(t, err)
	rsaPub := pub.(*rsa.PublicKey)

	aesKey := make([]byte, 32)
	_, err = rand.Read(aesKey)
	require.NoError(t, err)

	cipherBlock, err := aes.NewCipher(aesKey)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(cipherBlock)
	require.NoError(t, err)

	iv := make([]byte, 12)
	_, err = rand.Read(iv)
	require.NoError(t, err)
	ciphertext := gcm.Seal(nil, iv, plaintext, nil)

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaPub, aesKey, nil)
	require.NoError(t, err)

	return map[string]string{
		"encryptedKey":       base64.StdEncoding.EncodeToString(wrappedKey),
		"encryptedKeyFormat": "rsa-oaep",
		"encrypted":          base64.StdEncoding.EncodeToString(ciphertext),
		"iv":                 base64.StdEncoding.EncodeToString(iv),
	}
}

func sampleSwapIntentJSON(t *testing.T) []byte {
	t.Helper()
	now := time.Now().UnixMilli()
	raw, err := json.Marshal(map[string]any{
		"version":      "1",
		"chain_id":     "solana",
		"network":      "devnet",
		"action":       "swap",
		"timestamp_ms": now,
		"expiry_ms":    now + 300_000,
		"limits":       map[string]any{"max_slippage_bps": 100},
		"swap_params": map[string]any{
			"input_mint":  "So11111111111111111111111111111111111111112",
			"output_mint": "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		},
		"transaction": map[string]any{
			"extracted_amount_lamports": 10_000_000,
		},
		"signer":    "11111111111111111111111111111111",
		"signature": "deadbeef",
	})
	require.NoError(t, err)
	return raw
}

func TestHandleHealthReportsOK(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlePublicKeyReturnsJWKAndPEM(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/public-key", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["pem"])
	require.NotEmpty(t, body["key_id"])
}

func TestHandleRPCURLReturnsConfiguredNetwork(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/rpc-url?network=devnet", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleRPCURLReturnsNotFoundForUnknownNetwork(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/rpc-url?network=nowhere", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetIntentReturnsNotFoundForUnknownHash(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/intent/0xdoesnotexist", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleApproveRejectsMalformedEnvelope(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/approve", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleApproveAcceptsValidEnvelope(t *testing.T) {
	s, env := newTestServer(t)
	envJSON := encryptHybridEnvelope(t, env, sampleSwapIntentJSON(t))
	body, err := json.Marshal(envJSON)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/approve", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, string(registry.StatusApproved), resp["status"])
}

func TestHandleSubmitRejectsMissingEncryptedIntent(t *testing.T) {
	s, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"method": "solana"})
	req := httptest.NewRequest(http.MethodPost, "/api/submit-solana-transaction", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSubmitReturnsSignatureAndExplorerURLOnBroadcast(t *testing.T) {
	s, env := newTestServer(t)
	envJSON := encryptHybridEnvelope(t, env, sampleSwapIntentJSON(t))

	var captured *intent.Intent
	s.onSubmit = func(parsed *intent.Intent) (SubmitOutcome, error) {
		captured = parsed
		return SubmitOutcome{
			ChainSignature: "5sigBase58Example",
			ExplorerURL:    "https://explorer.solana.com/tx/5sigBase58Example?cluster=devnet",
			TEESignature:   "teesig",
		}, nil
	}

	body, err := json.Marshal(map[string]any{
		"encryptedIntent": envJSON,
		"method":          "solana",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/submit-solana-transaction", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "5sigBase58Example", resp["signature"])
	require.Contains(t, resp["explorerUrl"], "cluster=devnet")
	require.NotNil(t, captured)
	require.Equal(t, intent.ActionSwap, captured.Action)
}

func TestHandleSubmitSurfacesNeedsDepositAsSoftError(t *testing.T) {
	s, env := newTestServer(t)
	envJSON := encryptHybridEnvelope(t, env, sampleSwapIntentJSON(t))

	s.onSubmit = func(parsed *intent.Intent) (SubmitOutcome, error) {
		return SubmitOutcome{}, apierr.New(apierr.KindNeedsDeposit, "user has not deposited").
			WithField("needsDeposit", true).
			WithField("userAddress", parsed.Signer)
	}

	body, err := json.Marshal(map[string]any{"encryptedIntent": envJSON})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/submit-solana-transaction", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, true, resp["needsDeposit"])
}
