// Package validator implements the intent admission algorithm: expiry,
// staleness, replay, then signature verification, in that strict
// short-circuit order. Validators are pure — they never mutate the
// registry — matching the teacher's small, sentinel-returning validation
// functions in native/swap/validate.go, generalized to this domain's
// signature/hash rules.
package validator

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"teerelay/relay/apierr"
	"teerelay/relay/intent"
	"teerelay/relay/registry"
)

const (
	maxIntentAge = 24 * time.Hour
)

// Registry is the narrow read interface the validator needs: whether an
// intent_hash is already present and in what status (for the replay rule),
// without granting write access.
type Registry interface {
	Peek(intentHash string) (registry.Entry, bool)
}

// Options tunes validator behavior, primarily the test-only signature
// bypass from spec §6 (SKIP_SIGNATURE_VERIFICATION).
type Options struct {
	SkipSignatureVerification bool
	Now                       func() time.Time
}

// Validate runs the four-step algorithm against the decrypted intent and
// the exact plaintext bytes it was parsed from (needed to recompute
// intent_hash exactly as the signer produced it).
func Validate(i *intent.Intent, plaintext []byte, reg Registry, opts Options) error {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	nowTime := now()
	nowMs := nowTime.UnixMilli()

	if i.ExpiryMs > 0 && nowMs > i.ExpiryMs {
		overflowSeconds := float64(nowMs-i.ExpiryMs) / 1000.0
		return apierr.New(apierr.KindExpired, "Intent expired %.1f seconds ago", overflowSeconds)
	}

	if i.TimestampMs > 0 && nowMs-i.TimestampMs > maxIntentAge.Milliseconds() {
		return apierr.New(apierr.KindTooOld, "Intent timestamp too old")
	}

	hash, err := computeHash(i, plaintext)
	if err != nil {
		return apierr.New(apierr.KindSchemaError, "schema error: %v", err)
	}
	i.IntentHash = hash

	if entry, ok := reg.Peek(hash); ok && entry.Status != registry.StatusApproved {
		return apierr.New(apierr.KindReplay, "already processed")
	}

	if opts.SkipSignatureVerification {
		return nil
	}
	if err := verifySignature(i, hash); err != nil {
		return err
	}
	return nil
}

// computeHash recomputes intent_hash from plaintext if missing or
// zero-valued, exactly as Canonicalize/Hash define it.
func computeHash(i *intent.Intent, plaintext []byte) (string, error) {
	if i.IntentHash != "" && i.IntentHash != zeroHash {
		return i.IntentHash, nil
	}
	return intent.Hash(plaintext)
}

const zeroHash = "0x0000000000000000000000000000000000000000000000000000000000000000"

// verifySignature checks the Ed25519 signature over the UTF-8 bytes of the
// 0x-prefixed lowercase hex intent hash string (66 bytes) — not the 32 raw
// hash bytes — against the signer's public key.
func verifySignature(i *intent.Intent, hash string) error {
	sigBytes, err := decodeSignature(i.Signature)
	if err != nil {
		return apierr.New(apierr.KindBadSignature, "bad signature: %v", err)
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return apierr.New(apierr.KindBadSignature, "signature must be %d bytes, got %d", ed25519.SignatureSize, len(sigBytes))
	}
	signerBytes, err := base58.Decode(i.Signer)
	if err != nil || len(signerBytes) != ed25519.PublicKeySize {
		return apierr.New(apierr.KindBadSignature, "invalid signer public key")
	}
	message := []byte(hash)
	if !ed25519.Verify(ed25519.PublicKey(signerBytes), message, sigBytes) {
		return apierr.New(apierr.KindBadSignature, "signature verification failed")
	}
	return nil
}

// DecodeSignature accepts hex (with or without "0x") or base58; it does not
// check the decoded length, which verifySignature enforces. It
// is exported so the orchestrator can decode the same i.Signature field
// into the raw bytes EXECUTE_WITH_INTENT embeds, without duplicating this
// decoding logic.
func DecodeSignature(sig string) ([]byte, error) {
	return decodeSignature(sig)
}

// decodeSignature accepts hex (with or without "0x") or base58 of any
// decoded length.
func decodeSignature(sig string) ([]byte, error) {
	trimmed := strings.TrimSpace(sig)
	if trimmed == "" {
		return nil, fmt.Errorf("empty signature")
	}
	hexCandidate := strings.TrimPrefix(trimmed, "0x")
	hexCandidate = strings.TrimPrefix(hexCandidate, "0X")
	if looksLikeHex(hexCandidate) {
		if len(hexCandidate)%2 != 0 {
			return nil, fmt.Errorf("odd-length hex signature")
		}
		decoded, err := hex.DecodeString(hexCandidate)
		if err == nil {
			return decoded, nil
		}
	}
	decoded, err := base58.Decode(trimmed)
	if err != nil {
		return nil, fmt.Errorf("signature is neither valid hex nor base58")
	}
	return decoded, nil
}

func looksLikeHex(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		isHexDigit := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
		if !isHexDigit {
			return false
		}
	}
	return true
}

// RawIntentJSON is used by callers (e.g. tests) that need to re-derive a
// hash from a struct rather than raw wire bytes.
func RawIntentJSON(i *intent.Intent) ([]byte, error) {
	return json.Marshal(i)
}
