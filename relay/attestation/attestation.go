// Package attestation provides the TEE attestation stub: it publishes an
// enclave identity and signs approvals with a deterministic digest.
// Production deployments replace Provider's one implementation with real
// hardware attestation; the wire contract (Attestation, Sign) is kept
// narrow enough that no boundary code needs to change when that happens —
// grounded on the pack's TEEManager-behind-an-interface shape.
package attestation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const relayVersion = "1.0.0"
const digestPadTo = 65

// Attestation is the payload published on every approval.
type Attestation struct {
	EnclaveID   string `json:"enclaveId"`
	Version     string `json:"version"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// Provider signs approvals and reports enclave identity. The stub
// implementation below is the only one; a hardware-backed implementation
// would satisfy the same interface.
type Provider interface {
	EnclaveID() string
	Sign(intentHash, executionPlan string, timestampMs int64) (Attestation, string, error)
}

// Stub is the deliberate, spec-mandated software stand-in for hardware
// attestation.
type Stub struct {
	enclaveID string
	hmacKey   []byte
}

// NewStub derives enclave_id from the TEE public key's own key-id (not a
// random value) so the same enclave reports the same identity across
// restarts when the key file persists, and uses that key-id as the HMAC
// key for the approval digest since no attestation SDK ships to draw one
// from.
func NewStub(keyID string) *Stub {
	return &Stub{enclaveID: keyID, hmacKey: []byte(keyID)}
}

func (s *Stub) EnclaveID() string { return s.enclaveID }

// Sign returns the published Attestation and a hex-encoded digest over
// {intent_hash, execution_plan, enclave_id, timestamp_ms}, padded to 65
// bytes to match the spec's wire contract.
func (s *Stub) Sign(intentHash, executionPlan string, timestampMs int64) (Attestation, string, error) {
	att := Attestation{EnclaveID: s.enclaveID, Version: relayVersion, TimestampMs: timestampMs}

	mac := hmac.New(sha256.New, s.hmacKey)
	payload := fmt.Sprintf("%s|%s|%s|%d", intentHash, executionPlan, s.enclaveID, timestampMs)
	mac.Write([]byte(payload))
	digest := mac.Sum(nil)

	padded := make([]byte, digestPadTo)
	copy(padded, digest)
	return att, hex.EncodeToString(padded), nil
}
