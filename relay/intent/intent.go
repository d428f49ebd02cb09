// Package intent defines the canonical unit the relay operates on: a
// user-authored declarative description of an on-chain action, together
// with the canonical-JSON hashing scheme that keeps a browser-side signer
// and this server agreeing on the exact bytes that get hashed and signed.
package intent

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// AccountMeta is one account reference inside an Instruction.
type AccountMeta struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"is_signer"`
	IsWritable bool   `json:"is_writable"`
}

// Instruction is a single raw on-chain instruction as carried inside an
// intent's transaction payload.
type Instruction struct {
	ProgramID string        `json:"program_id"`
	Keys      []AccountMeta `json:"keys"`
	Data      string        `json:"data"`
}

// TransactionPayload carries the raw instructions an intent describes, plus
// optional pre-serialized transaction bytes.
type TransactionPayload struct {
	Instructions        []Instruction `json:"instructions,omitempty"`
	FeePayer            string        `json:"fee_payer,omitempty"`
	RecentBlockhash     string        `json:"recent_blockhash,omitempty"`
	SerializedBytesB64  string        `json:"serialized_bytes_b64,omitempty"`
	ExtractedAmountLamports uint64    `json:"extracted_amount_lamports,omitempty"`
}

// Limits carries user-specified execution bounds.
type Limits struct {
	MaxSlippageBps int `json:"max_slippage_bps"`
}

// Metadata carries dApp provenance, purely informational.
type Metadata struct {
	DappURL  string `json:"dapp_url,omitempty"`
	DappName string `json:"dapp_name,omitempty"`
}

// SwapParams is present for action=swap intents.
type SwapParams struct {
	InputMint         string `json:"input_mint,omitempty"`
	OutputMint        string `json:"output_mint,omitempty"`
	AmountInLamports  uint64 `json:"amount_in_lamports,omitempty"`
	PoolID            string `json:"pool_id,omitempty"`
}

// Action enumerates the kinds of on-chain action an intent can describe.
type Action string

const (
	ActionSwap        Action = "swap"
	ActionApprove     Action = "approve"
	ActionTransfer    Action = "transfer"
	ActionTransaction Action = "transaction"
	ActionUnknown     Action = "unknown"
)

// Intent is the canonical unit the relay validates, registers, and
// executes.
type Intent struct {
	Version         string              `json:"version"`
	ChainID         string              `json:"chain_id"`
	Network         string              `json:"network"`
	Action          Action              `json:"action"`
	TransactionType string              `json:"transaction_type,omitempty"`
	TimestampMs     int64               `json:"timestamp_ms"`
	ExpiryMs        int64               `json:"expiry_ms,omitempty"`
	Transaction     TransactionPayload  `json:"transaction,omitempty"`
	Limits          Limits              `json:"limits"`
	Metadata        Metadata            `json:"metadata,omitempty"`
	SwapParams      *SwapParams         `json:"swap_params,omitempty"`

	// Carried only inside the decrypted envelope; excluded from the
	// canonical hash view.
	Signer    string `json:"signer,omitempty"`
	Signature string `json:"signature,omitempty"`

	// IntentHash, once computed, is the 32-byte SHA-256 of the canonical
	// JSON serialization with {signature, signed_transaction, intent_hash,
	// signer} omitted. Carried as a 0x-prefixed lowercase hex string.
	IntentHash string `json:"intent_hash,omitempty"`

	// SignedTransaction is excluded from the hash view like the other
	// authentication fields; present only for wire-protocol compatibility
	// with the page-context signer.
	SignedTransaction string `json:"signed_transaction,omitempty"`
}

// excludedFields lists every top-level key the canonical hash view omits,
// per I2 and §8's boundary-behavior note.
var excludedFields = map[string]struct{}{
	"signature":          {},
	"signed_transaction":  {},
	"intent_hash":        {},
	"signer":             {},
}

// Canonicalize walks raw intent JSON (decoded generically rather than
// through this typed struct, so Go's own map key ordering never leaks into
// the result) and returns the canonical byte form: object keys sorted
// lexicographically at every level, no insignificant whitespace, integers
// rendered without exponents or trailing zeros.
func Canonicalize(raw []byte) ([]byte, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("intent: decode for canonicalization: %w", err)
	}
	decoded = stripExcluded(decoded, true)
	decoded = foldTransactionFieldsIfNoInstructions(decoded)
	return canonicalEncode(decoded)
}

// stripExcluded removes the authentication fields from the top-level object
// only (topLevel=true); nested objects (e.g. transaction.instructions) are
// left untouched.
func stripExcluded(v any, topLevel bool) any {
	obj, ok := v.(map[string]any)
	if !ok || !topLevel {
		return v
	}
	out := make(map[string]any, len(obj))
	for k, val := range obj {
		if _, excluded := excludedFields[k]; excluded {
			continue
		}
		out[k] = val
	}
	return out
}

// foldTransactionFieldsIfNoInstructions matches the validator's
// recompute-on-demand rule: if the stripped object carries no top-level
// "instructions", fold transaction.instructions, timestamp, dapp, action,
// and transaction_type in at the top level, mirroring what the page-context
// signer produces when it doesn't have a fully-shaped Intent in hand.
func foldTransactionFieldsIfNoInstructions(v any) any {
	obj, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if _, hasInstructions := obj["instructions"]; hasInstructions {
		return obj
	}
	txn, ok := obj["transaction"].(map[string]any)
	if !ok {
		return obj
	}
	if instr, ok := txn["instructions"]; ok {
		obj["instructions"] = instr
	}
	if ts, ok := obj["timestamp_ms"]; ok {
		obj["timestamp"] = ts
	}
	if meta, ok := obj["metadata"].(map[string]any); ok {
		obj["dapp"] = meta
	}
	return obj
}

// Hash computes the 32-byte SHA-256 over the canonical JSON form and
// returns it as a "0x"-prefixed lowercase hex string — the exact byte
// sequence the Ed25519 signature in §4.B is computed over.
func Hash(raw []byte) (string, error) {
	canon, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return fmt.Sprintf("0x%x", sum[:]), nil
}
