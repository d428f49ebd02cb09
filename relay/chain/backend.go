package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
)

// PDA seeds for the executor program, per the on-chain wire contract.
// executorPDASeed and vaultPDASeed derive addresses that do not depend on
// any particular user; userDepositPDASeed is paired with the owner's own
// pubkey as a second seed.
var (
	executorPDASeed    = []byte("executor")
	vaultPDASeed       = []byte("vault")
	userDepositPDASeed = []byte("user_deposit")
)

// Backend is the base-layer (plain Solana RPC) ExecutionBackend
// implementation the orchestrator drives. It satisfies
// orchestrator.ExecutionBackend structurally — this package does not
// import orchestrator, keeping the dependency edge one-directional.
type Backend struct {
	client      *Client
	programID   solana.PublicKey
	pollTimings PollTimings
}

// PollTimings configures the adaptive confirmation-poll cadence Confirm
// uses; the deadline itself is supplied per call since funding, swap, and
// watcher confirmations each run against a different cap.
type PollTimings struct {
	FastInterval time.Duration
	SlowInterval time.Duration
	FastWindow   time.Duration
}

// NewBackend builds a base-layer execution backend against programID.
func NewBackend(client *Client, programID solana.PublicKey, timings PollTimings) *Backend {
	if timings.FastInterval <= 0 {
		timings.FastInterval = 500 * time.Millisecond
	}
	if timings.SlowInterval <= 0 {
		timings.SlowInterval = 2 * time.Second
	}
	if timings.FastWindow <= 0 {
		timings.FastWindow = 5 * time.Second
	}
	return &Backend{client: client, programID: programID, pollTimings: timings}
}

func (b *Backend) ExecutorProgramID() solana.PublicKey { return b.programID }

// ExecutorPDA derives the executor program's own state account. Unlike
// UserDepositPDA, this address does not vary per user.
func (b *Backend) ExecutorPDA() (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{executorPDASeed}, b.programID)
}

// VaultPDA derives the shared vault account funding transfers move out of.
// Like ExecutorPDA, this address is not owner-dependent.
func (b *Backend) VaultPDA() (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{vaultPDASeed}, b.programID)
}

// UserDepositPDA derives owner's deposit account, the one EXECUTE_WITH_INTENT
// draws from.
func (b *Backend) UserDepositPDA(owner solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{userDepositPDASeed, owner.Bytes()}, b.programID)
}

// Submit builds a transaction from instructions, signs it with signers, and
// broadcasts it, returning as soon as the cluster accepts the bytes —
// callers that need confirmation call Confirm separately so a slow
// confirmation never blocks the caller's own response.
func (b *Backend) Submit(ctx context.Context, instructions []solana.Instruction, feePayer solana.PublicKey, signers []solana.PrivateKey) (solana.Signature, error) {
	blockhash, _, err := b.client.LatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, err
	}

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(feePayer))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	signerByKey := make(map[solana.PublicKey]solana.PrivateKey, len(signers))
	for _, sk := range signers {
		signerByKey[sk.PublicKey()] = sk
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if sk, ok := signerByKey[key]; ok {
			return &sk
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("serialize transaction: %w", err)
	}

	return b.client.SendRaw(ctx, raw)
}

// Confirm polls sig's status until confirmed/finalized or deadline elapses.
// A deadline timeout with no observed on-chain error reports (true, nil) —
// the documented devnet-flakiness concession from phase 4 — while an
// observed on-chain error reports (false, err).
func (b *Backend) Confirm(ctx context.Context, sig solana.Signature, deadline time.Duration) (bool, error) {
	outcome, err := b.client.PollStatus(ctx, sig, b.pollTimings.FastInterval, b.pollTimings.SlowInterval, b.pollTimings.FastWindow, deadline)
	if err != nil {
		return false, err
	}
	if outcome == PollFailed {
		return false, fmt.Errorf("transaction %s failed on-chain", sig)
	}
	return true, nil
}

// AccountExists reports whether pubkey currently holds an account.
func (b *Backend) AccountExists(ctx context.Context, pubkey solana.PublicKey) (bool, error) {
	info, err := b.client.AccountInfoAt(ctx, pubkey)
	if err != nil {
		return false, err
	}
	return info != nil, nil
}

// AccountOwnedBy reports whether pubkey exists and is currently owned by
// owner (e.g. checking that the executor PDA is owned by the executor
// program itself).
func (b *Backend) AccountOwnedBy(ctx context.Context, pubkey, owner solana.PublicKey) (bool, error) {
	info, err := b.client.AccountInfoAt(ctx, pubkey)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}
	return info.Owner == owner, nil
}
