// Package chain is the relay's JSON-RPC chain I/O layer: raw transaction
// submission with duplicate-broadcast short-circuiting, adaptive
// confirmation polling, and account reads. Built directly on
// solana-go/rpc.Client, matching the method surface the pack's
// svmbase.SVMClient interface documents (SendTransaction, GetAccountInfo,
// GetLatestBlockHash, explicit commitment parameters).
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"teerelay/relay/apierr"
)

// PollOutcome is the result of poll_status.
type PollOutcome string

const (
	PollConfirmed PollOutcome = "confirmed"
	PollFinalized PollOutcome = "finalized"
	PollFailed    PollOutcome = "failed"
	PollTimeout   PollOutcome = "timeout"
)

// AccountInfo is the shape account_info returns for an existing account.
type AccountInfo struct {
	Lamports   uint64
	Owner      solana.PublicKey
	Data       []byte
	Executable bool
}

// dedupEntry caches a previously-seen transaction's broadcast signature.
type dedupEntry struct {
	signature solana.Signature
	seenAt    time.Time
}

const dedupRetention = 10 * time.Minute

// rpcClient is the subset of rpc.Client the chain layer depends on, pulled
// out as an interface so tests can substitute a fake without a live
// endpoint.
type rpcClient interface {
	SendRawTransactionWithOpts(ctx context.Context, tx []byte, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetAccountInfo(ctx context.Context, pubkey solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
}

// Client wraps a solana-go rpc.Client with the dedup cache and bounded
// send/confirm semantics §4.H specifies.
type Client struct {
	rpc rpcClient

	dedupMu sync.Mutex
	dedup   map[string]dedupEntry
}

// New constructs a chain client against endpoint.
func New(endpoint string) *Client {
	return &Client{
		rpc:   rpc.New(endpoint),
		dedup: make(map[string]dedupEntry),
	}
}

// newWithClient is the test seam: build a Client over a fake rpcClient.
func newWithClient(c rpcClient) *Client {
	return &Client{rpc: c, dedup: make(map[string]dedupEntry)}
}

// SendRaw broadcasts tx_bytes, short-circuiting to a previously observed
// signature when the exact same bytes were seen before — this short-
// circuits dApp resubmission attempts against the intercepted wallet
// surface.
func (c *Client) SendRaw(ctx context.Context, txBytes []byte) (solana.Signature, error) {
	digest := sha256.Sum256(txBytes)
	key := hex.EncodeToString(digest[:])

	c.dedupMu.Lock()
	if entry, ok := c.dedup[key]; ok {
		c.dedupMu.Unlock()
		return entry.signature, nil
	}
	c.dedupMu.Unlock()

	sig, err := c.rpc.SendRawTransactionWithOpts(ctx, txBytes, rpc.TransactionOpts{
		SkipPreflight: false,
	})
	if err != nil {
		return solana.Signature{}, apierr.New(apierr.KindRpcError, "send transaction: %v", err)
	}

	c.dedupMu.Lock()
	c.dedup[key] = dedupEntry{signature: sig, seenAt: time.Now()}
	c.evictExpiredDedupLocked()
	c.dedupMu.Unlock()

	return sig, nil
}

func (c *Client) evictExpiredDedupLocked() {
	cutoff := time.Now().Add(-dedupRetention)
	for k, v := range c.dedup {
		if v.seenAt.Before(cutoff) {
			delete(c.dedup, k)
		}
	}
}

// PollStatus implements the adaptive polling schedule: every 500ms for the
// first 5s, then every 2s, until confirmed/finalized or the deadline
// elapses. A deadline timeout without an observed on-chain error is
// reported as PollTimeout; callers in the orchestrator treat that as
// "probably confirmed" per the documented devnet-flakiness workaround —
// production behavior should instead treat it as failed (open question,
// kept as specified).
func (c *Client) PollStatus(ctx context.Context, sig solana.Signature, fastInterval, slowInterval, fastWindow, deadline time.Duration) (PollOutcome, error) {
	start := time.Now()
	ticker := time.NewTicker(fastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return PollTimeout, ctx.Err()
		case <-ticker.C:
			if time.Since(start) > fastWindow {
				ticker.Reset(slowInterval)
			}
			if time.Since(start) > deadline {
				return PollTimeout, nil
			}
			statuses, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				continue // transient RPC failures within confirmation polls are retried, not surfaced
			}
			if statuses == nil || len(statuses.Value) == 0 || statuses.Value[0] == nil {
				continue
			}
			status := statuses.Value[0]
			if status.Err != nil {
				return PollFailed, fmt.Errorf("on-chain error: %v", status.Err)
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusFinalized:
				return PollFinalized, nil
			case rpc.ConfirmationStatusConfirmed:
				return PollConfirmed, nil
			}
		}
	}
}

// AccountInfoAt fetches account_info for pubkey, returning (nil, nil) when
// the account does not exist.
func (c *Client) AccountInfoAt(ctx context.Context, pubkey solana.PublicKey) (*AccountInfo, error) {
	result, err := c.rpc.GetAccountInfo(ctx, pubkey)
	if err != nil {
		if isAccountNotFound(err) {
			return nil, nil
		}
		return nil, apierr.New(apierr.KindRpcError, "get account info: %v", err)
	}
	if result == nil || result.Value == nil {
		return nil, nil
	}
	return &AccountInfo{
		Lamports:   result.Value.Lamports,
		Owner:      result.Value.Owner,
		Data:       result.Value.Data.GetBinary(),
		Executable: result.Value.Executable,
	}, nil
}

func isAccountNotFound(err error) bool {
	return err == rpc.ErrNotFound
}

// LatestBlockhash returns the current blockhash and slot.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, uint64, error) {
	result, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, 0, apierr.New(apierr.KindRpcError, "get latest blockhash: %v", err)
	}
	return result.Value.Blockhash, result.Context.Slot, nil
}
