// Package orchestrator drives an approved intent through the seven-phase
// deposit -> fund -> swap -> payout pipeline and records the outcome in the
// registry. ExecutionBackend is the seam between "what the pipeline does"
// and "which chain layer does it" — only a base-layer (plain Solana RPC)
// backend is implemented; a rollup/MagicBlock-ephemeral-session backend is
// left to a future change since the relay has no accelerated-rollup client
// in its dependency set yet (Open Question, resolved: ship base-layer only).
//
// For a swap intent, Submit returns to its caller as soon as the swap
// transaction has broadcast; confirming it and finalizing the registry
// entry continues on a detached background goroutine, since a client's HTTP
// disconnection must never cancel an intent that is already on-chain. A
// non-swap intent returns only after its funding transaction has confirmed
// and the registry entry has been marked executed.
package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"

	"teerelay/relay/apierr"
	"teerelay/relay/attestation"
	"teerelay/relay/intent"
	"teerelay/relay/pool"
	"teerelay/relay/registry"
	"teerelay/relay/swapbuilder"
	"teerelay/relay/validator"
)

// discExecuteWithIntent is the executor program's funding-instruction
// discriminator, per the wire contract every approved intent's funding
// transaction uses.
const discExecuteWithIntent byte = 3

// maxSafeLamports mirrors swapbuilder's own clamp: 2^53 - 1, the largest
// lamport amount the downstream SDK call can carry without losing precision.
const maxSafeLamports = (uint64(1) << 53) - 1

// defaultAmountFloorLamports is used only if the orchestrator is built
// without an explicit floor.
const defaultAmountFloorLamports = 10_000_000

// aggregateDeadline bounds the synchronous portion of the pipeline — amount
// extraction through swap broadcast; confirmation continues asynchronously
// under its own WatcherDeadline.
const aggregateDeadline = 180 * time.Second

// ExecutionBackend is the chain-facing seam the orchestrator drives.
// Concrete implementations own PDA derivation, transaction building,
// submission, and confirmation polling; the orchestrator only sequences
// phases and decides when to advance, retry, or fail.
type ExecutionBackend interface {
	ExecutorProgramID() solana.PublicKey
	ExecutorPDA() (solana.PublicKey, uint8, error)
	VaultPDA() (solana.PublicKey, uint8, error)
	UserDepositPDA(owner solana.PublicKey) (solana.PublicKey, uint8, error)
	AccountExists(ctx context.Context, pubkey solana.PublicKey) (bool, error)
	AccountOwnedBy(ctx context.Context, pubkey, owner solana.PublicKey) (bool, error)
	Submit(ctx context.Context, instructions []solana.Instruction, feePayer solana.PublicKey, signers []solana.PrivateKey) (solana.Signature, error)
	Confirm(ctx context.Context, sig solana.Signature, deadline time.Duration) (bool, error)
}

// Logger is the narrow seam the orchestrator needs for phase tracing.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Timings tunes the deadlines of the three confirmation points in the
// pipeline — funding (synchronous), swap (confirmed asynchronously), and
// the outer bound the asynchronous watcher enforces per P7.
type Timings struct {
	FundingDeadline time.Duration
	SwapDeadline    time.Duration
	WatcherDeadline time.Duration
}

// Orchestrator runs the execution pipeline for approved intents.
type Orchestrator struct {
	backend     ExecutionBackend
	pools       *pool.Manager
	builder     *swapbuilder.Builder
	reg         *registry.Registry
	att         attestation.Provider
	logger      Logger
	now         func() time.Time
	timings     Timings
	amountFloor uint64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // per intent_hash advisory lock
}

// New constructs an orchestrator wired to its collaborators.
func New(backend ExecutionBackend, pools *pool.Manager, builder *swapbuilder.Builder, reg *registry.Registry, att attestation.Provider, logger Logger, timings Timings, amountFloor uint64) *Orchestrator {
	if amountFloor == 0 {
		amountFloor = defaultAmountFloorLamports
	}
	return &Orchestrator{
		backend:     backend,
		pools:       pools,
		builder:     builder,
		reg:         reg,
		att:         att,
		logger:      logger,
		now:         time.Now,
		timings:     timings,
		amountFloor: amountFloor,
		locks:       make(map[string]*sync.Mutex),
	}
}

// Result is the outcome of a pipeline run returned to the HTTP caller. For
// a swap intent it reflects the broadcast, not yet the on-chain
// confirmation — the registry only reaches StatusExecuted once the
// asynchronous confirmation completes.
type Result struct {
	IntentHash     string
	ChainSignature string
	Attestation    attestation.Attestation
	TEESignature   string
}

// pdaSet is the three PDAs a funding transaction references, resolved once
// per Submit call.
type pdaSet struct {
	executor    solana.PublicKey
	vault       solana.PublicKey
	userDeposit solana.PublicKey
}

// lockFor returns the advisory lock for intentHash, creating it on first
// use; this serializes concurrent Submit calls for the same hash without
// serializing unrelated intents.
func (o *Orchestrator) lockFor(intentHash string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	l, ok := o.locks[intentHash]
	if !ok {
		l = &sync.Mutex{}
		o.locks[intentHash] = l
	}
	return l
}

// Submit runs the pipeline for i, whose approval is already recorded in the
// registry under StatusApproved. It is safe to call concurrently for
// distinct intents; concurrent calls for the same intent_hash serialize on
// the per-hash advisory lock, so a retried submit never double-executes.
// The lock is held until the asynchronous confirmation (if any) completes,
// not just until this call returns.
func (o *Orchestrator) Submit(ctx context.Context, i *intent.Intent, owner solana.PublicKey, feePayer solana.PrivateKey) (Result, error) {
	lock := o.lockFor(i.IntentHash)
	lock.Lock()
	released := false
	release := func() {
		if !released {
			released = true
			lock.Unlock()
		}
	}
	defer release()

	syncCtx, cancel := context.WithTimeout(ctx, aggregateDeadline)
	defer cancel()

	amount, err := extractAmount(i, o.builder.ProgramIDs(), o.amountFloor)
	if err != nil {
		return Result{}, err
	}

	// Phase 2: executor validation. A NeedsDeposit soft error must leave the
	// registry untouched at StatusApproved (scenario 4), so this runs before
	// the registry is ever marked Submitted.
	pdas, err := o.resolvePDAs(syncCtx, owner)
	if err != nil {
		return Result{}, err
	}

	if !o.reg.Mark(i.IntentHash, registry.StatusSubmitted, nil) {
		return Result{}, apierr.New(apierr.KindAlreadyInFlight, "intent %s is not in a submittable state", i.IntentHash)
	}

	// Phase 3+4: funding via EXECUTE_WITH_INTENT, confirmed synchronously —
	// the swap phase spends from the execution account this transaction
	// funds, so it cannot proceed until funding is confirmed.
	fundSig, err := o.fund(syncCtx, i, owner, feePayer, pdas, amount)
	if err != nil {
		o.reg.Mark(i.IntentHash, registry.StatusFailed, nil)
		return Result{}, err
	}

	// Phase 5: intent-type determination.
	if i.Action != intent.ActionSwap {
		res, err := o.finish(i, fundSig)
		if err != nil {
			o.reg.Mark(i.IntentHash, registry.StatusFailed, nil)
			return Result{}, err
		}
		o.reg.Mark(i.IntentHash, registry.StatusExecuted, func(e *registry.Entry) {
			e.ChainSignature = res.ChainSignature
			e.TEESignature = res.TEESignature
		})
		return res, nil
	}

	// Phase 6: swap execution — broadcast only, synchronously; the response
	// returns to the caller immediately once a signature exists.
	swapSig, err := o.broadcastSwap(syncCtx, i, owner, feePayer, amount)
	if err != nil {
		o.reg.Mark(i.IntentHash, registry.StatusFailed, nil)
		return Result{}, err
	}

	res, err := o.finish(i, swapSig)
	if err != nil {
		o.reg.Mark(i.IntentHash, registry.StatusFailed, nil)
		return Result{}, err
	}
	o.reg.Mark(i.IntentHash, registry.StatusSubmitted, func(e *registry.Entry) {
		e.ChainSignature = res.ChainSignature
		e.TEESignature = res.TEESignature
	})

	// Phase 7 (payout): no separate payout transaction is built, and the
	// swap request above leaves its InputATA/OutputATA accounts unset;
	// finalization is confirming the swap transaction landed.
	released = true
	go o.finishAsync(i.IntentHash, swapSig, lock)
	return res, nil
}

// finishAsync confirms the swap signature on a detached context — a client
// disconnecting must not cancel work already broadcast on-chain — and
// finalizes the registry entry, releasing the per-intent lock it was
// handed on completion.
func (o *Orchestrator) finishAsync(intentHash string, sig solana.Signature, lock *sync.Mutex) {
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), o.timings.WatcherDeadline)
	defer cancel()

	ok, err := o.backend.Confirm(ctx, sig, o.timings.SwapDeadline)
	if err != nil || !ok {
		o.logger.Warn("swap confirmation failed", "intent_hash", intentHash, "signature", sig.String(), "error", err)
		o.reg.Mark(intentHash, registry.StatusFailed, nil)
		return
	}
	o.reg.Mark(intentHash, registry.StatusExecuted, nil)
}

// resolvePDAs derives the three PDAs the funding instruction references and
// validates the executor PDA is initialized; if the user's deposit PDA
// doesn't exist yet, it returns the NeedsDeposit soft error carrying all
// three PDAs per §7.
func (o *Orchestrator) resolvePDAs(ctx context.Context, owner solana.PublicKey) (pdaSet, error) {
	executor, _, err := o.backend.ExecutorPDA()
	if err != nil {
		return pdaSet{}, apierr.New(apierr.KindInternal, "derive executor pda: %v", err)
	}
	vault, _, err := o.backend.VaultPDA()
	if err != nil {
		return pdaSet{}, apierr.New(apierr.KindInternal, "derive vault pda: %v", err)
	}
	userDeposit, _, err := o.backend.UserDepositPDA(owner)
	if err != nil {
		return pdaSet{}, apierr.New(apierr.KindInternal, "derive user deposit pda: %v", err)
	}

	execExists, err := o.backend.AccountExists(ctx, executor)
	if err != nil {
		return pdaSet{}, apierr.New(apierr.KindRpcError, "check executor pda: %v", err)
	}
	execOwned, err := o.backend.AccountOwnedBy(ctx, executor, o.backend.ExecutorProgramID())
	if err != nil {
		return pdaSet{}, apierr.New(apierr.KindRpcError, "check executor pda owner: %v", err)
	}
	if !execExists || !execOwned {
		return pdaSet{}, apierr.New(apierr.KindInternal, "executor pda %s is not initialized", executor)
	}

	depositExists, err := o.backend.AccountExists(ctx, userDeposit)
	if err != nil {
		return pdaSet{}, apierr.New(apierr.KindRpcError, "check user deposit pda: %v", err)
	}
	if !depositExists {
		return pdaSet{}, apierr.New(apierr.KindNeedsDeposit, "user %s has not deposited", owner).
			WithField("needsDeposit", true).
			WithField("executorProgramId", o.backend.ExecutorProgramID().String()).
			WithField("userDepositPDA", userDeposit.String()).
			WithField("vaultPDA", vault.String()).
			WithField("userAddress", owner.String())
	}

	return pdaSet{executor: executor, vault: vault, userDeposit: userDeposit}, nil
}

// fund broadcasts and confirms the EXECUTE_WITH_INTENT transaction that
// moves required_lamports + 50_000 from the vault to the execution
// account, authorized by the user's intent signature.
func (o *Orchestrator) fund(ctx context.Context, i *intent.Intent, owner solana.PublicKey, feePayer solana.PrivateKey, pdas pdaSet, amount *uint256.Int) (solana.Signature, error) {
	instr, err := buildExecuteWithIntentInstruction(o.backend.ExecutorProgramID(), pdas, owner, feePayer.PublicKey(), i.IntentHash, i.Signature, amount)
	if err != nil {
		return solana.Signature{}, err
	}

	sig, err := o.backend.Submit(ctx, []solana.Instruction{instr}, feePayer.PublicKey(), []solana.PrivateKey{feePayer})
	if err != nil {
		return solana.Signature{}, apierr.New(apierr.KindRpcError, "submit funding transaction: %v", err)
	}
	ok, err := o.backend.Confirm(ctx, sig, o.timings.FundingDeadline)
	if err != nil {
		return solana.Signature{}, apierr.New(apierr.KindRpcError, "confirm funding transaction: %v", err)
	}
	if !ok {
		return solana.Signature{}, apierr.New(apierr.KindTimeout, "funding transaction %s did not confirm", sig)
	}
	return sig, nil
}

// broadcastSwap resolves the swap's pool, builds the pool-type-specific
// swap instruction, and broadcasts it without waiting for confirmation —
// confirmation happens in finishAsync.
func (o *Orchestrator) broadcastSwap(ctx context.Context, i *intent.Intent, owner solana.PublicKey, feePayer solana.PrivateKey, amount *uint256.Int) (solana.Signature, error) {
	if i.SwapParams == nil {
		return solana.Signature{}, apierr.New(apierr.KindMalformedIntent, "swap action missing swap_params")
	}

	resolved, found := o.pools.Resolve(ctx, i.SwapParams.InputMint, i.SwapParams.OutputMint)
	if !found {
		return solana.Signature{}, apierr.New(apierr.KindPoolNotFound, "no pool found for %s/%s", i.SwapParams.InputMint, i.SwapParams.OutputMint)
	}

	inputMint, err := solana.PublicKeyFromBase58(i.SwapParams.InputMint)
	if err != nil {
		return solana.Signature{}, apierr.New(apierr.KindMalformedIntent, "invalid input_mint: %v", err)
	}
	outputMint, err := solana.PublicKeyFromBase58(i.SwapParams.OutputMint)
	if err != nil {
		return solana.Signature{}, apierr.New(apierr.KindMalformedIntent, "invalid output_mint: %v", err)
	}

	instr, err := o.builder.BuildSwapInstruction(ctx, swapbuilder.SwapRequest{
		Pool:        resolved,
		InputMint:   inputMint,
		OutputMint:  outputMint,
		AmountIn:    amount,
		SlippageBps: i.Limits.MaxSlippageBps,
		Owner:       owner,
	})
	if err != nil {
		return solana.Signature{}, err
	}

	sig, err := o.backend.Submit(ctx, []solana.Instruction{instr}, feePayer.PublicKey(), []solana.PrivateKey{feePayer})
	if err != nil {
		o.pools.Invalidate(i.SwapParams.InputMint, i.SwapParams.OutputMint)
		return solana.Signature{}, apierr.New(apierr.KindRpcError, "submit swap transaction: %v", err)
	}
	return sig, nil
}

func (o *Orchestrator) finish(i *intent.Intent, sig solana.Signature) (Result, error) {
	res := Result{IntentHash: i.IntentHash, ChainSignature: sig.String()}
	if err := o.signAttestationInto(&res, i, sig); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (o *Orchestrator) signAttestationInto(res *Result, i *intent.Intent, sig solana.Signature) error {
	att, digest, err := o.att.Sign(i.IntentHash, poolIDOrEmpty(i.SwapParams), o.now().UnixMilli())
	if err != nil {
		return apierr.New(apierr.KindInternal, "sign attestation: %v", err)
	}
	res.Attestation = att
	res.TEESignature = digest
	res.ChainSignature = sig.String()
	res.IntentHash = i.IntentHash
	return nil
}

// poolIDOrEmpty guards the attestation payload against a nil SwapParams,
// which non-swap intents always carry.
func poolIDOrEmpty(s *intent.SwapParams) string {
	if s == nil {
		return ""
	}
	return s.PoolID
}

// extractAmount implements §4.E.1: prefer an already-extracted amount,
// otherwise sum system-program transfers and dedup AMM-program amounts out
// of the intent's raw instruction list, falling back to the configured
// floor if the scan finds nothing.
func extractAmount(i *intent.Intent, ammProgramIDs []solana.PublicKey, floor uint64) (*uint256.Int, error) {
	if i.Transaction.ExtractedAmountLamports > 0 {
		return clampLamports(uint256.NewInt(i.Transaction.ExtractedAmountLamports)), nil
	}

	ammSet := make(map[string]struct{}, len(ammProgramIDs))
	for _, id := range ammProgramIDs {
		ammSet[id.String()] = struct{}{}
	}

	sum := new(uint256.Int)
	seen := make(map[string]struct{})
	for _, instr := range i.Transaction.Instructions {
		data, err := base64.StdEncoding.DecodeString(instr.Data)
		if err != nil || len(data) < 9 {
			continue
		}

		if instr.ProgramID == solana.SystemProgramID.String() {
			if data[0] != 2 {
				continue
			}
			sum.Add(sum, uint256.NewInt(binary.LittleEndian.Uint64(data[1:9])))
			continue
		}

		if _, isAMM := ammSet[instr.ProgramID]; !isAMM {
			continue
		}
		amount := binary.LittleEndian.Uint64(data[1:9])
		if amount < 1_000 || amount > 1_000_000_000_000_000 {
			continue
		}
		key := fmt.Sprintf("%s:%d", instr.ProgramID, amount)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		sum.Add(sum, uint256.NewInt(amount))
	}

	if sum.IsZero() {
		sum.SetUint64(floor)
	}
	return clampLamports(sum), nil
}

func clampLamports(amount *uint256.Int) *uint256.Int {
	max := uint256.NewInt(maxSafeLamports)
	if amount.Cmp(max) > 0 {
		return max
	}
	return amount
}

// buildExecuteWithIntentInstruction lays out
// {disc(3), intent_hash(32), sig_len(4 LE), sig_bytes, amount(8 LE)} and the
// six-account list the executor program expects for EXECUTE_WITH_INTENT.
func buildExecuteWithIntentInstruction(programID solana.PublicKey, pdas pdaSet, owner, executionKeypair solana.PublicKey, intentHash, signature string, amount *uint256.Int) (solana.Instruction, error) {
	hashBytes := decodeHexHashBestEffort(intentHash)
	sigBytes, err := validator.DecodeSignature(signature)
	if err != nil {
		return nil, apierr.New(apierr.KindBadSignature, "decode intent signature: %v", err)
	}

	data := make([]byte, 1+32+4+len(sigBytes)+8)
	offset := 0
	data[offset] = discExecuteWithIntent
	offset++
	copy(data[offset:offset+32], hashBytes)
	offset += 32
	binary.LittleEndian.PutUint32(data[offset:offset+4], uint32(len(sigBytes)))
	offset += 4
	copy(data[offset:offset+len(sigBytes)], sigBytes)
	offset += len(sigBytes)
	binary.LittleEndian.PutUint64(data[offset:offset+8], amount.Uint64())

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(pdas.executor, false, false),
		solana.NewAccountMeta(pdas.vault, true, false),
		solana.NewAccountMeta(pdas.userDeposit, true, false),
		solana.NewAccountMeta(owner, false, false),
		solana.NewAccountMeta(executionKeypair, true, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	return solana.NewInstruction(programID, accounts, data), nil
}

// decodeHexHashBestEffort decodes a "0x"-prefixed 32-byte hash, returning a
// zeroed 32-byte slice if the string is shorter than expected rather than
// erroring — validation already rejected malformed hashes upstream of here.
func decodeHexHashBestEffort(hash string) []byte {
	out := make([]byte, 32)
	s := hash
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	n := len(s) / 2
	if n > 32 {
		n = 32
	}
	for i := 0; i < n; i++ {
		var b byte
		_, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b)
		if err != nil {
			break
		}
		out[i] = b
	}
	return out
}
