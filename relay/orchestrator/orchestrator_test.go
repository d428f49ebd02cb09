package orchestrator

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"teerelay/relay/attestation"
	"teerelay/relay/intent"
	"teerelay/relay/pool"
	"teerelay/relay/registry"
	"teerelay/relay/swapbuilder"
)

type fakeBackend struct {
	executor    solana.PublicKey
	vault       solana.PublicKey
	userDeposit solana.PublicKey

	executorExists bool
	executorOwned  bool
	depositExists  bool

	submitSig   solana.Signature
	submitErr   error
	submitCalls int

	confirmOK  bool
	confirmErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		executor:       solana.PublicKey{1},
		vault:          solana.PublicKey{2},
		userDeposit:    solana.PublicKey{3},
		executorExists: true,
		executorOwned:  true,
		depositExists:  true,
		confirmOK:      true,
	}
}

func (f *fakeBackend) ExecutorProgramID() solana.PublicKey { return solana.SystemProgramID }

func (f *fakeBackend) ExecutorPDA() (solana.PublicKey, uint8, error) { return f.executor, 255, nil }
func (f *fakeBackend) VaultPDA() (solana.PublicKey, uint8, error)    { return f.vault, 255, nil }
func (f *fakeBackend) UserDepositPDA(solana.PublicKey) (solana.PublicKey, uint8, error) {
	return f.userDeposit, 255, nil
}

func (f *fakeBackend) AccountExists(_ context.Context, pubkey solana.PublicKey) (bool, error) {
	switch pubkey {
	case f.executor:
		return f.executorExists, nil
	case f.userDeposit:
		return f.depositExists, nil
	}
	return true, nil
}

func (f *fakeBackend) AccountOwnedBy(_ context.Context, pubkey, _ solana.PublicKey) (bool, error) {
	if pubkey == f.executor {
		return f.executorOwned, nil
	}
	return true, nil
}

func (f *fakeBackend) Submit(_ context.Context, _ []solana.Instruction, _ solana.PublicKey, _ []solana.PrivateKey) (solana.Signature, error) {
	f.submitCalls++
	return f.submitSig, f.submitErr
}

func (f *fakeBackend) Confirm(_ context.Context, _ solana.Signature, _ time.Duration) (bool, error) {
	return f.confirmOK, f.confirmErr
}

type fakeAMM struct{ kind string }

func (f *fakeAMM) ProgramKind() string         { return f.kind }
func (f *fakeAMM) ProgramID() solana.PublicKey { return solana.TokenProgramID }
func (f *fakeAMM) BuildSwap(_ context.Context, req swapbuilder.SwapRequest) (solana.Instruction, error) {
	return solana.NewInstruction(solana.SystemProgramID, solana.AccountMetaSlice{}, []byte{0x1}), nil
}

type fakeSource struct {
	p     pool.Pool
	found bool
}

func (s *fakeSource) Name() string { return "fake" }
func (s *fakeSource) Find(_ context.Context, _, _ string) (pool.Pool, bool, error) {
	return s.p, s.found, nil
}

type nullLogger struct{}

func (nullLogger) Info(string, ...any)  {}
func (nullLogger) Warn(string, ...any)  {}
func (nullLogger) Error(string, ...any) {}

func newTestOrchestrator(backend *fakeBackend, poolFound bool) *Orchestrator {
	pm := pool.New(nil, &fakeSource{p: pool.Pool{PoolID: "11111111111111111111111111111111111111111", Program: "amm"}, found: poolFound})
	builder := swapbuilder.NewBuilder(nil, &fakeAMM{kind: "amm"})
	reg := registry.New()
	att := attestation.NewStub("deadbeefdeadbeef")
	timings := Timings{FundingDeadline: time.Second, SwapDeadline: time.Second, WatcherDeadline: time.Second}
	return New(backend, pm, builder, reg, att, nullLogger{}, timings, 10_000_000)
}

func approvedSwapIntent(hash string) *intent.Intent {
	return &intent.Intent{
		Action:     intent.ActionSwap,
		IntentHash: hash,
		Signature:  "deadbeef",
		Limits:     intent.Limits{MaxSlippageBps: 50},
		Transaction: intent.TransactionPayload{
			ExtractedAmountLamports: 1_000_000,
		},
		SwapParams: &intent.SwapParams{
			InputMint:  "So11111111111111111111111111111111111111112",
			OutputMint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		},
	}
}

// waitForStatus polls the registry briefly for the asynchronous watcher to
// land, since a successful swap broadcast returns before confirmation.
func waitForStatus(t *testing.T, reg *registry.Registry, hash string, want registry.Status) registry.Entry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entry, ok := reg.Get(hash)
		if ok && entry.Status == want {
			return entry
		}
		time.Sleep(5 * time.Millisecond)
	}
	entry, _ := reg.Get(hash)
	return entry
}

func TestSubmitRunsSwapAndMarksExecuted(t *testing.T) {
	backend := newFakeBackend()
	backend.submitSig = solana.Signature{7}
	o := newTestOrchestrator(backend, true)
	i := approvedSwapIntent("0xabc")
	o.reg.TryReserve(i.IntentHash, i)

	result, err := o.Submit(context.Background(), i, solana.SystemProgramID, solana.PrivateKey{})
	require.NoError(t, err)
	require.NotEmpty(t, result.TEESignature)

	entry := waitForStatus(t, o.reg, i.IntentHash, registry.StatusExecuted)
	require.Equal(t, registry.StatusExecuted, entry.Status)
}

func TestSubmitFailsWhenNotApproved(t *testing.T) {
	backend := newFakeBackend()
	o := newTestOrchestrator(backend, true)
	i := approvedSwapIntent("0xabc")
	// not reserved: registry has no entry for this hash, so Mark(submitted) fails

	_, err := o.Submit(context.Background(), i, solana.SystemProgramID, solana.PrivateKey{})
	require.Error(t, err)
}

func TestSubmitFailsAndMarksFailedWhenPoolNotFound(t *testing.T) {
	backend := newFakeBackend()
	o := newTestOrchestrator(backend, false)
	i := approvedSwapIntent("0xabc")
	o.reg.TryReserve(i.IntentHash, i)

	_, err := o.Submit(context.Background(), i, solana.SystemProgramID, solana.PrivateKey{})
	require.Error(t, err)

	entry, ok := o.reg.Get(i.IntentHash)
	require.True(t, ok)
	require.Equal(t, registry.StatusFailed, entry.Status)
}

func TestSubmitReturnsNeedsDepositAndLeavesRegistryApproved(t *testing.T) {
	backend := newFakeBackend()
	backend.depositExists = false
	o := newTestOrchestrator(backend, true)
	i := approvedSwapIntent("0xabc")
	o.reg.TryReserve(i.IntentHash, i)

	_, err := o.Submit(context.Background(), i, solana.SystemProgramID, solana.PrivateKey{})
	require.Error(t, err)

	entry, found := o.reg.Get(i.IntentHash)
	require.True(t, found)
	require.Equal(t, registry.StatusApproved, entry.Status, "NeedsDeposit must not advance the registry past approved")
	require.Equal(t, 0, backend.submitCalls, "no transaction should be submitted when the user hasn't deposited")
}

func TestSubmitFailsWhenExecutorPDANotInitialized(t *testing.T) {
	backend := newFakeBackend()
	backend.executorExists = false
	o := newTestOrchestrator(backend, true)
	i := approvedSwapIntent("0xabc")
	o.reg.TryReserve(i.IntentHash, i)

	_, err := o.Submit(context.Background(), i, solana.SystemProgramID, solana.PrivateKey{})
	require.Error(t, err)

	entry, found := o.reg.Get(i.IntentHash)
	require.True(t, found)
	require.Equal(t, registry.StatusApproved, entry.Status)
}

func TestExtractAmountPrefersExtractedAmountLamports(t *testing.T) {
	i := approvedSwapIntent("0xabc")
	amount, err := extractAmount(i, nil, 10_000_000)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000), amount.Uint64())
}

func TestExtractAmountFallsBackToInstructionScan(t *testing.T) {
	i := approvedSwapIntent("0xabc")
	i.Transaction.ExtractedAmountLamports = 0
	i.Transaction.Instructions = []intent.Instruction{
		{ProgramID: solana.SystemProgramID.String(), Data: encodeSystemTransferData(t, 2_000_000)},
		{ProgramID: solana.SystemProgramID.String(), Data: encodeSystemTransferData(t, 3_000_000)},
	}

	amount, err := extractAmount(i, nil, 10_000_000)
	require.NoError(t, err)
	require.Equal(t, uint64(5_000_000), amount.Uint64())
}

func TestExtractAmountDedupsAMMInstructionsBySameAmount(t *testing.T) {
	i := approvedSwapIntent("0xabc")
	i.Transaction.ExtractedAmountLamports = 0
	i.Transaction.Instructions = []intent.Instruction{
		{ProgramID: solana.TokenProgramID.String(), Data: encodeAMMAmountData(t, 100_000)},
		{ProgramID: solana.TokenProgramID.String(), Data: encodeAMMAmountData(t, 100_000)}, // duplicate, ignored
	}

	amount, err := extractAmount(i, []solana.PublicKey{solana.TokenProgramID}, 10_000_000)
	require.NoError(t, err)
	require.Equal(t, uint64(100_000), amount.Uint64())
}

func TestExtractAmountUsesFloorWhenNothingFound(t *testing.T) {
	i := approvedSwapIntent("0xabc")
	i.Transaction.ExtractedAmountLamports = 0

	amount, err := extractAmount(i, nil, 10_000_000)
	require.NoError(t, err)
	require.Equal(t, uint64(10_000_000), amount.Uint64())
}

func encodeSystemTransferData(t *testing.T, amount uint64) string {
	t.Helper()
	data := make([]byte, 9)
	data[0] = 2
	for i := 0; i < 8; i++ {
		data[1+i] = byte(amount >> (8 * i))
	}
	return base64.StdEncoding.EncodeToString(data)
}

func encodeAMMAmountData(t *testing.T, amount uint64) string {
	t.Helper()
	data := make([]byte, 9)
	data[0] = 9
	for i := 0; i < 8; i++ {
		data[1+i] = byte(amount >> (8 * i))
	}
	return base64.StdEncoding.EncodeToString(data)
}
