package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"
)

type fakeRPC struct {
	sendCount int
	sendSig   solana.Signature
	sendErr   error

	statusSeq []*rpc.SignatureStatusesResult
	statusErr error

	accountResult *rpc.GetAccountInfoResult
	accountErr    error

	blockhashResult *rpc.GetLatestBlockhashResult
}

func (f *fakeRPC) SendRawTransactionWithOpts(ctx context.Context, tx []byte, opts rpc.TransactionOpts) (solana.Signature, error) {
	f.sendCount++
	return f.sendSig, f.sendErr
}

func (f *fakeRPC) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if len(f.statusSeq) == 0 {
		return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}}, nil
	}
	next := f.statusSeq[0]
	if len(f.statusSeq) > 1 {
		f.statusSeq = f.statusSeq[1:]
	}
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{next}}, nil
}

func (f *fakeRPC) GetAccountInfo(ctx context.Context, pubkey solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	return f.accountResult, f.accountErr
}

func (f *fakeRPC) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return f.blockhashResult, nil
}

func TestSendRawShortCircuitsIdenticalBytes(t *testing.T) {
	sig := solana.Signature{1, 2, 3}
	fake := &fakeRPC{sendSig: sig}
	c := newWithClient(fake)

	got1, err := c.SendRaw(context.Background(), []byte("tx-bytes"))
	require.NoError(t, err)
	require.Equal(t, sig, got1)

	got2, err := c.SendRaw(context.Background(), []byte("tx-bytes"))
	require.NoError(t, err)
	require.Equal(t, sig, got2)

	require.Equal(t, 1, fake.sendCount, "identical bytes must not be rebroadcast")
}

func TestSendRawBroadcastsDistinctPayloadsSeparately(t *testing.T) {
	fake := &fakeRPC{sendSig: solana.Signature{9}}
	c := newWithClient(fake)

	_, err := c.SendRaw(context.Background(), []byte("tx-one"))
	require.NoError(t, err)
	_, err = c.SendRaw(context.Background(), []byte("tx-two"))
	require.NoError(t, err)

	require.Equal(t, 2, fake.sendCount)
}

func TestSendRawWrapsRPCErrors(t *testing.T) {
	fake := &fakeRPC{sendErr: errors.New("boom")}
	c := newWithClient(fake)

	_, err := c.SendRaw(context.Background(), []byte("tx-bytes"))
	require.Error(t, err)
}

func TestPollStatusReturnsConfirmedImmediately(t *testing.T) {
	fake := &fakeRPC{
		statusSeq: []*rpc.SignatureStatusesResult{
			{ConfirmationStatus: rpc.ConfirmationStatusConfirmed},
		},
	}
	c := newWithClient(fake)

	outcome, err := c.PollStatus(context.Background(), solana.Signature{}, 5*time.Millisecond, 20*time.Millisecond, 50*time.Millisecond, 200*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, PollConfirmed, outcome)
}

func TestPollStatusReturnsFailedOnChainError(t *testing.T) {
	fake := &fakeRPC{
		statusSeq: []*rpc.SignatureStatusesResult{
			{Err: map[string]any{"InstructionError": []any{0, "Custom"}}},
		},
	}
	c := newWithClient(fake)

	outcome, err := c.PollStatus(context.Background(), solana.Signature{}, 5*time.Millisecond, 20*time.Millisecond, 50*time.Millisecond, 200*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, PollFailed, outcome)
}

func TestPollStatusTimesOutWhenNeverConfirmed(t *testing.T) {
	fake := &fakeRPC{statusSeq: nil}
	c := newWithClient(fake)

	outcome, err := c.PollStatus(context.Background(), solana.Signature{}, 5*time.Millisecond, 10*time.Millisecond, 15*time.Millisecond, 30*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, PollTimeout, outcome)
}

func TestAccountInfoAtReturnsNilForMissingAccount(t *testing.T) {
	fake := &fakeRPC{accountErr: rpc.ErrNotFound}
	c := newWithClient(fake)

	info, err := c.AccountInfoAt(context.Background(), solana.PublicKey{})
	require.NoError(t, err)
	require.Nil(t, info)
}

