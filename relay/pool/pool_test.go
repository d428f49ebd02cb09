package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	name   string
	pool   Pool
	found  bool
	err    error
	calls  int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Find(ctx context.Context, mintA, mintB string) (Pool, bool, error) {
	f.calls++
	return f.pool, f.found, f.err
}

type nullLogger struct{}

func (nullLogger) Warn(string, ...any)  {}
func (nullLogger) Debug(string, ...any) {}

func TestResolveTakesFirstHitInSourceOrder(t *testing.T) {
	miss := &fakeSource{name: "miss"}
	hit := &fakeSource{name: "hit", pool: Pool{PoolID: "pool-1"}, found: true}
	never := &fakeSource{name: "never", pool: Pool{PoolID: "pool-2"}, found: true}

	m := New(nullLogger{}, miss, hit, never)
	p, ok := m.Resolve(context.Background(), "mintA", "mintB")

	require.True(t, ok)
	require.Equal(t, "pool-1", p.PoolID)
	require.Equal(t, "hit", p.FoundVia)
	require.Equal(t, 0, never.calls, "sources after the first hit must not be consulted")
}

func TestResolveFallsThroughOnSourceError(t *testing.T) {
	erroring := &fakeSource{name: "erroring", found: false, err: errors.New("source unavailable")}
	hit := &fakeSource{name: "hit", pool: Pool{PoolID: "pool-ok"}, found: true}

	m := New(nullLogger{}, erroring, hit)
	p, ok := m.Resolve(context.Background(), "mintA", "mintB")

	require.True(t, ok)
	require.Equal(t, "pool-ok", p.PoolID)
}

func TestResolveReturnsNotFoundWhenNoSourceMatches(t *testing.T) {
	m := New(nullLogger{}, &fakeSource{name: "a"}, &fakeSource{name: "b"})
	_, ok := m.Resolve(context.Background(), "mintA", "mintB")
	require.False(t, ok)
}

func TestResolveCachesHitsForSubsequentLookups(t *testing.T) {
	hit := &fakeSource{name: "hit", pool: Pool{PoolID: "pool-1"}, found: true}
	m := New(nullLogger{}, hit)

	_, _ = m.Resolve(context.Background(), "mintA", "mintB")
	_, _ = m.Resolve(context.Background(), "mintB", "mintA") // reversed order, same pair

	require.Equal(t, 1, hit.calls, "second lookup of the same pair must hit the cache")
}

func TestInvalidateForcesResourceOnNextLookup(t *testing.T) {
	hit := &fakeSource{name: "hit", pool: Pool{PoolID: "pool-1"}, found: true}
	m := New(nullLogger{}, hit)

	_, _ = m.Resolve(context.Background(), "mintA", "mintB")
	m.Invalidate("mintA", "mintB")
	_, _ = m.Resolve(context.Background(), "mintA", "mintB")

	require.Equal(t, 2, hit.calls)
}

func TestSerializedTxSourceTriesOffsetsInEmpiricalOrder(t *testing.T) {
	keys := make([]string, 20)
	keys[8] = "pool-from-offset-8"
	src := NewSerializedTxSource(keys)

	p, found, err := src.Find(context.Background(), "mintA", "mintB")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "pool-from-offset-8", p.PoolID)
}

func TestKnownPoolSourceMatchesEitherMintOrder(t *testing.T) {
	src := NewKnownPoolSource([]KnownPoolEntry{{MintA: "A", MintB: "B", PoolID: "p1", Program: "clmm"}})

	p, found, err := src.Find(context.Background(), "B", "A")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "p1", p.PoolID)
	require.Equal(t, "clmm", p.Program)
}
