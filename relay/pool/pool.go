// Package pool resolves a (input_mint, output_mint) pair to the AMM pool
// that should service a swap. Resolution tries an ordered list of sources
// and takes the first hit, caching the answer for ten minutes. The
// Source-interface-plus-ordered-fallback shape is adapted from the
// now-superseded oracle.Manager's Source/Manager design (periodic
// multi-source price aggregation), generalized here from "poll every
// source and average" to "try each source in order, stop at the first
// answer".
package pool

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Pool identifies one AMM pool instance, plus enough pricing state for the
// swap builder to quote against it without a second on-chain round trip.
type Pool struct {
	PoolID   string
	MintA    string
	MintB    string
	Program  string // "clmm" | "cpmm" | "amm"
	FoundVia string

	// FeeBps is the pool's swap fee in basis points, applied by the
	// constant-product curve (cpmm) and legacy (amm) quoters.
	FeeBps int
	// ReserveA/ReserveB are the pool's token reserves in MintA/MintB's own
	// base units; zero when a source can't report them (e.g. the known-pool
	// map), in which case quoting falls back to a fee-adjusted passthrough.
	ReserveA uint64
	ReserveB uint64
	// Status is the legacy AMM program's on-chain pool status flag; 0 means
	// "unreported" and is treated as active.
	Status int
}

// Source is one way of discovering a pool for a mint pair. Implementations
// must return (Pool{}, false, nil) — not an error — when they simply don't
// know about the pair; a non-nil error means the source itself failed and
// resolution should fall through to the next source anyway.
type Source interface {
	Name() string
	Find(ctx context.Context, mintA, mintB string) (Pool, bool, error)
}

type cacheEntry struct {
	pool    Pool
	cachedAt time.Time
}

const cacheTTL = 10 * time.Minute

// Manager resolves pools by trying sources in order and caching hits.
type Manager struct {
	sources []Source
	logger  Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// Logger is the narrow logging seam the manager needs, satisfied by
// *slog.Logger.
type Logger interface {
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// New builds a manager trying sources in the given order.
func New(logger Logger, sources ...Source) *Manager {
	return &Manager{
		sources: sources,
		logger:  logger,
		cache:   make(map[string]cacheEntry),
	}
}

func cacheKey(mintA, mintB string) string {
	pair := []string{mintA, mintB}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

// Resolve returns the first pool any source reports for the pair, in
// source order, consulting the TTL cache first.
func (m *Manager) Resolve(ctx context.Context, mintA, mintB string) (Pool, bool) {
	key := cacheKey(mintA, mintB)

	m.mu.Lock()
	if entry, ok := m.cache[key]; ok && time.Since(entry.cachedAt) < cacheTTL {
		m.mu.Unlock()
		return entry.pool, true
	}
	m.mu.Unlock()

	for _, src := range m.sources {
		p, found, err := src.Find(ctx, mintA, mintB)
		if err != nil {
			if m.logger != nil {
				m.logger.Warn("pool source lookup failed", "source", src.Name(), "error", err)
			}
			continue
		}
		if !found {
			continue
		}
		p.FoundVia = src.Name()

		m.mu.Lock()
		m.cache[key] = cacheEntry{pool: p, cachedAt: time.Now()}
		m.mu.Unlock()
		return p, true
	}
	return Pool{}, false
}

// Invalidate drops a cached resolution, used when submitting a swap against
// a resolved pool fails.
func (m *Manager) Invalidate(mintA, mintB string) {
	m.mu.Lock()
	delete(m.cache, cacheKey(mintA, mintB))
	m.mu.Unlock()
}
