package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CatalogSource queries a remote AMM pool catalog API, trying each base URL
// in turn and tolerating several different JSON response shapes the known
// catalog deployments use.
type CatalogSource struct {
	httpClient *http.Client
	baseURLs   []string
}

// NewCatalogSource builds a source trying baseURLs in order on every call.
func NewCatalogSource(baseURLs []string) *CatalogSource {
	return &CatalogSource{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURLs:   baseURLs,
	}
}

func (s *CatalogSource) Name() string { return "catalog" }

type catalogPoolShapeA struct {
	Data []struct {
		ID      string `json:"id"`
		MintA   string `json:"mintA"`
		MintB   string `json:"mintB"`
		Program string `json:"programId"`
	} `json:"data"`
}

type catalogPoolShapeB struct {
	Pools []struct {
		PoolID  string `json:"poolId"`
		BaseMint string `json:"baseMint"`
		QuoteMint string `json:"quoteMint"`
		Type    string `json:"type"`
	} `json:"pools"`
}

func (s *CatalogSource) Find(ctx context.Context, mintA, mintB string) (Pool, bool, error) {
	var lastErr error
	for _, base := range s.baseURLs {
		url := fmt.Sprintf("%s/pools?mintA=%s&mintB=%s", strings.TrimRight(base, "/"), mintA, mintB)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("catalog %s: status %d", base, resp.StatusCode)
			continue
		}

		if p, ok := parseShapeA(body, mintA, mintB); ok {
			return p, true, nil
		}
		if p, ok := parseShapeB(body, mintA, mintB); ok {
			return p, true, nil
		}
		// well-formed response, just no match for this pair; keep trying
		// other base URLs in case they carry a different pool set.
	}
	if lastErr != nil {
		return Pool{}, false, lastErr
	}
	return Pool{}, false, nil
}

func parseShapeA(body []byte, mintA, mintB string) (Pool, bool) {
	var shape catalogPoolShapeA
	if err := json.Unmarshal(body, &shape); err != nil {
		return Pool{}, false
	}
	for _, p := range shape.Data {
		if matchesPair(p.MintA, p.MintB, mintA, mintB) {
			return Pool{PoolID: p.ID, MintA: p.MintA, MintB: p.MintB, Program: normalizeProgram(p.Program)}, true
		}
	}
	return Pool{}, false
}

func parseShapeB(body []byte, mintA, mintB string) (Pool, bool) {
	var shape catalogPoolShapeB
	if err := json.Unmarshal(body, &shape); err != nil {
		return Pool{}, false
	}
	for _, p := range shape.Pools {
		if matchesPair(p.BaseMint, p.QuoteMint, mintA, mintB) {
			return Pool{PoolID: p.PoolID, MintA: p.BaseMint, MintB: p.QuoteMint, Program: normalizeProgram(p.Type)}, true
		}
	}
	return Pool{}, false
}

func matchesPair(a, b, mintA, mintB string) bool {
	return (a == mintA && b == mintB) || (a == mintB && b == mintA)
}

func normalizeProgram(raw string) string {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "clmm"):
		return "clmm"
	case strings.Contains(lower, "cpmm"):
		return "cpmm"
	default:
		return "amm"
	}
}

// KnownPoolSource resolves against a static, operator-configured table —
// the fallback mapping for pairs the remote catalog doesn't carry yet.
type KnownPoolSource struct {
	pools map[string]Pool
}

// KnownPoolEntry is one statically-configured pool.
type KnownPoolEntry struct {
	MintA, MintB, PoolID, Program string
}

// NewKnownPoolSource builds a source from a fixed list of pools.
func NewKnownPoolSource(entries []KnownPoolEntry) *KnownPoolSource {
	pools := make(map[string]Pool, len(entries))
	for _, e := range entries {
		pools[cacheKey(e.MintA, e.MintB)] = Pool{
			PoolID:  e.PoolID,
			MintA:   e.MintA,
			MintB:   e.MintB,
			Program: normalizeProgram(e.Program),
		}
	}
	return &KnownPoolSource{pools: pools}
}

func (s *KnownPoolSource) Name() string { return "known_pool" }

func (s *KnownPoolSource) Find(_ context.Context, mintA, mintB string) (Pool, bool, error) {
	p, ok := s.pools[cacheKey(mintA, mintB)]
	return p, ok, nil
}

// serializedTxPoolOffsets is the empirically observed account-index order
// in which a wallet-signed swap transaction lists its pool accounts: the
// pool ID itself plus vault/authority accounts surrounding it. Position 0
// is the swap-program instruction index; these are account-key indices
// within that instruction's account list.
var serializedTxPoolOffsets = []int{6, 7, 8, 9, 10, 13, 14, 15, 1, 2, 3, 4, 5}

// SerializedTxSource extracts a pool ID straight out of a wallet's already-
// signed transaction when one was supplied, instead of deriving it from the
// mint pair at all. It consults serializedTxPoolOffsets in order and
// returns the first account key present, since wallets differ in exactly
// which index carries the pool account depending on instruction builder
// version.
type SerializedTxSource struct {
	accountKeys []string // base58 account keys from the decoded transaction, if any
}

// NewSerializedTxSource wraps the account key list of an already-decoded
// transaction. Pass nil when no transaction was supplied.
func NewSerializedTxSource(accountKeys []string) *SerializedTxSource {
	return &SerializedTxSource{accountKeys: accountKeys}
}

func (s *SerializedTxSource) Name() string { return "serialized_tx" }

func (s *SerializedTxSource) Find(_ context.Context, mintA, mintB string) (Pool, bool, error) {
	if len(s.accountKeys) == 0 {
		return Pool{}, false, nil
	}
	for _, offset := range serializedTxPoolOffsets {
		if offset < 0 || offset >= len(s.accountKeys) {
			continue
		}
		candidate := s.accountKeys[offset]
		if candidate == "" {
			continue
		}
		return Pool{PoolID: candidate, MintA: mintA, MintB: mintB, Program: "amm"}, true, nil
	}
	return Pool{}, false, nil
}

// OnChainSource is the final fallback: a true on-chain scan for a pool
// account owning both mints. It is deliberately unimplemented — the relay
// has no indexed view of on-chain pool accounts — and always reports
// not-found so resolution cleanly falls through to apierr.KindPoolNotFound.
type OnChainSource struct{}

func NewOnChainSource() *OnChainSource { return &OnChainSource{} }

func (s *OnChainSource) Name() string { return "on_chain" }

func (s *OnChainSource) Find(_ context.Context, _, _ string) (Pool, bool, error) {
	return Pool{}, false, nil
}
