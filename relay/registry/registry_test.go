package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTryReserveAdmitsExactlyOneOfConcurrentArrivals(t *testing.T) {
	reg := New()
	const n = 50
	var wg sync.WaitGroup
	results := make([]Reservation, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = reg.TryReserve("0xsame", nil)
		}(i)
	}
	wg.Wait()

	newCount := 0
	for _, r := range results {
		if r == ReservedNew {
			newCount++
		}
	}
	require.Equal(t, 1, newCount, "exactly one concurrent arrival should reserve a fresh entry")
}

func TestTryReserveResumesApprovedOnly(t *testing.T) {
	reg := New()
	require.Equal(t, ReservedNew, reg.TryReserve("0xabc", nil))
	require.Equal(t, ResumedApproved, reg.TryReserve("0xabc", nil))

	reg.Mark("0xabc", StatusSubmitted, nil)
	require.Equal(t, ReservationReplay, reg.TryReserve("0xabc", nil))
}

func TestMarkEnforcesMonotoneTransitions(t *testing.T) {
	reg := New()
	reg.TryReserve("0xabc", nil)

	require.True(t, reg.Mark("0xabc", StatusSubmitted, nil))
	require.False(t, reg.Mark("0xabc", StatusApproved, nil), "backwards transition must be rejected")

	require.True(t, reg.Mark("0xabc", StatusExecuted, nil))
	require.False(t, reg.Mark("0xabc", StatusFailed, nil), "terminal status must be final")
}

func TestPurgeOlderThanEvictsStaleEntries(t *testing.T) {
	reg := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return base }
	reg.TryReserve("0xold", nil)

	reg.now = func() time.Time { return base.Add(25 * time.Hour) }
	reg.PurgeOlderThan(24 * time.Hour)

	_, ok := reg.Get("0xold")
	require.False(t, ok, "entries older than the retention window should be forgotten")
}

func TestGetReturnsEntrySnapshot(t *testing.T) {
	reg := New()
	reg.TryReserve("0xabc", "intent-payload")
	entry, ok := reg.Get("0xabc")
	require.True(t, ok)
	require.Equal(t, StatusApproved, entry.Status)
	require.Equal(t, "intent-payload", entry.Intent)
}
