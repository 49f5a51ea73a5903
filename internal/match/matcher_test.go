package match

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcher_ConfirmsOnIntersection(t *testing.T) {
	m := New()
	id := uuid.New().String()

	_, ok := m.ReportCLIUUID("/p", "cli-1", id)
	assert.False(t, ok, "no confirmation until both sides report")

	confirmed, ok := m.ReportDaemonSession("/p", id)
	require.True(t, ok)
	assert.Equal(t, id, confirmed)
}

func TestMatcher_StateClearedAfterConfirmation(t *testing.T) {
	m := New()
	id := uuid.New().String()

	m.ReportCLIUUID("/p", "cli-1", id)
	m.ReportDaemonSession("/p", id)

	m.mu.Lock()
	_, exists := m.byPath["/p"]
	m.mu.Unlock()
	assert.False(t, exists)
}

func TestMatcher_RejectsMalformedUUID(t *testing.T) {
	m := New()
	_, ok := m.ReportCLIUUID("/p", "cli-1", "not-a-uuid")
	assert.False(t, ok)

	m.mu.Lock()
	s, exists := m.byPath["/p"]
	m.mu.Unlock()
	if exists {
		assert.Empty(t, s.uuidsReportedByCLI)
	}
}

func TestMatcher_MultipleUUIDsKeptUntilMatch(t *testing.T) {
	m := New()
	idA := uuid.New().String()
	idB := uuid.New().String()

	m.ReportCLIUUID("/p", "cli-1", idA)
	m.ReportCLIUUID("/p", "cli-1", idB)

	confirmed, ok := m.ReportDaemonSession("/p", idB)
	require.True(t, ok)
	assert.Equal(t, idB, confirmed)
}

// TestMatcher_ConcurrentArrivalsConfirmExactlyOnce exercises the
// unique-confirmation property: for any interleaving of a single CLI report and a single
// Daemon report racing each other at the same realPath, the matcher
// confirms exactly once. Each iteration uses its own realPath/uuid pair so
// one iteration's race can't contaminate another's.
func TestMatcher_ConcurrentArrivalsConfirmExactlyOnce(t *testing.T) {
	m := New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	confirmations := make(map[string]int)

	for i := 0; i < 50; i++ {
		realPath := uuid.New().String()
		id := uuid.New().String()

		wg.Add(2)
		go func() {
			defer wg.Done()
			if c, ok := m.ReportCLIUUID(realPath, "cli-1", id); ok {
				mu.Lock()
				confirmations[realPath+":"+c]++
				mu.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			if c, ok := m.ReportDaemonSession(realPath, id); ok {
				mu.Lock()
				confirmations[realPath+":"+c]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for key, count := range confirmations {
		assert.Equal(t, 1, count, "key %s should confirm exactly once", key)
	}
	assert.Len(t, confirmations, 50, "every iteration's pair should confirm exactly once")
}
