package llm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthBoardCooldownExpiry(t *testing.T) {
	now := time.Now()
	b := NewHealthBoard(nil)
	b.now = func() time.Time { return now }

	b.MarkExhausted("openai", time.Minute)
	assert.True(t, b.Exhausted("openai"))

	// Window expires without any explicit action.
	now = now.Add(61 * time.Second)
	assert.False(t, b.Exhausted("openai"))
}

func TestHealthBoardSuccessResetsFailures(t *testing.T) {
	b := NewHealthBoard(nil)
	b.NoteFailure("x")
	b.NoteFailure("x")
	b.NoteSuccess("x")

	stats := b.Snapshot()
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].ConsecutiveFailures)
}

func TestHealthBoardReset(t *testing.T) {
	b := NewHealthBoard(nil)
	b.MarkExhausted("x", time.Hour)
	require.True(t, b.Exhausted("x"))

	b.Reset("x")
	assert.False(t, b.Exhausted("x"))
}

// Mutation on unrelated backends must not serialize through one lock; this
// exercises the per-backend paths concurrently under the race detector.
func TestHealthBoardConcurrentBackends(t *testing.T) {
	b := NewHealthBoard(nil)
	backends := []string{"a", "b", "c", "d"}

	var wg sync.WaitGroup
	for _, name := range backends {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b.NoteFailure(name)
				b.Exhausted(name)
				b.NoteSuccess(name)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, b.Snapshot(), len(backends))
}
