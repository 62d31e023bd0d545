package delegation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSweepRemovesOnlyExpiredTerminalTasks(t *testing.T) {
	s := NewStore(time.Minute, nil)
	defer s.Close()

	base := time.Now()

	finished := newTask("finished", "cmd", func() {}, func() time.Time { return base })
	finished.finish(StatusSucceeded, &Report{}, "", "")
	s.Put(finished)

	running := newTask("running", "cmd", func() {}, func() time.Time { return base })
	running.setState(StateDispatched)
	s.Put(running)

	fresh := newTask("fresh", "cmd", func() {}, func() time.Time { return base.Add(time.Hour - 30*time.Second) })
	fresh.finish(StatusFailed, nil, "X", "x")
	s.Put(fresh)

	require.Equal(t, 3, s.Len())
	s.sweep(base.Add(time.Hour))

	assert.Equal(t, 2, s.Len())
	_, ok := s.Get("finished")
	assert.False(t, ok, "expired terminal task is swept")
	_, ok = s.Get("running")
	assert.True(t, ok, "running tasks are never swept regardless of age")
	_, ok = s.Get("fresh")
	assert.True(t, ok, "terminal but inside the TTL window")
}

func TestStoreGetUnknown(t *testing.T) {
	s := NewStore(time.Minute, nil)
	defer s.Close()

	_, ok := s.Get("nope")
	assert.False(t, ok)
}
