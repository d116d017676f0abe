package counters

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestIncAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Inc("messages.processed", 1)
	r.Inc("messages.processed", 2)
	r.Inc("messages.canceled", 1)

	snap := r.Snapshot()
	assert.Equal(t, int64(3), snap["messages.processed"])
	assert.Equal(t, int64(1), snap["messages.canceled"])

	// Snapshot does not reset.
	assert.Equal(t, int64(3), r.Snapshot()["messages.processed"])
}

func TestFlushToResets(t *testing.T) {
	r := NewRegistry()
	r.Inc("typecheck.slow_path", 4)
	r.Inc("typecheck.fast_path", 0)

	scope := tally.NewTestScope("rtlsp", nil)
	r.FlushTo(scope)

	snapshot := scope.Snapshot().Counters()
	var total int64
	for _, c := range snapshot {
		total += c.Value()
	}
	require.Equal(t, int64(4), total)
	assert.Empty(t, r.Snapshot())
}

func TestConcurrentInc(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 250; j++ {
				r.Inc("hash.computed", 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(2000), r.Snapshot()["hash.computed"])
}
