// ABOUTME: Tests for the replay filter's TTL, capacity, and atomicity behavior.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDuplicateDetection(t *testing.T) {
	f := New(time.Minute, 100)
	defer f.Close()

	assert.False(t, f.Duplicate("a1", "m1"), "first sighting")
	assert.True(t, f.Duplicate("a1", "m1"), "replay")
	assert.False(t, f.Duplicate("a1", "m2"), "different message")
	assert.False(t, f.Duplicate("a2", "m1"), "same message id from another sender")
}

func TestExpiredEntryIsForgotten(t *testing.T) {
	f := New(20*time.Millisecond, 100)
	defer f.Close()

	assert.False(t, f.Duplicate("a1", "m1"))
	time.Sleep(40 * time.Millisecond)
	assert.False(t, f.Duplicate("a1", "m1"), "expired entries do not count as replays")
}

func TestCapacityEvictsOldest(t *testing.T) {
	f := New(time.Minute, 3)
	defer f.Close()

	for i := 0; i < 4; i++ {
		f.Duplicate("a1", fmt.Sprintf("m%d", i))
	}

	assert.Equal(t, 3, f.Len())
	assert.False(t, f.Duplicate("a1", "m0"), "oldest entry was evicted")
	assert.True(t, f.Duplicate("a1", "m3"), "newest entry survives")
}

func TestConcurrentAccess(t *testing.T) {
	f := New(time.Minute, 10_000)
	defer f.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				f.Duplicate(fmt.Sprintf("agent-%d", g), fmt.Sprintf("m%d", i))
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 1600, f.Len())
}

func TestCloseIdempotent(t *testing.T) {
	f := New(time.Minute, 10)
	f.Close()
	f.Close()
}
