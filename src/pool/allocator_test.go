package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatorHandsOutSmallestFree(t *testing.T) {
	a := NewExtranonceAllocator(1)
	assert.Equal(t, uint64(255), a.Capacity())

	first, err := a.Allocate()
	require.NoError(t, err)
	second, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, "00", first.Hex)
	assert.Equal(t, "01", second.Hex)

	assert.True(t, a.Release(first))
	assert.False(t, a.Release(first), "double release must be a no-op")

	again, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestAllocatorExhaustion(t *testing.T) {
	a := NewExtranonceAllocator(1)
	var tails []Tail
	for i := 0; i < 255; i++ {
		tail, err := a.Allocate()
		require.NoError(t, err)
		tails = append(tails, tail)
	}
	_, err := a.Allocate()
	assert.ErrorIs(t, err, ErrTooManyWorkers)
	assert.Equal(t, 255, a.Len())

	require.True(t, a.Release(tails[100]))
	tail, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, tails[100], tail)

	_, err = a.Allocate()
	assert.ErrorIs(t, err, ErrTooManyWorkers)
}

func TestAllocatorConcurrentUniqueness(t *testing.T) {
	a := NewExtranonceAllocator(2)
	const workers = 16
	const perWorker = 200

	var mu sync.Mutex
	seen := make(map[uint32]int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var mine []Tail
			for i := 0; i < perWorker; i++ {
				tail, err := a.Allocate()
				if !assert.NoError(t, err) {
					return
				}
				mine = append(mine, tail)
				if i%3 == 0 {
					a.Release(mine[0])
					mine = mine[1:]
				}
			}
			mu.Lock()
			for _, tail := range mine {
				seen[tail.Value]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	for value, count := range seen {
		assert.Equal(t, 1, count, "tail %d held twice", value)
	}
	assert.Equal(t, len(seen), a.Len())
}

func TestTailHexWidth(t *testing.T) {
	a := NewExtranonceAllocator(2)
	tail, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, "0000", tail.Hex)
	assert.Equal(t, 2, a.Size())
}

func TestParseJob(t *testing.T) {
	job, err := ParseJob(MockJobParams("abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", job.Id)
	assert.Equal(t, "1d00ffff", job.NBits)
	assert.True(t, job.CleanJobs)
	assert.Empty(t, job.MerkleBranches)

	params := MockJobParams("x")
	params[8] = false
	job, err = ParseJob(params)
	require.NoError(t, err)
	assert.Equal(t, true, job.NotifyParams(true)[8])
	assert.Equal(t, false, job.NotifyParams(false)[8])
	assert.Equal(t, false, job.Params[8], "forcing clean must not touch the stored params")

	_, err = ParseJob([]any{"1", "2"})
	assert.Error(t, err)
	params[4] = "not a list"
	_, err = ParseJob(params)
	assert.Error(t, err)
}
