package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTasksRunInDeadlineOrder(t *testing.T) {
	s := New(zaptest.NewLogger(t), 1)
	defer s.Stop()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	record := func(i int) func() {
		return func() {
			mu.Lock()
			order = append(order, i)
			n := len(order)
			mu.Unlock()
			if n == 4 {
				close(done)
			}
		}
	}

	base := time.Now().Add(50 * time.Millisecond)
	s.ScheduleAt(base.Add(30*time.Millisecond), record(3))
	s.ScheduleAt(base, record(1))
	s.ScheduleAt(base, record(2))
	s.ScheduleAt(base.Add(60*time.Millisecond), record(4))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not run")
	}
	assert.Equal(t, []int{1, 2, 3, 4}, order)
}

func TestCancelBeforeDeadline(t *testing.T) {
	s := New(zaptest.NewLogger(t), 2)
	defer s.Stop()

	var ran int32
	task := s.Schedule(100*time.Millisecond, func() { atomic.AddInt32(&ran, 1) })
	other := s.Schedule(20*time.Millisecond, func() { atomic.AddInt32(&ran, 10) })

	assert.True(t, s.Cancel(task))
	assert.False(t, s.Cancel(task), "second cancel is a no-op")

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(10), atomic.LoadInt32(&ran))
	assert.False(t, s.Cancel(other), "a task that ran cannot be cancelled")
	assert.Equal(t, 0, s.Len())
}

func TestEarlierTaskWakesLoop(t *testing.T) {
	s := New(zaptest.NewLogger(t), 1)
	defer s.Stop()

	s.Schedule(time.Hour, func() {})
	fired := make(chan time.Time, 1)
	start := time.Now()
	s.Schedule(20*time.Millisecond, func() { fired <- time.Now() })

	select {
	case at := <-fired:
		assert.Less(t, at.Sub(start), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("earlier task was not picked up")
	}
}

func TestSlowTaskDoesNotDelayNext(t *testing.T) {
	s := New(zaptest.NewLogger(t), 2)
	defer s.Stop()

	release := make(chan struct{})
	s.Schedule(0, func() { <-release })
	fast := make(chan struct{})
	s.Schedule(10*time.Millisecond, func() { close(fast) })

	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("slow task blocked the next one")
	}
	close(release)
}

func TestPeriodicRunsUntilCancelled(t *testing.T) {
	s := New(zaptest.NewLogger(t), 1)
	defer s.Stop()

	var runs int32
	p := s.Every(10*time.Millisecond, func() { atomic.AddInt32(&runs, 1) })

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 }, time.Second, 5*time.Millisecond)
	p.Cancel()
	time.Sleep(20 * time.Millisecond)
	after := atomic.LoadInt32(&runs)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&runs))
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	s := New(zaptest.NewLogger(t), 1)
	defer s.Stop()

	s.Schedule(0, func() { panic("boom") })
	ok := make(chan struct{})
	s.Schedule(5*time.Millisecond, func() { close(ok) })

	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
}
