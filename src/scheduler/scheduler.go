package scheduler

import (
	"container/heap"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// queueMultiplier sets how many dispatched-but-not-started tasks we allow
	// per execution worker.
	queueMultiplier = 32
	queueMinDepth   = 128
)

// Task is a handle to one scheduled execution.
type Task struct {
	id       uint64
	seq      uint64
	deadline time.Time
	fn       func()
	index    int // position in the heap, -1 once dequeued or cancelled
}

func (t *Task) Deadline() time.Time {
	return t.deadline
}

// Scheduler runs functions at a point in time. One loop owns the pending set,
// a fixed pool of workers runs whatever is due, so a slow task never delays
// the next deadline.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	pending taskHeap
	nextSeq uint64
	stopped bool

	wake  chan struct{}
	ready chan *Task
	done  chan struct{}

	loopDone    chan struct{}
	workerGroup sync.WaitGroup
	nextId      atomic.Uint64
}

// New starts a scheduler with the given number of execution workers; zero
// means one per CPU.
func New(logger *zap.Logger, workers int) *Scheduler {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	s := &Scheduler{
		logger:   logger.With(zap.String("component", "scheduler")),
		wake:     make(chan struct{}, 1),
		ready:    make(chan *Task, max(workers*queueMultiplier, queueMinDepth)),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		s.workerGroup.Add(1)
		go s.worker(i)
	}
	go s.loop()
	return s
}

// Schedule runs fn once after delay.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) *Task {
	return s.ScheduleAt(time.Now().Add(delay), fn)
}

// ScheduleAt runs fn once at deadline. Tasks with equal deadlines run in the
// order they were scheduled.
func (s *Scheduler) ScheduleAt(deadline time.Time, fn func()) *Task {
	task := &Task{
		id:       s.nextId.Add(1),
		deadline: deadline,
		fn:       fn,
		index:    -1,
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return task
	}
	s.nextSeq++
	task.seq = s.nextSeq
	heap.Push(&s.pending, task)
	isHead := task.index == 0
	s.mu.Unlock()

	if isHead {
		s.signal()
	}
	return task
}

// Cancel removes task from the pending set. It reports false when the task
// already left the set, i.e. it ran, is running or was cancelled before.
func (s *Scheduler) Cancel(task *Task) bool {
	if task == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.index < 0 || task.index >= len(s.pending) || s.pending[task.index] != task {
		return false
	}
	heap.Remove(&s.pending, task.index)
	return true
}

// Len is the number of tasks waiting for their deadline.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop drops pending tasks, waits for running ones and stops the workers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, t := range s.pending {
		t.index = -1
	}
	s.pending = nil
	s.mu.Unlock()

	close(s.done)
	<-s.loopDone
	close(s.ready)
	s.workerGroup.Wait()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, next := s.popDue(time.Now())
		for _, t := range due {
			select {
			case s.ready <- t:
			case <-s.done:
				return
			}
		}

		wait := time.Hour
		if !next.IsZero() {
			wait = time.Until(next)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.done:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// popDue dequeues every task whose deadline passed and returns the deadline
// of the new head, if any.
func (s *Scheduler) popDue(now time.Time) ([]*Task, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Task
	for len(s.pending) > 0 && !s.pending[0].deadline.After(now) {
		due = append(due, heap.Pop(&s.pending).(*Task))
	}
	if len(s.pending) == 0 {
		return due, time.Time{}
	}
	return due, s.pending[0].deadline
}

func (s *Scheduler) worker(id int) {
	defer s.workerGroup.Done()
	for task := range s.ready {
		s.run(id, task)
	}
}

func (s *Scheduler) run(worker int, task *Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panic", zap.Int("worker", worker), zap.Uint64("task", task.id), zap.Any("error", r))
		}
	}()
	task.fn()
}

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
