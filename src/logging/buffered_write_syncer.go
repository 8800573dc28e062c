package logging

import (
	"bufio"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

const (
	defaultBufferSize    = 256 * 1024
	defaultFlushInterval = 5 * time.Second
	lockAttempts         = 5
	lockBackoff          = 20 * time.Millisecond
)

// BufferedWriteSyncer buffers log lines in memory and flushes them to WS
// when the buffer is full and every FlushInterval. A writer that cannot get
// the lock after a few attempts drops its line instead of stalling the
// caller.
type BufferedWriteSyncer struct {
	WS            zapcore.WriteSyncer
	Size          int
	FlushInterval time.Duration
	Clock         zapcore.Clock

	mu          sync.Mutex
	initialized bool
	stopped     bool
	writer      *bufio.Writer
	ticker      *time.Ticker
	stop        chan struct{}
	done        chan struct{}
	dropped     atomic.Int64
}

func (s *BufferedWriteSyncer) initialize() {
	if s.Size <= 0 {
		s.Size = defaultBufferSize
	}
	if s.FlushInterval <= 0 {
		s.FlushInterval = defaultFlushInterval
	}
	if s.Clock == nil {
		s.Clock = zapcore.DefaultClock
	}
	s.writer = bufio.NewWriterSize(s.WS, s.Size)
	s.ticker = s.Clock.NewTicker(s.FlushInterval)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.initialized = true
	go s.flushLoop()
}

func (s *BufferedWriteSyncer) lock() bool {
	for i := 0; i < lockAttempts; i++ {
		if s.mu.TryLock() {
			return true
		}
		time.Sleep(lockBackoff)
	}
	return false
}

func (s *BufferedWriteSyncer) Write(bs []byte) (int, error) {
	if !s.lock() {
		s.dropped.Inc()
		return len(bs), nil
	}
	defer s.mu.Unlock()

	if s.stopped {
		return s.WS.Write(bs)
	}
	if !s.initialized {
		s.initialize()
	}
	if len(bs) > s.writer.Available() && s.writer.Buffered() > 0 {
		if err := s.writer.Flush(); err != nil {
			return 0, err
		}
	}
	return s.writer.Write(bs)
}

// Sync flushes the buffer and syncs WS.
func (s *BufferedWriteSyncer) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked()
}

func (s *BufferedWriteSyncer) syncLocked() error {
	var err error
	if s.initialized && !s.stopped {
		err = s.writer.Flush()
	}
	return multierr.Append(err, s.WS.Sync())
}

// Dropped counts lines lost to lock contention.
func (s *BufferedWriteSyncer) Dropped() int64 {
	return s.dropped.Load()
}

func (s *BufferedWriteSyncer) flushLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.ticker.C:
			_ = s.Sync()
		case <-s.stop:
			return
		}
	}
}

// Stop ends the flush loop and writes out what is buffered. Later writes
// go straight to WS.
func (s *BufferedWriteSyncer) Stop() error {
	s.mu.Lock()
	if !s.initialized || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.ticker.Stop()
	close(s.stop)
	s.mu.Unlock()

	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.syncLocked()
	s.stopped = true
	return err
}
