package gostratum

import (
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MockConnection is a net.Conn double for tests: lines pushed with PushLine
// come out of Read, everything written is available line by line through
// NextLine.
type MockConnection struct {
	id        string
	lock      sync.Mutex
	inChan    chan []byte
	outChan   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	pending   []byte

	readDeadline  time.Time
	writeDeadline time.Time
}

var channelCounter int32

func NewMockConnection() *MockConnection {
	return &MockConnection{
		id:      fmt.Sprintf("mc_%d", atomic.AddInt32(&channelCounter, 1)),
		inChan:  make(chan []byte, 64),
		outChan: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

// PushLine queues s (newline appended) for the reader side.
func (mc *MockConnection) PushLine(s string) {
	select {
	case mc.inChan <- []byte(s + "\n"):
	case <-mc.closed:
	}
}

// NextLine returns the next written line or an error after timeout.
func (mc *MockConnection) NextLine(timeout time.Duration) (string, error) {
	select {
	case data := <-mc.outChan:
		return string(data), nil
	case <-time.After(timeout):
		return "", errors.New("timed out waiting for a written line")
	}
}

// Written drains everything written so far without blocking.
func (mc *MockConnection) Written() []string {
	var lines []string
	for {
		select {
		case data := <-mc.outChan:
			lines = append(lines, string(data))
		default:
			return lines
		}
	}
}

func (mc *MockConnection) IsClosed() bool {
	select {
	case <-mc.closed:
		return true
	default:
		return false
	}
}

func (mc *MockConnection) Read(b []byte) (int, error) {
	mc.lock.Lock()
	if len(mc.pending) > 0 {
		n := copy(b, mc.pending)
		mc.pending = mc.pending[n:]
		mc.lock.Unlock()
		return n, nil
	}
	deadline := mc.readDeadline
	mc.lock.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case data := <-mc.inChan:
		n := copy(b, data)
		if n < len(data) {
			mc.lock.Lock()
			mc.pending = append(mc.pending, data[n:]...)
			mc.lock.Unlock()
		}
		return n, nil
	case <-mc.closed:
		return 0, net.ErrClosed
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	}
}

func (mc *MockConnection) Write(b []byte) (int, error) {
	if mc.IsClosed() {
		return 0, net.ErrClosed
	}
	data := make([]byte, len(b))
	copy(data, b)
	for len(data) > 0 && (data[len(data)-1] == '\n') {
		data = data[:len(data)-1]
	}
	select {
	case mc.outChan <- data:
		return len(b), nil
	case <-mc.closed:
		return 0, net.ErrClosed
	}
}

func (mc *MockConnection) Close() error {
	mc.closeOnce.Do(func() {
		close(mc.closed)
	})
	return nil
}

type MockAddr struct {
	id string
}

func (ma MockAddr) Network() string { return "mock" }
func (ma MockAddr) String() string  { return ma.id + ":50001" }

func (mc *MockConnection) LocalAddr() net.Addr {
	return MockAddr{id: mc.id}
}

func (mc *MockConnection) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 50001}
}

func (mc *MockConnection) SetDeadline(t time.Time) error {
	mc.SetReadDeadline(t)
	mc.SetWriteDeadline(t)
	return nil
}

func (mc *MockConnection) SetReadDeadline(t time.Time) error {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	mc.readDeadline = t
	return nil
}

func (mc *MockConnection) SetWriteDeadline(t time.Time) error {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	mc.writeDeadline = t
	return nil
}

// NewMockStratumConnection wires a StratumConnection to a MockConnection.
func NewMockStratumConnection(handler MessageHandler, logger *zap.Logger) (*StratumConnection, *MockConnection) {
	mc := NewMockConnection()
	return NewConnection(mc.id, mc, handler, logger), mc
}
