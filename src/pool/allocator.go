package pool

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrTooManyWorkers      = errors.New("too many workers")
	ErrExtranonce2TooSmall = errors.New("pool extranonce2 size too small for tail")
)

// Tail is one slice of a pool's extranonce space handed to a worker
// connection. Hex is what gets appended to the pool extranonce1.
type Tail struct {
	Value uint32
	Hex   string
}

func (t Tail) String() string {
	return t.Hex
}

// ExtranonceAllocator hands out unique tails of a fixed byte width. The
// value space is [0, 2^bits-1), i.e. 2^bits-1 concurrent tails.
type ExtranonceAllocator struct {
	size     int
	capacity uint64

	mu   sync.Mutex
	used map[uint32]struct{}
}

// NewExtranonceAllocator creates an allocator for tails of size bytes (1..4).
func NewExtranonceAllocator(size int) *ExtranonceAllocator {
	if size < 1 {
		size = 1
	}
	if size > 4 {
		size = 4
	}
	return &ExtranonceAllocator{
		size:     size,
		capacity: (uint64(1) << (8 * uint(size))) - 1,
		used:     make(map[uint32]struct{}),
	}
}

// Size is the tail width in bytes.
func (a *ExtranonceAllocator) Size() int {
	return a.size
}

func (a *ExtranonceAllocator) Capacity() uint64 {
	return a.capacity
}

// Allocate returns the smallest free tail or ErrTooManyWorkers.
func (a *ExtranonceAllocator) Allocate() (Tail, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uint64(len(a.used)) >= a.capacity {
		return Tail{}, ErrTooManyWorkers
	}
	for v := uint64(0); v < a.capacity; v++ {
		if _, taken := a.used[uint32(v)]; !taken {
			a.used[uint32(v)] = struct{}{}
			return a.tail(uint32(v)), nil
		}
	}
	return Tail{}, ErrTooManyWorkers
}

// Release frees t. It reports false if t was not allocated.
func (a *ExtranonceAllocator) Release(t Tail) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.used[t.Value]; !ok {
		return false
	}
	delete(a.used, t.Value)
	return true
}

func (a *ExtranonceAllocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}

func (a *ExtranonceAllocator) tail(v uint32) Tail {
	return Tail{Value: v, Hex: fmt.Sprintf("%0*x", a.size*2, v)}
}
