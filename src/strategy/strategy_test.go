package strategy

import (
	"sync"
	"testing"
	"time"

	"github.com/Kali123411/stratum-proxy/src/pool"
	"github.com/Kali123411/stratum-proxy/src/scheduler"
	"github.com/Kali123411/stratum-proxy/src/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type fakeManager struct {
	mu       sync.Mutex
	pools    []*pool.Pool
	bindings map[*worker.Connection]*pool.Pool
	order    []*worker.Connection
	refuse   map[*worker.Connection]bool
	closed   []*worker.Connection
	sched    *scheduler.Scheduler
}

func newFakeManager(t *testing.T, pools ...*pool.Pool) *fakeManager {
	sched := scheduler.New(zaptest.NewLogger(t), 1)
	t.Cleanup(sched.Stop)
	return &fakeManager{
		pools:    pools,
		bindings: make(map[*worker.Connection]*pool.Pool),
		refuse:   make(map[*worker.Connection]bool),
		sched:    sched,
	}
}

func (m *fakeManager) Pools() []*pool.Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*pool.Pool(nil), m.pools...)
}

func (m *fakeManager) Connections(p *pool.Pool) []*worker.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	var conns []*worker.Connection
	for _, c := range m.order {
		if bound, ok := m.bindings[c]; ok && bound == p {
			conns = append(conns, c)
		}
	}
	return conns
}

func (m *fakeManager) AllConnections() []*worker.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	var conns []*worker.Connection
	for _, c := range m.order {
		if _, ok := m.bindings[c]; ok {
			conns = append(conns, c)
		}
	}
	return conns
}

func (m *fakeManager) PoolOf(c *worker.Connection) *pool.Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bindings[c]
}

func (m *fakeManager) SwitchConnection(c *worker.Connection, p *pool.Pool) error {
	m.mu.Lock()
	refused := m.refuse[c]
	m.mu.Unlock()
	if refused {
		m.CloseConnection(c)
		return worker.ErrChangeNotSupported
	}
	m.mu.Lock()
	m.bindings[c] = p
	m.mu.Unlock()
	return nil
}

func (m *fakeManager) CloseConnection(c *worker.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bindings[c]; ok {
		delete(m.bindings, c)
		m.closed = append(m.closed, c)
	}
}

func (m *fakeManager) Scheduler() *scheduler.Scheduler {
	return m.sched
}

func (m *fakeManager) bind(t *testing.T, p *pool.Pool) *worker.Connection {
	c := worker.New(nil, m.sched, worker.Options{}, zaptest.NewLogger(t))
	m.mu.Lock()
	m.bindings[c] = p
	m.order = append(m.order, c)
	m.mu.Unlock()
	return c
}

func (m *fakeManager) removePool(p *pool.Pool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, candidate := range m.pools {
		if candidate == p {
			m.pools = append(m.pools[:i], m.pools[i+1:]...)
			return
		}
	}
}

func mockPool(t *testing.T, name string, priority, weight int, active, stable bool) *pool.Pool {
	logger := zaptest.NewLogger(t)
	sched := scheduler.New(logger, 1)
	t.Cleanup(sched.Stop)
	p := pool.NewMockPool(pool.Config{Name: name, Priority: priority, Weight: weight, Enabled: true}, nil, sched, logger)
	p.MockStatus(active, stable)
	return p
}

func TestPriorityFailoverDeterminism(t *testing.T) {
	a := mockPool(t, "A", 0, 1, false, false)
	b := mockPool(t, "B", 1, 1, true, true)
	c := mockPool(t, "C", 2, 1, true, true)
	m := newFakeManager(t, a, b, c)

	s, err := NewPriorityFailover(m, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	got, err := s.PoolForConnection(nil)
	require.NoError(t, err)
	assert.Same(t, b, got)

	conn1 := m.bind(t, b)
	conn2 := m.bind(t, b)

	b.MockStatus(false, false)
	s.OnPoolDown(b)
	got, err = s.PoolForConnection(nil)
	require.NoError(t, err)
	assert.Same(t, c, got)
	assert.Same(t, c, m.PoolOf(conn1))
	assert.Same(t, c, m.PoolOf(conn2))

	b.MockStatus(true, false)
	s.OnPoolUp(b)
	got, _ = s.PoolForConnection(nil)
	assert.Same(t, c, got, "a recovered pool waits for the stable signal")

	b.MockStatus(true, true)
	s.OnPoolStable(b)
	got, _ = s.PoolForConnection(nil)
	assert.Same(t, b, got)
	assert.Same(t, b, m.PoolOf(conn1))
}

func TestPriorityFailoverFollowsPriorityChanges(t *testing.T) {
	a := mockPool(t, "A", 0, 1, true, true)
	b := mockPool(t, "B", 1, 1, true, true)
	m := newFakeManager(t, a, b)
	s, err := NewPriorityFailover(m, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	s.Start()
	assert.Same(t, a, s.Current())

	b.SetPriority(-1)
	s.OnPoolUpdated(b)
	assert.Same(t, b, s.Current())

	b.SetEnabled(false)
	s.OnPoolUpdated(b)
	assert.Same(t, a, s.Current())
}

func TestMonoClosesConnectionsThatCannotMove(t *testing.T) {
	a := mockPool(t, "A", 0, 1, true, true)
	b := mockPool(t, "B", 1, 1, true, true)
	m := newFakeManager(t, a, b)
	s, err := NewPriorityFailover(m, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	s.Start()

	movable := m.bind(t, a)
	stuck := m.bind(t, a)
	m.refuse[stuck] = true

	a.MockStatus(false, false)
	s.OnPoolDown(a)
	assert.Same(t, b, m.PoolOf(movable))
	assert.Nil(t, m.PoolOf(stuck))
	assert.Equal(t, []*worker.Connection{stuck}, m.closed)
}

func TestNoPoolAvailable(t *testing.T) {
	a := mockPool(t, "A", 0, 1, true, true)
	m := newFakeManager(t, a)
	s, err := NewPriorityFailover(m, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	s.Start()
	conn := m.bind(t, a)

	a.MockStatus(false, false)
	s.OnPoolDown(a)
	_, err = s.PoolForConnection(nil)
	assert.ErrorIs(t, err, ErrNoPoolAvailable)
	assert.Nil(t, m.PoolOf(conn))
	assert.Len(t, m.closed, 1)
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRoundRobin(t *testing.T, m *fakeManager, clock *fakeClock) *WeightedRoundRobin {
	s, err := NewWeightedRoundRobin(m, map[string]string{"roundDuration": "1000ms", "tickInterval": "1h"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	s.now = clock.Now
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func TestWeightedRoundRobinProportionality(t *testing.T) {
	a := mockPool(t, "A", 0, 3, true, true)
	b := mockPool(t, "B", 0, 1, true, true)
	m := newFakeManager(t, a, b)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s := newTestRoundRobin(t, m, clock)

	conn := m.bind(t, a)
	onA := 0
	const ticks = 50 * 100
	for i := 0; i < ticks; i++ {
		if s.Current() == a {
			onA++
		}
		clock.Advance(10 * time.Millisecond)
		s.tick()
	}
	assert.InDelta(t, 0.75, float64(onA)/ticks, 0.01)
	assert.Same(t, s.Current(), m.PoolOf(conn), "bound connections follow the current pool")
}

func TestWeightedRoundRobinRecomputesOnRemoval(t *testing.T) {
	a := mockPool(t, "A", 0, 3, true, true)
	b := mockPool(t, "B", 0, 1, true, true)
	m := newFakeManager(t, a, b)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s := newTestRoundRobin(t, m, clock)

	for i := 0; i < 80; i++ {
		clock.Advance(10 * time.Millisecond)
		s.tick()
	}
	require.Same(t, b, s.Current())

	m.removePool(b)
	s.OnPoolRemoved(b)
	assert.Same(t, a, s.Current(), "the only pool left owns the whole round")

	for i := 0; i < 150; i++ {
		clock.Advance(10 * time.Millisecond)
		s.tick()
		require.Same(t, a, s.Current())
	}
}

func TestRandomPicksAmongEligible(t *testing.T) {
	a := mockPool(t, "A", 0, 1, true, true)
	b := mockPool(t, "B", 0, 1, false, false)
	c := mockPool(t, "C", 0, 1, true, true)
	m := newFakeManager(t, a, b, c)

	s, err := NewRandom(m, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	draws := []int{1, 0}
	s.intn = func(n int) int {
		require.Equal(t, 2, n)
		d := draws[0]
		draws = draws[1:]
		return d
	}
	s.Start()
	assert.Same(t, c, s.Current())

	s.OnPoolUpdated(a)
	assert.Same(t, a, s.Current())
}

func TestQuotaRotation(t *testing.T) {
	a := mockPool(t, "A", 0, 3, true, true)
	b := mockPool(t, "B", 0, 1, true, true)
	m := newFakeManager(t, a, b)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}

	s, err := NewQuotaRotation(m, map[string]string{"period": "1000ms", "checkInterval": "1h"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	s.now = clock.Now
	s.Start()
	defer s.Stop()

	c1 := worker.New(nil, m.sched, worker.Options{}, zaptest.NewLogger(t))
	c2 := worker.New(nil, m.sched, worker.Options{}, zaptest.NewLogger(t))
	p1, err := s.PoolForConnection(c1)
	require.NoError(t, err)
	p2, err := s.PoolForConnection(c2)
	require.NoError(t, err)
	assert.Same(t, a, p1)
	assert.Same(t, b, p2, "new connections spread over the quota list")
	m.mu.Lock()
	m.bindings[c1], m.bindings[c2] = p1, p2
	m.order = append(m.order, c1, c2)
	m.mu.Unlock()

	clock.Advance(300 * time.Millisecond)
	s.check(c1)
	s.check(c2)
	assert.Same(t, a, m.PoolOf(c1), "750ms slice not spent yet")
	assert.Same(t, a, m.PoolOf(c2), "250ms slice spent, wraps to A")

	clock.Advance(400 * time.Millisecond)
	s.check(c1)
	assert.Same(t, a, m.PoolOf(c1))
	clock.Advance(100 * time.Millisecond)
	s.check(c1)
	assert.Same(t, b, m.PoolOf(c1))

	b.MockStatus(false, false)
	s.OnPoolDown(b)
	assert.Same(t, a, m.PoolOf(c1))

	m.CloseConnection(c2)
	s.check(c2)
	s.mu.Lock()
	_, tracked := s.schedules[c2]
	s.mu.Unlock()
	assert.False(t, tracked, "closed connections stop rotating")
}

func TestFactory(t *testing.T) {
	m := newFakeManager(t)
	logger := zap.NewNop()

	for _, name := range Names() {
		s, err := New(name, m, nil, logger)
		require.NoError(t, err, name)
		assert.Equal(t, name, s.Name())
	}

	_, err := New("round-robin-ish", m, nil, logger)
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	_, err = New(WeightedRoundRobinName, m, map[string]string{"roundDuration": "soon"}, logger)
	assert.Error(t, err)
	_, err = New(PriorityFailoverName, m, map[string]string{"foo": "bar"}, logger)
	assert.Error(t, err)

	s, err := New(WeightedRoundRobinName, m, map[string]string{"roundDuration": "10m"}, logger)
	require.NoError(t, err)
	params := s.ConfigurationParameters()
	require.Len(t, params, 2)
	assert.Equal(t, "10m0s", params[0].Value)
	assert.Equal(t, "1s", params[1].Value)
}
