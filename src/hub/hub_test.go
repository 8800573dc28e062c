package hub

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Kali123411/stratum-proxy/src/gostratum"
	"github.com/Kali123411/stratum-proxy/src/pool"
	"github.com/Kali123411/stratum-proxy/src/scheduler"
	"github.com/Kali123411/stratum-proxy/src/stats"
	"github.com/Kali123411/stratum-proxy/src/strategy"
	"github.com/Kali123411/stratum-proxy/src/worker"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingStore struct {
	mu     sync.Mutex
	saved  [][]stats.Snapshot
	pruned []time.Time
}

func (s *recordingStore) SaveSnapshots(_ context.Context, snaps []stats.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, snaps)
	return nil
}

func (s *recordingStore) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruned = append(s.pruned, before)
	return 0, nil
}

func newTestHub(t *testing.T, cfg Config) *Hub {
	logger := zaptest.NewLogger(t)
	sched := scheduler.New(logger, 2)
	t.Cleanup(sched.Stop)
	h, err := New(context.Background(), cfg, sched, logger)
	require.NoError(t, err)
	t.Cleanup(func() { h.Stop(context.Background()) })
	return h
}

// mockPool registers a pool that never dials and marks it up and stable.
func mockPool(t *testing.T, h *Hub, name string, priority int) *pool.Pool {
	p := pool.NewMockPool(pool.Config{Name: name, Priority: priority, Weight: 1, Enabled: true}, h, h.sched, zaptest.NewLogger(t))
	require.NoError(t, h.addPool(p))
	p.MockStatus(true, true)
	return p
}

func upstreamPool(t *testing.T, h *Hub, name string, priority int) (*pool.Pool, *pool.MockUpstream) {
	upstream, err := pool.NewMockUpstream(zaptest.NewLogger(t))
	require.NoError(t, err)
	upstream.Start()
	t.Cleanup(upstream.Close)

	p, err := h.AddPool(pool.Config{Name: name, Host: upstream.Addr(), User: "proxy", Password: "x", Priority: priority, Enabled: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Eligible() && p.State().Job != nil }, 3*time.Second, 10*time.Millisecond)
	return p, upstream
}

func connect(t *testing.T, h *Hub) (*worker.Connection, *gostratum.MockConnection) {
	logger := zaptest.NewLogger(t)
	c := worker.New(h, h.sched, h.workerOptions(), logger)
	sc, mc := gostratum.NewMockStratumConnection(c, logger)
	h.OnConnected(sc, c)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sc.Serve(ctx)
	return c, mc
}

func readMessage(t *testing.T, mc *gostratum.MockConnection) gostratum.JsonRpcMessage {
	t.Helper()
	line, err := mc.NextLine(3 * time.Second)
	require.NoError(t, err)
	msg, err := gostratum.UnmarshalMessage([]byte(line))
	require.NoError(t, err, line)
	return msg
}

// subscribe runs mining.subscribe and consumes the reply plus the initial
// notifications, one for mock pools (no job) and two for upstream pools.
func subscribe(t *testing.T, mc *gostratum.MockConnection, extranonce bool, initial int) gostratum.JsonRpcMessage {
	t.Helper()
	if extranonce {
		mc.PushLine(`{"id":100,"method":"mining.extranonce.subscribe","params":[]}`)
		require.Equal(t, true, readMessage(t, mc).Result)
	}
	mc.PushLine(`{"id":1,"method":"mining.subscribe","params":["cgminer/4.11"]}`)
	reply := readMessage(t, mc)
	require.Nil(t, reply.Error)
	for i := 0; i < initial; i++ {
		readMessage(t, mc)
	}
	return reply
}

func authorize(t *testing.T, mc *gostratum.MockConnection, name string) gostratum.JsonRpcMessage {
	t.Helper()
	mc.PushLine(`{"id":2,"method":"mining.authorize","params":["` + name + `","x"]}`)
	return readMessage(t, mc)
}

func TestSubscribeBindsToStrategyPool(t *testing.T) {
	h := newTestHub(t, Config{})
	a := mockPool(t, h, "A", 0)
	b := mockPool(t, h, "B", 1)

	c, mc := connect(t, h)
	subscribe(t, mc, false, 1)

	assert.Same(t, a, h.PoolOf(c))
	assert.Same(t, a, c.Pool())
	assert.Equal(t, []*worker.Connection{c}, h.Connections(a))
	assert.Empty(t, h.Connections(b))
	assert.Equal(t, 1, a.TailsInUse())
	assert.Equal(t, 1, h.ConnectionCount())
	assert.True(t, h.Ready())

	c.Close()
	assert.Equal(t, 0, h.ConnectionCount())
	assert.Nil(t, h.PoolOf(c))
	assert.Equal(t, 0, a.TailsInUse())
}

func TestSubscribeWithoutPoolIsRefused(t *testing.T) {
	h := newTestHub(t, Config{})
	assert.False(t, h.Ready())

	c, mc := connect(t, h)
	mc.PushLine(`{"id":1,"method":"mining.subscribe","params":[]}`)
	reply := readMessage(t, mc)
	require.NotNil(t, reply.Error)
	assert.Equal(t, strategy.ErrNoPoolAvailable.Error(), reply.Error.Message)
	require.Eventually(t, func() bool { return c.State() == worker.StateClosed }, time.Second, 10*time.Millisecond)
	assert.True(t, mc.IsClosed())
	assert.Equal(t, 0, h.ConnectionCount())
}

func TestPoolDownMovesCapableWorkersAndClosesOthers(t *testing.T) {
	h := newTestHub(t, Config{})
	a := mockPool(t, h, "A", 0)
	b := mockPool(t, h, "B", 1)

	mover, moverConn := connect(t, h)
	subscribe(t, moverConn, true, 1)
	stayer, stayerConn := connect(t, h)
	subscribe(t, stayerConn, false, 1)
	require.Len(t, h.Connections(a), 2)

	a.MockStatus(false, false)

	assert.Same(t, b, h.PoolOf(mover))
	assert.Same(t, b, mover.Pool())
	setExtranonce := readMessage(t, moverConn)
	assert.Equal(t, gostratum.StratumMethodSetExtranonce, setExtranonce.Method)
	assert.Empty(t, cmp.Diff([]any{"f000000f00", float64(3)}, setExtranonce.Params))
	assert.Equal(t, gostratum.StratumMethodSetDifficulty, readMessage(t, moverConn).Method)

	require.Eventually(t, stayerConn.IsClosed, time.Second, 10*time.Millisecond)
	assert.Equal(t, worker.StateClosed, stayer.State())
	assert.Empty(t, h.Connections(a))
	assert.Equal(t, 0, a.TailsInUse())
	assert.Equal(t, 1, b.TailsInUse())

	// back up: nothing happens until the pool is stable again
	a.MockStatus(true, false)
	assert.Same(t, b, h.PoolOf(mover))
	a.MockStatus(true, true)
	assert.Same(t, a, h.PoolOf(mover))
	assert.Equal(t, 0, b.TailsInUse())
}

func TestFanOutFollowsUpstream(t *testing.T) {
	h := newTestHub(t, Config{})
	p, upstream := upstreamPool(t, h, "main", 0)

	c, mc := connect(t, h)
	reply := subscribe(t, mc, true, 2)
	result, ok := reply.Result.([]any)
	require.True(t, ok)
	assert.Equal(t, "f000000f00", result[1])

	upstream.Notify(pool.MockJobParams("2"))
	job := readMessage(t, mc)
	assert.Equal(t, gostratum.StratumMethodNotify, job.Method)
	assert.Equal(t, "2", job.Params[0])

	upstream.SetDifficulty(64)
	diff := readMessage(t, mc)
	assert.Empty(t, cmp.Diff([]any{float64(64)}, diff.Params))
	assert.Equal(t, float64(64), c.Difficulty())

	upstream.SetExtranonce("abcdef01", 6)
	msg := readMessage(t, mc)
	assert.Equal(t, gostratum.StratumMethodSetExtranonce, msg.Method)
	assert.Empty(t, cmp.Diff([]any{"abcdef0100", float64(5)}, msg.Params))

	// no room left for the worker: it is dropped rather than left inconsistent
	upstream.SetExtranonce("abcdef01", 1)
	require.Eventually(t, func() bool { return len(h.Connections(p)) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, mc.IsClosed())
}

func TestSubmitUpdatesAllCounters(t *testing.T) {
	h := newTestHub(t, Config{})
	p, upstream := upstreamPool(t, h, "main", 0)

	c, mc := connect(t, h)
	subscribe(t, mc, false, 2)
	require.Equal(t, true, authorize(t, mc, "alice").Result)

	mc.PushLine(`{"id":5,"method":"mining.submit","params":["alice","1","000001","495fab29","00000000"]}`)
	select {
	case params := <-upstream.Submits():
		assert.Empty(t, cmp.Diff([]any{"proxy", "1", "00000001", "495fab29", "00000000"}, params))
	case <-time.After(3 * time.Second):
		t.Fatal("share not forwarded")
	}
	reply := readMessage(t, mc)
	assert.Equal(t, true, reply.Result)

	assert.Equal(t, int64(1), c.Shares.AcceptedCount.Load())
	assert.Equal(t, int64(1), p.Shares.AcceptedCount.Load())
	users := h.UserStats(time.Now())
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Name)
	assert.Equal(t, 1, users[0].Connections)
	assert.Equal(t, int64(1), users[0].Shares.Accepted)

	bindings := h.ListBindings(time.Now())
	require.Len(t, bindings, 1)
	assert.Equal(t, "main", bindings[0].Pool)
	assert.Equal(t, []string{"alice"}, bindings[0].Names)
	assert.Equal(t, "00", bindings[0].Tail)
}

func TestSubmitToInactivePoolIsRejectedLocally(t *testing.T) {
	h := newTestHub(t, Config{})
	p := pool.NewMockPool(pool.Config{Name: "idle", Enabled: true}, h, h.sched, zaptest.NewLogger(t))
	c := worker.New(h, h.sched, h.workerOptions(), zaptest.NewLogger(t))
	require.NoError(t, h.OnAuthorize(c, "alice", ""))

	var accepted bool
	var rejectErr *gostratum.StratumError
	h.OnSubmit(c, worker.Share{WorkerName: "alice", JobId: "1", Difficulty: 4, Pool: p}, func(ok bool, err *gostratum.StratumError) {
		accepted, rejectErr = ok, err
	})
	assert.False(t, accepted)
	require.NotNil(t, rejectErr)
	assert.Equal(t, gostratum.ErrCodeUnknown, rejectErr.Code)
	assert.Equal(t, int64(1), c.Shares.RejectedCount.Load())
	assert.Equal(t, int64(1), p.Shares.RejectedCount.Load())

	user, ok := h.users.Get("alice")
	require.True(t, ok)
	assert.Equal(t, int64(1), user.Shares.RejectedCount.Load())
}

func TestLocallyRejectedShareSkipsThePool(t *testing.T) {
	h := newTestHub(t, Config{})
	p := mockPool(t, h, "A", 0)
	c := worker.New(h, h.sched, h.workerOptions(), zaptest.NewLogger(t))
	require.NoError(t, h.OnAuthorize(c, "alice", ""))

	var rejectErr *gostratum.StratumError
	h.OnSubmit(c, worker.Share{WorkerName: "alice", Pool: p, LocalReject: gostratum.ErrLowDifficultyShare},
		func(_ bool, err *gostratum.StratumError) { rejectErr = err })
	assert.Same(t, gostratum.ErrLowDifficultyShare, rejectErr)
	assert.Equal(t, int64(1), c.Shares.RejectedCount.Load())
	assert.Equal(t, int64(0), p.Shares.RejectedCount.Load())
}

func TestBanAndKick(t *testing.T) {
	h := newTestHub(t, Config{BannedUsers: []string{"mallory"}})
	mockPool(t, h, "A", 0)

	_, mc := connect(t, h)
	subscribe(t, mc, false, 1)
	reply := authorize(t, mc, "mallory")
	require.NotNil(t, reply.Error)
	assert.Equal(t, gostratum.ErrCodeUnauthorizedWorker, reply.Error.Code)
	assert.False(t, mc.IsClosed())

	require.Equal(t, true, authorize(t, mc, "alice").Result)
	assert.Equal(t, 1, h.BanUser("alice"))
	require.Eventually(t, mc.IsClosed, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"alice", "mallory"}, h.BannedUsers())

	h.UnbanUser("alice")
	_, mc = connect(t, h)
	subscribe(t, mc, false, 1)
	require.Equal(t, true, authorize(t, mc, "alice").Result)
	assert.Equal(t, 1, h.KickAddress("127.0.0.1"))
	require.Eventually(t, mc.IsClosed, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.KickUser("alice"))
}

func TestAuthorizeAfterCloseLeavesNoUserLink(t *testing.T) {
	h := newTestHub(t, Config{})
	mockPool(t, h, "A", 0)

	c, mc := connect(t, h)
	subscribe(t, mc, false, 1)
	c.Close()
	require.Equal(t, worker.StateClosed, c.State())

	assert.ErrorIs(t, h.OnAuthorize(c, "bob", "x"), gostratum.ErrorDisconnected)
	for _, u := range h.UserStats(time.Now()) {
		assert.Zero(t, u.Connections, u.Name)
	}
	assert.Equal(t, 0, h.KickUser("bob"))
}

func TestListenerRefusesBannedAddresses(t *testing.T) {
	h := newTestHub(t, Config{})
	mockPool(t, h, "A", 0)

	listener := gostratum.NewListener(gostratum.StratumListenerConfig{
		Logger:         zaptest.NewLogger(t),
		ClientListener: h,
		Port:           "127.0.0.1:0",
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Listen(ctx)
	addr := listener.Addr().String()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = conn.Write([]byte(`{"id":1,"method":"mining.subscribe","params":[]}` + "\n"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	msg, err := gostratum.UnmarshalMessage([]byte(line))
	require.NoError(t, err)
	assert.Nil(t, msg.Error)
	conn.Close()

	h.BanAddress("127.0.0.1")
	conn, err = net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = bufio.NewReader(conn).ReadString('\n')
	assert.Error(t, err, "banned peers are closed without a word")
	require.Eventually(t, func() bool { return listener.Stats().Rejected == 1 }, time.Second, 10*time.Millisecond)
}

func TestAdministrativePoolChanges(t *testing.T) {
	h := newTestHub(t, Config{})
	a := mockPool(t, h, "A", 0)
	b := mockPool(t, h, "B", 1)

	c, mc := connect(t, h)
	subscribe(t, mc, true, 1)
	require.Same(t, a, h.PoolOf(c))

	require.NoError(t, h.DisablePool("A"))
	assert.Same(t, b, h.PoolOf(c))
	require.NoError(t, h.EnablePool("A"))
	assert.Same(t, a, h.PoolOf(c))

	require.NoError(t, h.SetPoolPriority("B", -1))
	assert.Same(t, b, h.PoolOf(c))
	require.NoError(t, h.SetPoolWeight("B", 5))
	assert.Equal(t, 5, b.Weight())

	require.NoError(t, h.RemovePool("B"))
	assert.Nil(t, h.Pool("B"))
	assert.Same(t, a, h.PoolOf(c))
	assert.Equal(t, 0, b.TailsInUse())

	assert.ErrorIs(t, h.RemovePool("B"), ErrPoolNotFound)
	assert.ErrorIs(t, h.EnablePool("nope"), ErrPoolNotFound)
	_, err := h.AddPool(pool.Config{Name: "A", Host: "127.0.0.1:1"})
	assert.ErrorIs(t, err, ErrPoolExists)

	infos := h.PoolStats(time.Now())
	require.Len(t, infos, 1)
	assert.Equal(t, "A", infos[0].Name)
	assert.Equal(t, 1, infos[0].Tails)
}

func TestSetStrategy(t *testing.T) {
	h := newTestHub(t, Config{})
	mockPool(t, h, "A", 0)
	assert.Equal(t, strategy.PriorityFailoverName, h.StrategyName())

	err := h.SetStrategy("nope", nil)
	assert.ErrorIs(t, err, strategy.ErrUnknownStrategy)
	assert.Equal(t, strategy.PriorityFailoverName, h.StrategyName())

	require.NoError(t, h.SetStrategy(strategy.WeightedRoundRobinName, map[string]string{"roundDuration": "10m"}))
	assert.Equal(t, strategy.WeightedRoundRobinName, h.StrategyName())
	var round string
	for _, param := range h.StrategyParameters() {
		if param.Name == "roundDuration" {
			round = param.Value
		}
	}
	assert.Equal(t, "10m0s", round)

	c, mc := connect(t, h)
	subscribe(t, mc, false, 1)
	require.NoError(t, h.SetStrategy(strategy.QuotaRotationName, nil))
	assert.NotNil(t, h.PoolOf(c), "the only pool keeps its workers")
}

func TestMaintenanceWritesSnapshots(t *testing.T) {
	store := &recordingStore{}
	h := newTestHub(t, Config{Store: store, SnapshotRetention: time.Hour})
	mockPool(t, h, "A", 0)
	c := worker.New(h, h.sched, h.workerOptions(), zaptest.NewLogger(t))
	require.NoError(t, h.OnAuthorize(c, "alice", ""))

	h.runMaintenance()

	store.mu.Lock()
	require.Len(t, store.saved, 1)
	kinds := map[string]string{}
	for _, snap := range store.saved[0] {
		kinds[snap.Name] = snap.Kind
	}
	require.Len(t, store.pruned, 1)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), store.pruned[0], time.Minute)
	store.mu.Unlock()
	assert.Equal(t, map[string]string{"A": stats.KindPool, "alice": stats.KindUser}, kinds)
}

func TestStopClosesEverything(t *testing.T) {
	store := &recordingStore{}
	h := newTestHub(t, Config{Store: store})
	mockPool(t, h, "A", 0)
	_, mc := connect(t, h)
	subscribe(t, mc, false, 1)

	require.NoError(t, h.Stop(context.Background()))
	require.NoError(t, h.Stop(context.Background()))
	require.Eventually(t, mc.IsClosed, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.ConnectionCount())
	store.mu.Lock()
	assert.Len(t, store.saved, 1)
	store.mu.Unlock()
}
