package pool

import (
	"context"
	"net"
	"sync"

	"github.com/Kali123411/stratum-proxy/src/gostratum"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MockUpstream is a scripted stratum pool listening on localhost, used by
// tests of everything that talks to a Pool. Dials before Start wait in the
// listen backlog.
type MockUpstream struct {
	Extranonce1     string
	Extranonce2Size int
	Difficulty      float64
	Job             []any
	// SubmitResult decides the answer to a mining.submit, nil accepts all.
	SubmitResult func(params []any) *gostratum.StratumError
	// Silent drops submits without answering.
	Silent bool
	// IgnoreExtranonceSubscribe leaves mining.extranonce.subscribe unanswered.
	IgnoreExtranonceSubscribe bool

	logger   *zap.Logger
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	conns   map[string]*gostratum.StratumConnection
	submits chan []any
	authCh  chan []any
}

func NewMockUpstream(logger *zap.Logger) (*MockUpstream, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.Wrap(err, "failed to listen")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &MockUpstream{
		Extranonce1:     "f000000f",
		Extranonce2Size: 4,
		Difficulty:      8,
		Job:             MockJobParams("1"),
		logger:          logger.With(zap.String("component", "mock-upstream")),
		listener:        listener,
		cancel:          cancel,
		conns:           make(map[string]*gostratum.StratumConnection),
		submits:         make(chan []any, 64),
		authCh:          make(chan []any, 8),
	}
	m.ctx = ctx
	return m, nil
}

// Start accepts clients. Configure the exported fields before calling it.
func (m *MockUpstream) Start() {
	go m.accept(m.ctx)
}

// MockJobParams builds mining.notify params for a job with the given id.
func MockJobParams(id string) []any {
	return []any{
		id,
		"0000000000000000000000000000000000000000000000000000000000000000",
		"01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff20",
		"ffffffff0100f2052a010000001976a914000000000000000000000000000000000000000088ac00000000",
		[]any{},
		"20000000",
		"1d00ffff",
		"495fab29",
		true,
	}
}

func (m *MockUpstream) Addr() string {
	return m.listener.Addr().String()
}

// Submits yields the params of every mining.submit received.
func (m *MockUpstream) Submits() <-chan []any {
	return m.submits
}

// Authorizations yields the params of every mining.authorize received.
func (m *MockUpstream) Authorizations() <-chan []any {
	return m.authCh
}

func (m *MockUpstream) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *MockUpstream) broadcast(method gostratum.StratumMethod, params []any) {
	m.mu.Lock()
	conns := make([]*gostratum.StratumConnection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Send(gostratum.NewNotification(method, params))
	}
}

func (m *MockUpstream) Notify(params []any) {
	m.broadcast(gostratum.StratumMethodNotify, params)
}

func (m *MockUpstream) SetDifficulty(diff float64) {
	m.broadcast(gostratum.StratumMethodSetDifficulty, []any{diff})
}

func (m *MockUpstream) SetExtranonce(en1 string, size int) {
	m.broadcast(gostratum.StratumMethodSetExtranonce, []any{en1, size})
}

// DropConnections closes every client socket, the listener stays up.
func (m *MockUpstream) DropConnections() {
	m.mu.Lock()
	conns := make([]*gostratum.StratumConnection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Disconnect()
	}
}

func (m *MockUpstream) Close() {
	m.cancel()
	m.listener.Close()
	m.DropConnections()
}

func (m *MockUpstream) accept(ctx context.Context) {
	for {
		c, err := m.listener.Accept()
		if err != nil {
			return
		}
		conn := gostratum.NewConnection(uuid.NewString(), c, m, m.logger)
		m.mu.Lock()
		m.conns[conn.Id] = conn
		m.mu.Unlock()
		go conn.Serve(ctx)
	}
}

func (m *MockUpstream) HandleRequest(conn *gostratum.StratumConnection, event gostratum.JsonRpcEvent) error {
	switch event.Method {
	case gostratum.StratumMethodSubscribe:
		return conn.ReplyResult(event.Id, []any{
			[]any{[]any{string(gostratum.StratumMethodNotify), "1"}},
			m.Extranonce1,
			m.Extranonce2Size,
		})
	case gostratum.StratumMethodExtranonceSubscribe:
		if m.IgnoreExtranonceSubscribe {
			return nil
		}
		return conn.ReplyResult(event.Id, true)
	case gostratum.StratumMethodAuthorize:
		select {
		case m.authCh <- event.Params:
		default:
		}
		if err := conn.ReplyResult(event.Id, true); err != nil {
			return err
		}
		if err := conn.Send(gostratum.NewNotification(gostratum.StratumMethodSetDifficulty, []any{m.Difficulty})); err != nil {
			return err
		}
		if m.Job != nil {
			return conn.Send(gostratum.NewNotification(gostratum.StratumMethodNotify, m.Job))
		}
		return nil
	case gostratum.StratumMethodSubmit:
		m.submits <- event.Params
		if m.Silent {
			return nil
		}
		if m.SubmitResult != nil {
			if rejectErr := m.SubmitResult(event.Params); rejectErr != nil {
				return conn.ReplyError(event.Id, rejectErr)
			}
		}
		return conn.ReplyResult(event.Id, true)
	}
	return conn.ReplyError(event.Id, gostratum.ErrUnknown)
}

func (m *MockUpstream) HandleNotification(_ *gostratum.StratumConnection, _ gostratum.JsonRpcEvent) error {
	return nil
}

func (m *MockUpstream) OnDisconnect(conn *gostratum.StratumConnection) {
	m.mu.Lock()
	delete(m.conns, conn.Id)
	m.mu.Unlock()
}
