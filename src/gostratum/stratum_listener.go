package gostratum

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// StratumClientListener decides what handles a freshly accepted socket.
// Returning a nil handler rejects the socket. OnConnected runs before the
// read loop starts.
type StratumClientListener interface {
	OnConnect(conn net.Conn, logger *zap.Logger) (MessageHandler, bool)
	OnConnected(conn *StratumConnection, handler MessageHandler)
}

type StratumStats struct {
	Connects    int64
	Disconnects int64
	Rejected    int64
}

type StratumListenerConfig struct {
	Logger         *zap.Logger
	ClientListener StratumClientListener
	Port           string
	// AcceptRate limits new sockets per second, zero disables the limit.
	AcceptRate  float64
	AcceptBurst int
}

type StratumListener struct {
	StratumListenerConfig
	shuttingDown int32
	stats        StratumStats
	limiter      *rate.Limiter
	workerGroup  sync.WaitGroup
	addr         atomic.Value // net.Addr
	ready        chan struct{}
}

func NewListener(cfg StratumListenerConfig) *StratumListener {
	listener := &StratumListener{
		StratumListenerConfig: cfg,
		ready:                 make(chan struct{}),
	}

	listener.Logger = listener.Logger.With(
		zap.String("component", "stratum"),
		zap.String("address", listener.Port),
	)

	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		listener.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}

	return listener
}

func (s *StratumListener) Listen(ctx context.Context) error {
	atomic.StoreInt32(&s.shuttingDown, 0)

	lc := net.ListenConfig{}
	server, err := lc.Listen(ctx, "tcp", s.Port)
	if err != nil {
		return errors.Wrapf(err, "failed listening to socket %s", s.Port)
	}
	defer server.Close()
	s.addr.Store(server.Addr())
	close(s.ready)

	s.workerGroup.Add(1)
	go s.tcpListener(ctx, server)

	<-ctx.Done()

	atomic.StoreInt32(&s.shuttingDown, 1)
	server.Close()
	s.workerGroup.Wait()
	return context.Canceled
}

// Addr blocks until the listener is bound and returns the bound address.
func (s *StratumListener) Addr() net.Addr {
	<-s.ready
	return s.addr.Load().(net.Addr)
}

func (s *StratumListener) Stats() StratumStats {
	return StratumStats{
		Connects:    atomic.LoadInt64(&s.stats.Connects),
		Disconnects: atomic.LoadInt64(&s.stats.Disconnects),
		Rejected:    atomic.LoadInt64(&s.stats.Rejected),
	}
}

func (s *StratumListener) newClient(ctx context.Context, connection net.Conn) {
	if s.limiter != nil && !s.limiter.Allow() {
		atomic.AddInt64(&s.stats.Rejected, 1)
		s.Logger.Warn("accept rate exceeded, dropping connection",
			zap.String("remote", connection.RemoteAddr().String()))
		connection.Close()
		return
	}

	id := uuid.NewString()
	addr, _ := splitRemoteAddr(connection.RemoteAddr())
	logger := s.Logger.With(zap.String("client", addr), zap.String("conn_id", id))

	handler, ok := s.ClientListener.OnConnect(connection, logger)
	if !ok || handler == nil {
		atomic.AddInt64(&s.stats.Rejected, 1)
		connection.Close()
		return
	}

	clientConnection := NewConnection(id, connection, &countingHandler{MessageHandler: handler, stats: &s.stats}, logger)
	atomic.AddInt64(&s.stats.Connects, 1)
	s.Logger.Info("new client connecting", zap.String("client", addr))

	s.ClientListener.OnConnected(clientConnection, handler)

	go clientConnection.Serve(ctx)
}

func (s *StratumListener) tcpListener(ctx context.Context, server net.Listener) {
	defer s.workerGroup.Done()

	for {
		connection, err := server.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.shuttingDown) == 1 || ctx.Err() != nil {
				s.Logger.Info("server shutting down, stopping listener")
				return
			}
			s.Logger.Error("failed to accept incoming connection", zap.Error(err))
			continue
		}
		s.newClient(ctx, connection)
	}
}

type countingHandler struct {
	MessageHandler
	stats *StratumStats
}

func (h *countingHandler) OnDisconnect(conn *StratumConnection) {
	atomic.AddInt64(&h.stats.Disconnects, 1)
	h.MessageHandler.OnDisconnect(conn)
}
