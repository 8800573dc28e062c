package gostratum

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MessageHandler receives the classified messages of one connection. All
// calls for a given connection come from its read loop, in arrival order.
type MessageHandler interface {
	HandleRequest(conn *StratumConnection, event JsonRpcEvent) error
	HandleNotification(conn *StratumConnection, event JsonRpcEvent) error
	OnDisconnect(conn *StratumConnection)
}

// ResponseCallback is invoked once per request: with the correlated response,
// or with an error when the request expired or the connection went away.
type ResponseCallback func(resp JsonRpcResponse, err error)

type pendingRequest struct {
	event    JsonRpcEvent
	callback ResponseCallback
	sentAt   time.Time
}

type StratumConnection struct {
	Id         string
	RemoteAddr string
	RemotePort int
	Logger     *zap.Logger
	State      any

	connection    net.Conn
	handler       MessageHandler
	disconnecting uint32
	writeLock     sync.Mutex
	writeTimeout  time.Duration

	pendingLock sync.Mutex
	pending     map[string]*pendingRequest
	nextId      atomic.Uint64
}

type ContextSummary struct {
	Id         string
	RemoteAddr string
	RemotePort int
}

var (
	ErrorDisconnected   = fmt.Errorf("disconnecting")
	ErrorRequestTimeout = fmt.Errorf("request timed out")
)

const defaultWriteTimeout = 5 * time.Second

// NewConnection wraps an established socket. The caller starts the read loop
// with Serve.
func NewConnection(id string, connection net.Conn, handler MessageHandler, logger *zap.Logger) *StratumConnection {
	addr, port := splitRemoteAddr(connection.RemoteAddr())
	return &StratumConnection{
		Id:           id,
		RemoteAddr:   addr,
		RemotePort:   port,
		Logger:       logger,
		connection:   connection,
		handler:      handler,
		writeTimeout: defaultWriteTimeout,
		pending:      make(map[string]*pendingRequest),
	}
}

func splitRemoteAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func (sc *StratumConnection) Connected() bool {
	return atomic.LoadUint32(&sc.disconnecting) == 0
}

func (sc *StratumConnection) Summary() ContextSummary {
	return ContextSummary{
		Id:         sc.Id,
		RemoteAddr: sc.RemoteAddr,
		RemotePort: sc.RemotePort,
	}
}

func (sc *StratumConnection) String() string {
	return fmt.Sprintf("%s:%d", sc.RemoteAddr, sc.RemotePort)
}

func (sc *StratumConnection) Reply(response JsonRpcResponse) error {
	if !sc.Connected() {
		return ErrorDisconnected
	}
	encoded, err := fastJSONMarshal(response)
	if err != nil {
		return errors.Wrap(err, "failed encoding jsonrpc response")
	}
	return sc.write(append(encoded, '\n'))
}

func (sc *StratumConnection) ReplyResult(id any, result any) error {
	return sc.Reply(JsonRpcResponse{Id: id, Result: result})
}

func (sc *StratumConnection) ReplyError(id any, stratumErr *StratumError) error {
	return sc.Reply(JsonRpcResponse{Id: id, Result: nil, Error: stratumErr})
}

// Send writes a request or notification without tracking a response.
func (sc *StratumConnection) Send(event JsonRpcEvent) error {
	if !sc.Connected() {
		return ErrorDisconnected
	}
	encoded, err := fastJSONMarshal(event)
	if err != nil {
		return errors.Wrap(err, "failed encoding jsonrpc event")
	}
	return sc.write(append(encoded, '\n'))
}

// Request sends event with a locally generated id and registers cb for the
// response. cb is not invoked when the write itself fails.
func (sc *StratumConnection) Request(event JsonRpcEvent, cb ResponseCallback) (any, error) {
	if !sc.Connected() {
		return nil, ErrorDisconnected
	}
	id := sc.nextId.Add(1)
	event.Id = id
	key := IdKey(id)

	sc.pendingLock.Lock()
	sc.pending[key] = &pendingRequest{event: event, callback: cb, sentAt: time.Now()}
	sc.pendingLock.Unlock()

	if err := sc.Send(event); err != nil {
		sc.takePending(key)
		return nil, err
	}
	return id, nil
}

// ExpireRequest drops an outstanding request and fails its callback with
// ErrorRequestTimeout. It reports false if the response already arrived.
func (sc *StratumConnection) ExpireRequest(id any) bool {
	req := sc.takePending(IdKey(id))
	if req == nil {
		return false
	}
	if req.callback != nil {
		req.callback(JsonRpcResponse{Id: id}, ErrorRequestTimeout)
	}
	return true
}

func (sc *StratumConnection) PendingCount() int {
	sc.pendingLock.Lock()
	defer sc.pendingLock.Unlock()
	return len(sc.pending)
}

func (sc *StratumConnection) takePending(key string) *pendingRequest {
	sc.pendingLock.Lock()
	defer sc.pendingLock.Unlock()
	req, ok := sc.pending[key]
	if !ok {
		return nil
	}
	delete(sc.pending, key)
	return req
}

func (sc *StratumConnection) dispatchResponse(resp JsonRpcResponse) {
	req := sc.takePending(IdKey(resp.Id))
	if req == nil {
		sc.Logger.Warn("dropping response with no matching request", zap.Any("id", resp.Id))
		return
	}
	if req.callback != nil {
		req.callback(resp, nil)
	}
}

func (sc *StratumConnection) failPending() {
	sc.pendingLock.Lock()
	pending := sc.pending
	sc.pending = make(map[string]*pendingRequest)
	sc.pendingLock.Unlock()

	for _, req := range pending {
		if req.callback != nil {
			req.callback(JsonRpcResponse{Id: req.event.Id}, ErrorDisconnected)
		}
	}
}

// write serializes whole lines onto the socket so concurrent producers never
// interleave mid-line.
func (sc *StratumConnection) write(data []byte) error {
	sc.writeLock.Lock()
	defer sc.writeLock.Unlock()
	if !sc.Connected() {
		return ErrorDisconnected
	}
	if err := sc.connection.SetWriteDeadline(time.Now().Add(sc.writeTimeout)); err != nil {
		sc.checkDisconnect(err)
		return errors.Wrap(err, "failed setting write deadline for connection")
	}
	_, err := sc.connection.Write(data)
	sc.checkDisconnect(err)
	return err
}

// Disconnect closes the socket, fails outstanding requests and notifies the
// handler. Only the first call has any effect.
func (sc *StratumConnection) Disconnect() {
	if !atomic.CompareAndSwapUint32(&sc.disconnecting, 0, 1) {
		return
	}
	sc.Logger.Info("disconnecting")
	if sc.connection != nil {
		sc.connection.Close()
	}
	sc.failPending()
	if sc.handler != nil {
		sc.handler.OnDisconnect(sc)
	}
}

func (sc *StratumConnection) checkDisconnect(err error) {
	if err != nil && sc.Connected() {
		sc.Logger.Error("connection error, disconnecting", zap.Error(err))
		go sc.Disconnect()
	}
}
