package gostratum

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingHandler struct {
	requests      chan JsonRpcEvent
	notifications chan JsonRpcEvent
	disconnects   int32
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		requests:      make(chan JsonRpcEvent, 16),
		notifications: make(chan JsonRpcEvent, 16),
	}
}

func (h *recordingHandler) HandleRequest(_ *StratumConnection, event JsonRpcEvent) error {
	h.requests <- event
	return nil
}

func (h *recordingHandler) HandleNotification(_ *StratumConnection, event JsonRpcEvent) error {
	h.notifications <- event
	return nil
}

func (h *recordingHandler) OnDisconnect(_ *StratumConnection) {
	atomic.AddInt32(&h.disconnects, 1)
}

func TestMessageKind(t *testing.T) {
	cases := map[string]MessageKind{
		`{"id":1,"method":"mining.subscribe","params":[]}`:        KindRequest,
		`{"id":"abc","method":"mining.authorize","params":["a"]}`: KindRequest,
		`{"id":7,"result":true,"error":null}`:                     KindResponse,
		`{"id":null,"method":"mining.notify","params":[]}`:        KindNotification,
		`{"method":"mining.set_difficulty","params":[8]}`:         KindNotification,
	}
	for line, want := range cases {
		msg, err := UnmarshalMessage([]byte(line))
		require.NoError(t, err, line)
		assert.Equal(t, want, msg.Kind(), line)
	}
}

func TestStratumErrorWireForms(t *testing.T) {
	resp, err := UnmarshalResponse(`{"id":3,"result":null,"error":[23,"Low difficulty share",null]}`)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeLowDifficultyShare, resp.Error.Code)
	assert.Equal(t, "Low difficulty share", resp.Error.Message)

	resp, err = UnmarshalResponse(`{"id":3,"result":null,"error":{"code":21,"message":"Stale"}}`)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeJobNotFound, resp.Error.Code)

	resp, err = UnmarshalResponse(`{"id":3,"result":true,"error":null}`)
	require.NoError(t, err)
	assert.Nil(t, resp.Error)
	assert.Equal(t, true, resp.Result)

	encoded, err := fastJSONMarshal(JsonRpcResponse{Id: 4, Error: ErrUnauthorizedWorker})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":4,"result":null,"error":[24,"Unauthorized worker",null]}`, string(encoded))
}

func TestIdKeyMatchesDecodedNumbers(t *testing.T) {
	msg, err := UnmarshalMessage([]byte(`{"id":42,"result":true}`))
	require.NoError(t, err)
	assert.Equal(t, IdKey(uint64(42)), IdKey(msg.Id))
	assert.Equal(t, "x1", IdKey("x1"))
}

func TestServeDispatchesByKind(t *testing.T) {
	handler := newRecordingHandler()
	conn, mc := NewMockStratumConnection(handler, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Serve(ctx)

	responses := make(chan JsonRpcResponse, 1)
	id, err := conn.Request(NewEvent(nil, StratumMethodSubscribe, nil), func(resp JsonRpcResponse, err error) {
		require.NoError(t, err)
		responses <- resp
	})
	require.NoError(t, err)
	_, err = mc.NextLine(time.Second)
	require.NoError(t, err)

	mc.PushLine(`this is not json`)
	mc.PushLine(`{"id":999,"result":true,"error":null}`)
	mc.PushLine(`{"id":null,"method":"mining.unknown","params":[]}`)
	mc.PushLine(fmt.Sprintf(`{"id":%d,"result":[[],"abcd",4],"error":null}`, id))
	mc.PushLine(`{"id":5,"method":"mining.authorize","params":["w","x"]}`)
	mc.PushLine(`{"id":null,"method":"mining.set_difficulty","params":[16]}`)

	select {
	case resp := <-responses:
		assert.Empty(t, cmp.Diff([]any{[]any{}, "abcd", float64(4)}, resp.Result))
	case <-time.After(2 * time.Second):
		t.Fatal("response was not correlated")
	}

	select {
	case req := <-handler.requests:
		assert.Equal(t, StratumMethodAuthorize, req.Method)
		assert.Empty(t, cmp.Diff([]any{"w", "x"}, req.Params))
	case <-time.After(2 * time.Second):
		t.Fatal("request not dispatched")
	}

	select {
	case n := <-handler.notifications:
		assert.Equal(t, StratumMethodSetDifficulty, n.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not dispatched")
	}

	assert.Len(t, handler.notifications, 0, "unknown notification must not reach the handler")
	assert.True(t, conn.Connected(), "protocol errors must not tear the connection down")
	assert.Equal(t, 0, conn.PendingCount())
}

func TestDisconnectIsIdempotentAndFailsPending(t *testing.T) {
	handler := newRecordingHandler()
	conn, mc := NewMockStratumConnection(handler, zaptest.NewLogger(t))

	var failures int32
	for i := 0; i < 3; i++ {
		_, err := conn.Request(NewEvent(nil, StratumMethodSubmit, nil), func(_ JsonRpcResponse, err error) {
			assert.ErrorIs(t, err, ErrorDisconnected)
			atomic.AddInt32(&failures, 1)
		})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn.Disconnect()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&handler.disconnects))
	assert.Equal(t, int32(3), atomic.LoadInt32(&failures))
	assert.Equal(t, 0, conn.PendingCount())
	assert.True(t, mc.IsClosed())
	assert.ErrorIs(t, conn.Send(NewNotification(StratumMethodNotify, nil)), ErrorDisconnected)
}

func TestExpireRequest(t *testing.T) {
	conn, _ := NewMockStratumConnection(newRecordingHandler(), zaptest.NewLogger(t))

	var got error
	id, err := conn.Request(NewEvent(nil, StratumMethodSubmit, nil), func(_ JsonRpcResponse, err error) {
		got = err
	})
	require.NoError(t, err)

	assert.True(t, conn.ExpireRequest(id))
	assert.ErrorIs(t, got, ErrorRequestTimeout)
	assert.False(t, conn.ExpireRequest(id))
}

func TestConcurrentWritesDoNotInterleave(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	conn := NewConnection("pipe", server, newRecordingHandler(), zaptest.NewLogger(t))

	const writers = 20
	const perWriter = 25

	lines := make(chan string, writers*perWriter)
	go func() {
		scanner := bufio.NewScanner(client)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				params := []any{fmt.Sprintf("job-%d-%d", w, i), "00000000000000000000000000000000"}
				assert.NoError(t, conn.Send(NewNotification(StratumMethodNotify, params)))
			}
		}(w)
	}
	wg.Wait()

	for i := 0; i < writers*perWriter; i++ {
		select {
		case line := <-lines:
			msg, err := UnmarshalMessage([]byte(line))
			require.NoError(t, err, "interleaved line: %q", line)
			assert.Equal(t, StratumMethodNotify, msg.Method)
		case <-time.After(2 * time.Second):
			t.Fatalf("only read %d lines", i)
		}
	}
	conn.Disconnect()
}
