package gostratum

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	readBufferSize   = 4096
	maxLineLength    = 64 * 1024
	readPollInterval = 5 * time.Second
)

var knownNotifications = map[StratumMethod]struct{}{
	StratumMethodNotify:        {},
	StratumMethodSetDifficulty: {},
	StratumMethodSetExtranonce: {},
	StratumMethodReconnect:     {},
	StratumMethodShowMessage:   {},
}

// Serve runs the blocking read loop of the connection until the peer goes
// away, ctx is cancelled or Disconnect is called. It always ends with
// Disconnect.
func (sc *StratumConnection) Serve(ctx context.Context) error {
	defer sc.Disconnect()

	reader := bufio.NewReaderSize(sc.connection, readBufferSize)
	var carry []byte
	discarding := false

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !sc.Connected() {
			return nil
		}
		if err := sc.connection.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			if !sc.Connected() {
				return nil
			}
			return errors.Wrap(err, "failed to set read deadline")
		}

		chunk, err := reader.ReadSlice('\n')
		if !discarding {
			carry = append(carry, chunk...)
		}
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				if len(carry) > maxLineLength {
					sc.Logger.Warn("discarding oversized line", zap.Int("length", len(carry)))
					carry = carry[:0]
					discarding = true
				}
				continue
			}
			// partial line stays in carry until the newline shows up
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if !sc.Connected() {
				return nil
			}
			if errors.Is(err, io.EOF) {
				sc.Logger.Info("peer disconnected")
				return nil
			}
			sc.Logger.Error("error reading from socket", zap.Error(err))
			return errors.Wrap(err, "error reading from connection")
		}
		if discarding {
			discarding = false
			carry = carry[:0]
			continue
		}

		sc.processLine(carry)
		carry = carry[:0]
	}
}

func (sc *StratumConnection) processLine(raw []byte) {
	line := bytes.TrimSpace(bytes.ReplaceAll(raw, []byte{0}, nil))
	if len(line) == 0 {
		return
	}

	msg, err := UnmarshalMessage(line)
	if err != nil {
		sc.Logger.Warn("dropping malformed line", zap.ByteString("raw", line), zap.Error(err))
		return
	}

	switch msg.Kind() {
	case KindResponse:
		sc.dispatchResponse(msg.Response())
	case KindRequest:
		if err := sc.handler.HandleRequest(sc, msg.Event()); err != nil {
			sc.Logger.Warn("error handling request", zap.String("method", string(msg.Method)), zap.Error(err))
		}
	case KindNotification:
		if _, ok := knownNotifications[msg.Method]; !ok {
			sc.Logger.Warn("ignoring unknown notification", zap.String("method", string(msg.Method)))
			return
		}
		if err := sc.handler.HandleNotification(sc, msg.Event()); err != nil {
			sc.Logger.Warn("error handling notification", zap.String("method", string(msg.Method)), zap.Error(err))
		}
	}
}
