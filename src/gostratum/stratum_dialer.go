package gostratum

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const defaultDialTimeout = 15 * time.Second

// Dial opens a client-role connection to an upstream stratum endpoint. The
// caller runs Serve on the returned connection.
func Dial(ctx context.Context, address string, handler MessageHandler, logger *zap.Logger) (*StratumConnection, error) {
	dialer := net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}
	connection, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "failed dialing %s", address)
	}
	return NewConnection(uuid.NewString(), connection, handler, logger), nil
}
