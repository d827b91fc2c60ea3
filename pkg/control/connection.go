package control

import (
	"context"
	"fmt"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type ConnectionOptions struct {
	Address     string
	DialTimeout time.Duration
}

type Connection interface {
	GRPC() grpc.ClientConnInterface
	Close() error
}

// NewConnection dials the supervisor and blocks until the transport is up or DialTimeout passes
func NewConnection(options ConnectionOptions, logger logging.Logger) (Connection, error) {
	if options.Address == "" {
		return nil, errors.NewValidationError("address cannot be empty", nil)
	}
	dialTimeout := options.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	logger.Debugf("Connecting to supervisor, address: %s", options.Address)
	conn, err := grpc.DialContext(ctx, options.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, errors.NewNetworkError(fmt.Sprintf("failed to connect to %s", options.Address), err)
	}
	logger.Infof("Connected to supervisor, address: %s", options.Address)

	return &connection{conn: conn}, nil
}

type connection struct {
	conn *grpc.ClientConn
}

func (c *connection) GRPC() grpc.ClientConnInterface {
	return c.conn
}

func (c *connection) Close() error {
	return c.conn.Close()
}
