package control

import (
	"context"
	"fmt"
	"net"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"google.golang.org/grpc"
)

type ServerOptions struct {
	// Port 0 binds an ephemeral port; read it back with Port()
	Port int
}

type Server interface {
	GRPC() *grpc.Server
	Start(ctx context.Context) error
	Shutdown(ctx context.Context)
	Port() int
}

func NewServer(options ServerOptions, logger logging.Logger) (Server, error) {
	if options.Port < 0 || options.Port > 65535 {
		return nil, errors.NewValidationError(fmt.Sprintf("invalid port: %d", options.Port), nil)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", options.Port))
	if err != nil {
		return nil, errors.NewNetworkError("failed to listen", err).WithContext("port", options.Port)
	}

	return &server{
		grpcServer: grpc.NewServer(),
		listener:   listener,
		logger:     logger,
	}, nil
}

type server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	logger     logging.Logger
}

func (s *server) GRPC() *grpc.Server {
	return s.grpcServer
}

func (s *server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *server) Start(ctx context.Context) error {
	s.logger.Infof("gRPC server listening, port: %d", s.Port())
	go func() {
		if err := s.grpcServer.Serve(s.listener); err != nil && err != grpc.ErrServerStopped {
			s.logger.Errorf("gRPC server stopped unexpectedly, error: %v", err)
		}
	}()
	return nil
}

// Shutdown drains in-flight calls and falls back to a hard stop when ctx expires
func (s *server) Shutdown(ctx context.Context) {
	s.logger.Infof("Stopping gRPC server...")

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Infof("gRPC server stopped")
	case <-ctx.Done():
		s.logger.Warnf("gRPC server graceful stop timed out, forcing")
		s.grpcServer.Stop()
	}
}
