package control

import (
	"context"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func NewGRPCClientGateway(grpcClientConnection grpc.ClientConnInterface, logger logging.Logger) domain.Contract {
	grpcClient := healthpb.NewHealthClient(grpcClientConnection)
	return &grpcClientGateway{
		grpcClient: grpcClient,
		logger:     logger,
	}
}

type grpcClientGateway struct {
	grpcClient healthpb.HealthClient
	logger     logging.Logger
}

func (gw *grpcClientGateway) Status(ctx context.Context) (string, error) {
	return gw.check(ctx, "")
}

func (gw *grpcClientGateway) UnitStatus(ctx context.Context, unit string) (string, error) {
	if unit == "" {
		return "", errors.NewValidationError("unit cannot be empty", nil)
	}
	return gw.check(ctx, unit)
}

func (gw *grpcClientGateway) check(ctx context.Context, service string) (string, error) {
	response, err := gw.grpcClient.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		gw.logger.Errorf("Status client gateway, service: %q, error: %v", service, err)
		switch status.Code(err) {
		case codes.NotFound:
			return "", errors.NewNotFoundError("unit not found", err).WithContext("unit", service)
		case codes.Canceled:
			return "", errors.NewCancelledError("status request cancelled", err)
		case codes.DeadlineExceeded:
			return "", errors.NewTimeoutError("status request timed out", err)
		}
		return "", errors.NewNetworkError("status request failed", err)
	}
	gw.logger.Debugf("Status client gateway done, service: %q, status: %s", service, response.Status)
	return response.Status.String(), nil
}
