package domain

import (
	"context"
)

// Contract is the remote view of a running supervisor.
// Status values follow the gRPC health protocol: SERVING, NOT_SERVING, SERVICE_UNKNOWN.
type Contract interface {
	Status(ctx context.Context) (string, error)
	UnitStatus(ctx context.Context, unit string) (string, error)
}
