package control

import (
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"
	"github.com/core-tools/hsu-supervisor/pkg/unit"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// OverallSource supplies the aggregate used for the empty service name
type OverallSource interface {
	Overall() monitoring.OverallHealth
}

// OverallFunc adapts a function to OverallSource. It is not called before the first event.
type OverallFunc func() monitoring.OverallHealth

func (f OverallFunc) Overall() monitoring.OverallHealth {
	return f()
}

// HealthExporter mirrors unit states into a gRPC health server.
// Each unit is published under both its id and its name; "" carries the overall status.
type HealthExporter struct {
	server *health.Server
	source OverallSource
	logger logging.Logger
}

// RegisterGRPCServerHandler registers the standard health service and returns
// the sink that keeps it current. Pass the exporter to supervisor.WithSink.
func RegisterGRPCServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, source OverallSource, logger logging.Logger) *HealthExporter {
	server := health.NewServer()
	healthpb.RegisterHealthServer(grpcServerRegistrar, server)

	return &HealthExporter{
		server: server,
		source: source,
		logger: logger,
	}
}

// Emit implements supervisor.EventSink
func (e *HealthExporter) Emit(event supervisor.Event) {
	switch event.Type {
	case supervisor.EventTransition:
		status := servingStatus(event.To)
		e.server.SetServingStatus(event.UnitID, status)
		if event.UnitName != "" {
			e.server.SetServingStatus(event.UnitName, status)
		}
		e.logger.Debugf("Health status updated, unit: %s, state: %s, status: %s", event.UnitID, event.To, status)
	case supervisor.EventRemoved:
		e.server.SetServingStatus(event.UnitID, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
		if event.UnitName != "" {
			e.server.SetServingStatus(event.UnitName, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
		}
	case supervisor.EventHealth:
	default:
		return
	}
	e.refreshOverall()
}

// Shutdown flips every service to NOT_SERVING so watchers drain before the listener closes
func (e *HealthExporter) Shutdown() {
	e.server.Shutdown()
}

func (e *HealthExporter) refreshOverall() {
	if e.source == nil {
		e.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return
	}
	status := healthpb.HealthCheckResponse_SERVING
	if e.source.Overall().Status == monitoring.OverallUnhealthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	e.server.SetServingStatus("", status)
}

func servingStatus(state unit.State) healthpb.HealthCheckResponse_ServingStatus {
	if state == unit.StateRunning {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
