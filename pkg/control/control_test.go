package control

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
	"github.com/core-tools/hsu-supervisor/pkg/scheduler"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"
	"github.com/core-tools/hsu-supervisor/pkg/unit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type staticOverall struct {
	status monitoring.OverallStatus
}

func (s *staticOverall) Overall() monitoring.OverallHealth {
	return monitoring.OverallHealth{Status: s.status}
}

func idleUnit(name string) *unit.Funcs {
	noop := func(ctx context.Context) error { return nil }
	return &unit.Funcs{
		UnitName:   name,
		Initialize: noop,
		Start:      noop,
		RunStep:    noop,
		Stop:       noop,
		HealthCheck: func(ctx context.Context) (unit.Health, error) {
			return unit.Health{Healthy: true}, nil
		},
	}
}

func startServer(t *testing.T) Server {
	t.Helper()
	server, err := NewServer(ServerOptions{Port: 0}, logging.Nop())
	require.NoError(t, err)
	return server
}

func dial(t *testing.T, server Server) Connection {
	t.Helper()
	conn, err := NewConnection(ConnectionOptions{
		Address:     fmt.Sprintf("127.0.0.1:%d", server.Port()),
		DialTimeout: 5 * time.Second,
	}, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestExporterMapsEventsToServingStatus(t *testing.T) {
	server := startServer(t)
	source := &staticOverall{status: monitoring.OverallHealthy}
	exporter := RegisterGRPCServerHandler(server.GRPC(), source, logging.Nop())

	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { server.Shutdown(context.Background()) })

	gateway := NewGRPCClientGateway(dial(t, server).GRPC(), logging.Nop())
	ctx := context.Background()

	status, err := gateway.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SERVING", status)

	_, err = gateway.UnitStatus(ctx, "u1")
	assert.True(t, errors.IsNotFoundError(err), "unknown unit: %v", err)

	exporter.Emit(supervisor.Event{Type: supervisor.EventTransition, UnitID: "u1", UnitName: "sensor", From: unit.StateInitializing, To: unit.StateRunning})
	status, err = gateway.UnitStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "SERVING", status)
	status, err = gateway.UnitStatus(ctx, "sensor")
	require.NoError(t, err)
	assert.Equal(t, "SERVING", status)

	exporter.Emit(supervisor.Event{Type: supervisor.EventTransition, UnitID: "u1", UnitName: "sensor", From: unit.StateRunning, To: unit.StateDegraded})
	status, err = gateway.UnitStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "NOT_SERVING", status)

	source.status = monitoring.OverallUnhealthy
	exporter.Emit(supervisor.Event{Type: supervisor.EventHealth, UnitID: "u1", Health: monitoring.Unhealthy("down", time.Now())})
	status, err = gateway.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "NOT_SERVING", status)

	exporter.Emit(supervisor.Event{Type: supervisor.EventRemoved, UnitID: "u1", UnitName: "sensor"})
	status, err = gateway.UnitStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVICE_UNKNOWN.String(), status)
}

func TestExporterFollowsSupervisor(t *testing.T) {
	logger := logging.Nop()
	server := startServer(t)

	sched := scheduler.New(context.Background(), scheduler.Options{WorkerPoolSize: 2}, logger)
	var sup *supervisor.Supervisor
	exporter := RegisterGRPCServerHandler(server.GRPC(), OverallFunc(func() monitoring.OverallHealth {
		return sup.Overall()
	}), logger)
	sup = supervisor.New(sched, supervisor.Options{StopTimeout: time.Second}, logger, supervisor.WithSink(exporter))

	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { server.Shutdown(context.Background()) })

	id, err := sup.Register(idleUnit("pump"), supervisor.UnitOptions{SamplePeriod: 20 * time.Millisecond})
	require.NoError(t, err)

	gateway := NewGRPCClientGateway(dial(t, server).GRPC(), logger)
	require.Eventually(t, func() bool {
		status, err := gateway.UnitStatus(context.Background(), id)
		return err == nil && status == "SERVING"
	}, 2*time.Second, 10*time.Millisecond)

	results, err := sup.Shutdown(time.Second)
	require.NoError(t, err)
	assert.Equal(t, supervisor.OutcomeStopped, results[id].Outcome)

	status, err := gateway.UnitStatus(context.Background(), "pump")
	require.NoError(t, err)
	assert.Equal(t, "NOT_SERVING", status)
}

func TestUnitStatusRejectsEmptyName(t *testing.T) {
	gateway := NewGRPCClientGateway(nil, logging.Nop())
	_, err := gateway.UnitStatus(context.Background(), "")
	assert.True(t, errors.IsValidationError(err))
}

func TestNewServerRejectsBadPort(t *testing.T) {
	_, err := NewServer(ServerOptions{Port: 70000}, logging.Nop())
	assert.True(t, errors.IsValidationError(err))
}

func TestNewConnectionRequiresAddress(t *testing.T) {
	_, err := NewConnection(ConnectionOptions{}, logging.Nop())
	assert.True(t, errors.IsValidationError(err))
}
