package runner

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/core-tools/hsu-supervisor/pkg/config"
	"github.com/core-tools/hsu-supervisor/pkg/control"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/httpapi"
	"github.com/core-tools/hsu-supervisor/pkg/journal"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/metrics"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
	"github.com/core-tools/hsu-supervisor/pkg/processfile"
	"github.com/core-tools/hsu-supervisor/pkg/scheduler"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"

	"k8s.io/utils/clock"
)

// grpcListener names the port file the CLI reads to find the supervisor
const grpcListener = "grpc"

// Stack is a supervisor together with the exporters configured for it
type Stack struct {
	Config     *config.Config
	Scheduler  *scheduler.Context
	Supervisor *supervisor.Supervisor
	Metrics    *metrics.Collector
	Journal    *journal.SQLiteJournal
	HTTP       *httpapi.Server
	GRPC       control.Server
	Exporter   *control.HealthExporter
	Files      *processfile.Manager

	units  []config.UnitSpec
	logger logging.Logger
}

// Build wires every configured component but starts nothing
func Build(cfg *config.Config, logger logging.Logger) (*Stack, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("configuration cannot be nil", nil)
	}

	stack := &Stack{
		Config:  cfg,
		Metrics: metrics.NewCollector(),
		Files:   processfile.NewManager(cfg.Supervisor.RuntimeFiles, logging.ForModule(logger, "files")),
		logger:  logger,
	}

	sinks := []supervisor.Option{supervisor.WithSink(stack.Metrics)}

	if cfg.Supervisor.JournalPath != "" {
		path := cfg.Supervisor.JournalPath
		if !filepath.IsAbs(path) {
			path = stack.Files.DataFilePath(path)
		}
		if err := processfile.EnsureDirectory(filepath.Dir(path)); err != nil {
			return nil, err
		}
		j, err := journal.Open(path, logging.ForModule(logger, "journal"))
		if err != nil {
			return nil, errors.NewIOError("failed to open lifecycle journal", err).WithContext("path", path)
		}
		stack.Journal = j
		sinks = append(sinks, supervisor.WithSink(j))
	}

	if cfg.Supervisor.GRPCPort != 0 {
		server, err := control.NewServer(control.ServerOptions{Port: cfg.Supervisor.GRPCPort}, logging.ForModule(logger, "grpc"))
		if err != nil {
			stack.closeJournal()
			return nil, err
		}
		stack.GRPC = server
		stack.Exporter = control.RegisterGRPCServerHandler(server.GRPC(), control.OverallFunc(func() monitoring.OverallHealth {
			return stack.Supervisor.Overall()
		}), logging.ForModule(logger, "grpc"))
		sinks = append(sinks, supervisor.WithSink(stack.Exporter))
	}

	units, err := config.CreateUnitsFromConfig(cfg, clock.RealClock{}, logger)
	if err != nil {
		stack.closeJournal()
		return nil, errors.NewValidationError("failed to create units from configuration", err)
	}
	stack.units = units

	stack.Scheduler = scheduler.New(context.Background(), scheduler.Options{WorkerPoolSize: cfg.Supervisor.WorkerPoolSize}, logging.ForModule(logger, "scheduler"))
	stack.Supervisor = supervisor.New(stack.Scheduler, cfg.SupervisorOptions(), logging.ForModule(logger, "supervisor"), sinks...)

	if cfg.Supervisor.HTTPAddress != "" {
		var opts []httpapi.Option
		if stack.Journal != nil {
			opts = append(opts, httpapi.WithHistory(stack.Journal))
		}
		stack.HTTP = httpapi.NewServer(cfg.Supervisor.HTTPAddress, stack.Supervisor, stack.Metrics, logging.ForModule(logger, "http"), opts...)
	}

	return stack, nil
}

// Start opens the listeners, publishes the runtime files and registers every unit
func (s *Stack) Start() error {
	if err := s.Files.WritePIDFile(); err != nil {
		return err
	}

	if s.GRPC != nil {
		if err := s.GRPC.Start(context.Background()); err != nil {
			return errors.NewNetworkError("failed to start gRPC server", err)
		}
		if err := s.Files.WritePortFile(grpcListener, s.GRPC.Port()); err != nil {
			return err
		}
	}
	if s.HTTP != nil {
		if err := s.HTTP.Start(); err != nil {
			return err
		}
	}

	for _, spec := range s.units {
		id, err := s.Supervisor.Register(spec.Device, spec.Options)
		if err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("failed to register unit: %s", spec.Options.Name),
				err,
			).WithContext("unit_name", spec.Options.Name)
		}
		s.logger.Infof("Registered unit, name: %s, id: %s", spec.Options.Name, id)
	}

	s.logger.Infof("All units registered, supervisor is fully operational")
	return nil
}

// Stop shuts the supervisor down first so exporters observe the final transitions,
// then closes the listeners and the journal.
func (s *Stack) Stop(ctx context.Context) map[string]supervisor.ShutdownResult {
	results, err := s.Supervisor.Shutdown(s.Config.Supervisor.ShutdownTimeout)
	if err != nil {
		s.logger.Warnf("Supervisor shutdown incomplete, error: %v", err)
	}

	if s.Exporter != nil {
		s.Exporter.Shutdown()
	}
	if s.GRPC != nil {
		s.GRPC.Shutdown(ctx)
	}
	if s.HTTP != nil {
		if err := s.HTTP.Shutdown(ctx); err != nil {
			s.logger.Errorf("Failed to stop HTTP API, error: %v", err)
		}
	}
	s.closeJournal()
	s.Files.Remove(grpcListener)

	return results
}

func (s *Stack) closeJournal() {
	if s.Journal == nil {
		return
	}
	if err := s.Journal.Close(); err != nil {
		s.logger.Errorf("Failed to close lifecycle journal, error: %v", err)
	}
}
