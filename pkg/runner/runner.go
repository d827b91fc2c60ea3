package runner

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/config"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

// Run loads the configuration file and supervises its units until a signal arrives
// or runDuration seconds pass. Zero runDuration runs until signalled.
func Run(runDuration int, configFile string, logger logging.Logger) error {
	logger.Infof("Supervisor runner starting...")

	ctx := context.Background()
	if runDuration > 0 {
		duration := time.Duration(runDuration) * time.Second
		logger.Infof("Using RUN DURATION of %v", duration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	logger.Infof("Using CONFIGURATION FILE: %s", configFile)

	cfg, err := LoadAndValidate(configFile)
	if err != nil {
		return err
	}

	logger.Infof("Configuration loaded successfully from %s", configFile)
	logger.Infof("gRPC port: %d, HTTP address: %q, Units: %d", cfg.Supervisor.GRPCPort, cfg.Supervisor.HTTPAddress, len(cfg.Units))

	return RunWithConfig(ctx, cfg, logger)
}

// RunWithConfig runs a supervisor built from cfg until ctx ends or a signal arrives
func RunWithConfig(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	stack, err := Build(cfg, logger)
	if err != nil {
		return err
	}

	if err := stack.Start(); err != nil {
		stack.Stop(context.Background())
		return err
	}

	logger.Infof("Enabling signal handling...")

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	select {
	case receivedSignal := <-sig:
		logger.Infof("Supervisor runner received signal: %v", receivedSignal)
	case <-ctx.Done():
		logger.Infof("Supervisor runner run duration elapsed")
	}

	logger.Infof("Ready to stop supervisor...")

	// Reset context to background so the shutdown bound comes from configuration only
	results := stack.Stop(context.Background())
	for id, result := range results {
		if result.Err != nil {
			logger.Warnf("Unit stop outcome, id: %s, outcome: %s, error: %v", id, result.Outcome, result.Err)
		}
	}

	logger.Infof("Supervisor runner stopped")
	return nil
}

// LoadAndValidate loads a configuration file and validates it without running anything
func LoadAndValidate(configFile string) (*config.Config, error) {
	cfg, err := config.LoadConfigFromFile(configFile)
	if err != nil {
		return nil, errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}

	return cfg, nil
}
