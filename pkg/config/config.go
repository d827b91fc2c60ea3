package config

import (
	"fmt"
	"os"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/devices"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/processfile"
	"github.com/core-tools/hsu-supervisor/pkg/retry"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"

	"gopkg.in/yaml.v3"
	"k8s.io/utils/clock"
)

// Config represents the top-level configuration file structure
type Config struct {
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Units      []UnitConfig     `yaml:"units"`
}

// SupervisorConfig represents supervisor-level configuration
type SupervisorConfig struct {
	LogLevel          string        `yaml:"log_level,omitempty"`
	WorkerPoolSize    int           `yaml:"worker_pool_size,omitempty"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout,omitempty"`
	StopTimeout       time.Duration `yaml:"stop_timeout,omitempty"`
	HealthGracePeriod time.Duration `yaml:"health_grace_period,omitempty"`

	// GRPCPort 0 disables the gRPC health export
	GRPCPort int `yaml:"grpc_port,omitempty"`

	// HTTPAddress empty disables the HTTP API
	HTTPAddress string `yaml:"http_address,omitempty"`

	// JournalPath empty disables the lifecycle journal. Relative paths live in the app data directory.
	JournalPath string `yaml:"journal_path,omitempty"`

	RuntimeFiles processfile.Config `yaml:"runtime_files,omitempty"`
}

// UnitConfig represents a single simulated device
type UnitConfig struct {
	Name                   string          `yaml:"name"`
	Kind                   devices.Kind    `yaml:"kind"`
	Enabled                *bool           `yaml:"enabled,omitempty"` // Pointer to distinguish unset from false
	SamplePeriod           time.Duration   `yaml:"sample_period"`
	StepTimeout            time.Duration   `yaml:"step_timeout,omitempty"`
	HealthInterval         time.Duration   `yaml:"health_interval,omitempty"`
	HealthTimeout          time.Duration   `yaml:"health_timeout,omitempty"`
	MaxConsecutiveFailures int             `yaml:"max_consecutive_failures,omitempty"`
	InitRetry              *retry.Policy   `yaml:"init_retry,omitempty"`
	StepRetry              *retry.Policy   `yaml:"step_retry,omitempty"`
	Device                 devices.Options `yaml:"device,omitempty"`
}

// IsEnabled treats an unset flag as enabled
func (u UnitConfig) IsEnabled() bool {
	return u.Enabled == nil || *u.Enabled
}

// LoadConfigFromFile loads supervisor configuration from a YAML file
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, errors.NewValidationError("invalid configuration file", err).WithContext("filename", filename)
	}
	return config, nil
}

// Parse decodes a YAML document and applies defaults
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err)
	}

	setConfigDefaults(&config)
	return &config, nil
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateSupervisorConfig(&config.Supervisor); err != nil {
		return errors.NewValidationError("invalid supervisor configuration", err)
	}

	if err := validateUnitsConfig(config.Units); err != nil {
		return errors.NewValidationError("invalid units configuration", err)
	}

	return nil
}

// SupervisorOptions converts the supervisor section
func (c *Config) SupervisorOptions() supervisor.Options {
	return supervisor.Options{
		StopTimeout:       c.Supervisor.StopTimeout,
		ShutdownTimeout:   c.Supervisor.ShutdownTimeout,
		HealthGracePeriod: c.Supervisor.HealthGracePeriod,
	}
}

// UnitOptions converts one unit section into registration options
func (u UnitConfig) UnitOptions() supervisor.UnitOptions {
	return supervisor.UnitOptions{
		Name:                   u.Name,
		SamplePeriod:           u.SamplePeriod,
		StepTimeout:            u.StepTimeout,
		HealthInterval:         u.HealthInterval,
		HealthTimeout:          u.HealthTimeout,
		InitPolicy:             u.InitRetry,
		StepPolicy:             u.StepRetry,
		MaxConsecutiveFailures: u.MaxConsecutiveFailures,
	}
}

// UnitSpec pairs a device with the options it is registered under
type UnitSpec struct {
	Device  interface{}
	Options supervisor.UnitOptions
}

// CreateUnitsFromConfig builds the enabled devices in file order
func CreateUnitsFromConfig(config *Config, clk clock.Clock, logger logging.Logger) ([]UnitSpec, error) {
	if config == nil {
		return nil, errors.NewValidationError("configuration cannot be nil", nil)
	}

	var specs []UnitSpec
	for i, unitConfig := range config.Units {
		if !unitConfig.IsEnabled() {
			logger.Infof("Skipping disabled unit, name: %s", unitConfig.Name)
			continue
		}

		device, err := devices.New(unitConfig.Kind, unitConfig.Name, unitConfig.Device, clk, logging.ForModule(logger, unitConfig.Name))
		if err != nil {
			return nil, errors.NewValidationError(
				fmt.Sprintf("failed to create unit at index %d", i),
				err,
			).WithContext("unit_name", unitConfig.Name)
		}

		specs = append(specs, UnitSpec{Device: device, Options: unitConfig.UnitOptions()})
	}

	return specs, nil
}

// setConfigDefaults applies default values to configuration.
// Timing defaults that derive from sample_period are left to the supervisor.
func setConfigDefaults(config *Config) {
	if config.Supervisor.LogLevel == "" {
		config.Supervisor.LogLevel = "info"
	}

	for i := range config.Units {
		u := &config.Units[i]

		if u.Enabled == nil {
			enabled := true
			u.Enabled = &enabled
		}

		if u.Kind == "" {
			u.Kind = devices.KindSensor
		}

		if u.InitRetry != nil {
			policy := u.InitRetry.WithDefaults(retry.DefaultInitializePolicy())
			u.InitRetry = &policy
		}
		if u.StepRetry != nil {
			policy := u.StepRetry.WithDefaults(retry.DefaultStepPolicy())
			u.StepRetry = &policy
		}
	}
}

func validateSupervisorConfig(config *SupervisorConfig) error {
	if err := ValidateLogLevel(config.LogLevel); err != nil {
		return err
	}

	if config.WorkerPoolSize < 0 {
		return errors.NewValidationError("worker pool size cannot be negative", nil)
	}

	for name, d := range map[string]time.Duration{
		"shutdown_timeout":    config.ShutdownTimeout,
		"stop_timeout":        config.StopTimeout,
		"health_grace_period": config.HealthGracePeriod,
	} {
		if d < 0 {
			return errors.NewValidationError(fmt.Sprintf("%s cannot be negative", name), nil)
		}
	}

	if config.GRPCPort != 0 {
		if err := ValidatePort(config.GRPCPort); err != nil {
			return err
		}
	}

	if config.HTTPAddress != "" {
		if err := ValidateNetworkAddress(config.HTTPAddress); err != nil {
			return err
		}
	}

	if err := processfile.ValidateServiceContext(config.RuntimeFiles.ServiceContext); err != nil {
		return err
	}

	return nil
}

func validateUnitsConfig(units []UnitConfig) error {
	seenNames := make(map[string]int)
	for i, u := range units {
		if err := supervisor.ValidateUnitName(u.Name); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid unit name at index %d", i),
				err,
			).WithContext("unit_name", u.Name)
		}

		if prevIndex, exists := seenNames[u.Name]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate unit name '%s' found at indices %d and %d", u.Name, prevIndex, i),
				nil,
			)
		}
		seenNames[u.Name] = i

		switch u.Kind {
		case devices.KindSensor, devices.KindActuator, devices.KindHybrid:
		default:
			return errors.NewValidationError(
				fmt.Sprintf("unsupported unit kind at index %d: %s", i, u.Kind),
				nil,
			).WithContext("supported_kinds", "sensor, actuator, hybrid")
		}

		if err := u.Device.Validate(); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid device configuration at index %d", i),
				err,
			).WithContext("unit_name", u.Name)
		}

		// Registration applies the same checks once derived timings are filled in
		if err := supervisor.ValidateUnitOptions(supervisor.ResolveUnitOptions(u.UnitOptions())); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid timing configuration at index %d", i),
				err,
			).WithContext("unit_name", u.Name)
		}
	}

	return nil
}
