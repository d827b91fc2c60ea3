package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/devices"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/processfile"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
supervisor:
  log_level: debug
  worker_pool_size: 8
  shutdown_timeout: 30s
  stop_timeout: 10s
  grpc_port: 50056
  http_address: ":8086"
  runtime_files:
    service_context: system
    app_name: greenhouse
units:
  - name: greenhouse-temp
    kind: sensor
    sample_period: 2s
    step_timeout: 1s
    health_interval: 10s
    max_consecutive_failures: 5
    init_retry: {max_attempts: 4}
    device: {failure_rate: 0.05, latency: 50ms}
  - name: vent-valve
    kind: actuator
    sample_period: 500ms
    step_retry: {max_attempts: 3, initial_delay: 50ms, backoff_multiplier: 2, max_delay: 1s}
  - name: spare
    enabled: false
    sample_period: 1s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	config, err := LoadConfigFromFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(config))

	assert.Equal(t, "debug", config.Supervisor.LogLevel)
	assert.Equal(t, 8, config.Supervisor.WorkerPoolSize)
	assert.Equal(t, 30*time.Second, config.Supervisor.ShutdownTimeout)
	assert.Equal(t, 50056, config.Supervisor.GRPCPort)
	assert.Equal(t, processfile.SystemService, config.Supervisor.RuntimeFiles.ServiceContext)
	assert.Equal(t, "greenhouse", config.Supervisor.RuntimeFiles.AppName)
	require.Len(t, config.Units, 3)

	temp := config.Units[0]
	assert.Equal(t, devices.KindSensor, temp.Kind)
	assert.Equal(t, 2*time.Second, temp.SamplePeriod)
	assert.Equal(t, 50*time.Millisecond, temp.Device.Latency)
	assert.Equal(t, 0.05, temp.Device.FailureRate)
	require.NotNil(t, temp.InitRetry)
	assert.Equal(t, 4, temp.InitRetry.MaxAttempts)
	assert.Equal(t, time.Second, temp.InitRetry.InitialDelay, "unset fields take defaults")
	assert.Nil(t, temp.StepRetry)

	valve := config.Units[1]
	require.NotNil(t, valve.StepRetry)
	assert.Equal(t, 50*time.Millisecond, valve.StepRetry.InitialDelay)

	spare := config.Units[2]
	assert.False(t, spare.IsEnabled())
	assert.Equal(t, devices.KindSensor, spare.Kind, "kind defaults to sensor")
}

func TestLoadConfigFromFileErrors(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.IsIOError(err))

	_, err = LoadConfigFromFile(writeConfig(t, "units: [unclosed"))
	assert.True(t, errors.IsValidationError(err))
}

func TestDefaults(t *testing.T) {
	config, err := Parse([]byte("units:\n  - name: a\n    sample_period: 1s\n"))
	require.NoError(t, err)

	assert.Equal(t, "info", config.Supervisor.LogLevel)
	require.NotNil(t, config.Units[0].Enabled)
	assert.True(t, *config.Units[0].Enabled)
	assert.NoError(t, ValidateConfig(config))
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad log level", "supervisor: {log_level: loud}"},
		{"negative pool", "supervisor: {worker_pool_size: -1}"},
		{"bad grpc port", "supervisor: {grpc_port: 70000}"},
		{"bad http address", "supervisor: {http_address: 'nope'}"},
		{"bad service context", "supervisor: {runtime_files: {service_context: cluster}}"},
		{"missing name", "units: [{sample_period: 1s}]"},
		{"duplicate name", "units: [{name: a, sample_period: 1s}, {name: a, sample_period: 1s}]"},
		{"bad kind", "units: [{name: a, kind: pump, sample_period: 1s}]"},
		{"zero period", "units: [{name: a}]"},
		{"bad failure rate", "units: [{name: a, sample_period: 1s, device: {failure_rate: 2}}]"},
		{"bad retry", "units: [{name: a, sample_period: 1s, step_retry: {backoff_multiplier: 0.5}}]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := Parse([]byte(tt.yaml))
			require.NoError(t, err)
			err = ValidateConfig(config)
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err))
		})
	}

	assert.True(t, errors.IsValidationError(ValidateConfig(nil)))
}

func TestCreateUnitsFromConfig(t *testing.T) {
	config, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	specs, err := CreateUnitsFromConfig(config, nil, logging.Nop())
	require.NoError(t, err)
	require.Len(t, specs, 2, "disabled units are skipped")

	assert.IsType(t, &devices.Sensor{}, specs[0].Device)
	assert.IsType(t, &devices.Actuator{}, specs[1].Device)
	assert.Equal(t, "greenhouse-temp", specs[0].Options.Name)
	assert.Equal(t, time.Second, specs[0].Options.StepTimeout)
	assert.Equal(t, 5, specs[0].Options.MaxConsecutiveFailures)
}

func TestValidateNetworkAddress(t *testing.T) {
	assert.NoError(t, ValidateNetworkAddress(":8086"))
	assert.NoError(t, ValidateNetworkAddress("127.0.0.1:0"))
	assert.NoError(t, ValidateNetworkAddress("localhost:9000"))
	assert.Error(t, ValidateNetworkAddress(""))
	assert.Error(t, ValidateNetworkAddress("host:abc"))
	assert.Error(t, ValidateNetworkAddress("host:99999"))
	assert.Error(t, ValidateNetworkAddress("bad_host:80"))
}
