package monitoring

import "github.com/core-tools/hsu-supervisor/pkg/errors"

// ValidateHealthCheckRunOptions validates health check run options
func ValidateHealthCheckRunOptions(options HealthCheckRunOptions) error {
	if options.Interval <= 0 {
		return errors.NewValidationError("health check interval must be positive", nil)
	}

	if options.Timeout <= 0 {
		return errors.NewValidationError("health check timeout must be positive", nil)
	}

	if options.Timeout > options.Interval {
		return errors.NewValidationError("health check timeout cannot exceed interval", nil)
	}

	if options.GracePeriod < 0 {
		return errors.NewValidationError("health check grace period cannot be negative", nil)
	}

	return nil
}
