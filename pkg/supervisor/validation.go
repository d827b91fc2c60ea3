package supervisor

import (
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
)

// ValidateUnitName validates unit name format and constraints
func ValidateUnitName(name string) error {
	if name == "" {
		return errors.NewValidationError("unit name cannot be empty", nil)
	}

	if len(name) > 64 {
		return errors.NewValidationError("unit name cannot exceed 64 characters", nil)
	}

	for _, char := range name {
		if !isValidNameChar(char) {
			return errors.NewValidationError("unit name contains invalid characters: only letters, numbers, hyphens, and underscores are allowed", nil)
		}
	}

	return nil
}

// ValidateUnitOptions validates options after defaults have been applied
func ValidateUnitOptions(options UnitOptions) error {
	if options.Name != "" {
		if err := ValidateUnitName(options.Name); err != nil {
			return err
		}
	}

	if options.SamplePeriod <= 0 {
		return errors.NewValidationError("sample period must be positive", nil)
	}

	if options.MaxConsecutiveFailures < 0 {
		return errors.NewValidationError("max consecutive failures cannot be negative", nil)
	}

	if err := monitoring.ValidateHealthCheckRunOptions(monitoring.HealthCheckRunOptions{
		Interval: options.HealthInterval,
		Timeout:  options.HealthTimeout,
	}); err != nil {
		return err
	}

	if options.InitPolicy != nil {
		if err := options.InitPolicy.Validate(); err != nil {
			return errors.NewValidationError("invalid initialize retry policy", err)
		}
	}

	if options.StepPolicy != nil {
		if err := options.StepPolicy.Validate(); err != nil {
			return errors.NewValidationError("invalid run-step retry policy", err)
		}
	}

	return nil
}

func isValidNameChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '_'
}
