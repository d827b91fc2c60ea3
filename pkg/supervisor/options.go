package supervisor

import (
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/retry"
)

// Options configures the supervisor as a whole
type Options struct {
	// StopTimeout bounds each unit's stop call. Cancellation never interrupts stop, only this bound does.
	StopTimeout time.Duration

	// ShutdownTimeout is used by Shutdown when the caller passes zero
	ShutdownTimeout time.Duration

	// HealthGracePeriod is how late a health check may be before the unit reads as unhealthy
	HealthGracePeriod time.Duration
}

const (
	defaultStopTimeout       = 10 * time.Second
	defaultShutdownTimeout   = 30 * time.Second
	defaultHealthGracePeriod = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.StopTimeout <= 0 {
		o.StopTimeout = defaultStopTimeout
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = defaultShutdownTimeout
	}
	if o.HealthGracePeriod <= 0 {
		o.HealthGracePeriod = defaultHealthGracePeriod
	}
	return o
}

// UnitOptions are fixed at registration and read-only afterwards
type UnitOptions struct {
	// Name is a human readable label. Defaults to the unit's own name.
	Name string

	SamplePeriod time.Duration

	// StepTimeout bounds every run-step. Defaults to SamplePeriod.
	StepTimeout time.Duration

	// HealthInterval is the time between health checks. Defaults to 5 x SamplePeriod.
	HealthInterval time.Duration

	// HealthTimeout bounds every health check. Defaults to StepTimeout, capped at HealthInterval.
	HealthTimeout time.Duration

	// InitPolicy wraps initialize and start. Zero fields take DefaultInitializePolicy values.
	InitPolicy *retry.Policy

	// StepPolicy wraps every run-step. Zero fields take DefaultStepPolicy values.
	StepPolicy *retry.Policy

	// MaxConsecutiveFailures demotes a unit to Failed after this many run-steps in a row
	// fail with their retries exhausted. Zero retries indefinitely.
	MaxConsecutiveFailures int
}

// ResolveUnitOptions fills derived timings and policies the way Register does
func ResolveUnitOptions(o UnitOptions) UnitOptions {
	return o.withDefaults()
}

func (o UnitOptions) withDefaults() UnitOptions {
	if o.StepTimeout <= 0 {
		o.StepTimeout = o.SamplePeriod
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 5 * o.SamplePeriod
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = o.StepTimeout
	}
	if o.HealthTimeout > o.HealthInterval {
		o.HealthTimeout = o.HealthInterval
	}

	initPolicy := retry.DefaultInitializePolicy()
	if o.InitPolicy != nil {
		initPolicy = o.InitPolicy.WithDefaults(initPolicy)
	}
	o.InitPolicy = &initPolicy

	stepPolicy := retry.DefaultStepPolicy()
	if o.StepPolicy != nil {
		stepPolicy = o.StepPolicy.WithDefaults(stepPolicy)
	}
	o.StepPolicy = &stepPolicy

	return o
}
