package devices

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/unit"

	"k8s.io/utils/clock"
)

// Kind selects which contract form a simulated device exposes
type Kind string

const (
	KindSensor   Kind = "sensor"   // every method suspendable
	KindActuator Kind = "actuator" // every method blocking
	KindHybrid   Kind = "hybrid"   // suspendable steps, blocking setup and teardown
)

// unhealthyAfter is how many failed reads in a row make a device report unhealthy
const unhealthyAfter = 3

type Options struct {
	// FailureRate is the probability in [0,1] that a single read or write fails transiently
	FailureRate float64 `yaml:"failure_rate"`

	// Latency is how long each read or write takes
	Latency time.Duration `yaml:"latency"`

	// Seed fixes the failure sequence. Zero seeds from the clock.
	Seed int64 `yaml:"seed,omitempty"`
}

func (o Options) Validate() error {
	if o.FailureRate < 0 || o.FailureRate > 1 {
		return errors.NewValidationError(fmt.Sprintf("failure rate must be within [0,1], got %v", o.FailureRate), nil)
	}
	if o.Latency < 0 {
		return errors.NewValidationError("latency cannot be negative", nil)
	}
	return nil
}

// New builds a simulated device of the given kind, ready to register with a supervisor
func New(kind Kind, name string, options Options, clk clock.Clock, logger logging.Logger) (interface{}, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	switch kind {
	case KindSensor:
		return NewSensor(name, options, clk, logger), nil
	case KindActuator:
		return NewActuator(name, options, clk, logger), nil
	case KindHybrid:
		return NewHybrid(name, options, clk, logger), nil
	default:
		return nil, errors.NewValidationError(
			fmt.Sprintf("unsupported device kind: %s", kind),
			nil,
		).WithContext("supported_kinds", "sensor, actuator, hybrid")
	}
}

// core holds what every simulated device shares: the fault model and health bookkeeping
type core struct {
	name    string
	options Options
	clock   clock.Clock
	logger  logging.Logger

	mutex            sync.Mutex
	rand             *rand.Rand
	consecutiveFails int
	operations       int64
	ready            bool
}

func newCore(name string, options Options, clk clock.Clock, logger logging.Logger) core {
	seed := options.Seed
	if seed == 0 {
		seed = clk.Now().UnixNano()
	}
	return core{
		name:    name,
		options: options,
		clock:   clk,
		logger:  logger,
		rand:    rand.New(rand.NewSource(seed)),
	}
}

func (c *core) Name() string {
	return c.name
}

// roll draws one failure decision and a value from the shared source
func (c *core) roll() (failed bool, value float64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.rand.Float64() < c.options.FailureRate, c.rand.Float64()
}

func (c *core) record(err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.operations++
	if err != nil {
		c.consecutiveFails++
	} else {
		c.consecutiveFails = 0
	}
}

func (c *core) setReady(ready bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.ready = ready
}

// Operations returns how many reads or writes have completed
func (c *core) Operations() int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.operations
}

func (c *core) health() unit.Health {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	switch {
	case !c.ready:
		return unit.Health{Healthy: false, Message: "not started"}
	case c.consecutiveFails >= unhealthyAfter:
		return unit.Health{Healthy: false, Message: fmt.Sprintf("%d consecutive failures", c.consecutiveFails)}
	default:
		return unit.Health{Healthy: true, Message: "ok"}
	}
}

// wait sleeps for the configured latency or until ctx ends
func (c *core) wait(ctx context.Context) error {
	if c.options.Latency <= 0 {
		return ctx.Err()
	}
	timer := c.clock.NewTimer(c.options.Latency)
	defer timer.Stop()
	select {
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return errors.NewCancelledError("device operation cancelled", ctx.Err())
	}
}

// waitSync is wait for callers that own their goroutine
func (c *core) waitSync() {
	if c.options.Latency > 0 {
		c.clock.Sleep(c.options.Latency)
	}
}
