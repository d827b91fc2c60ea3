package devices

import (
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/retry"
	"github.com/core-tools/hsu-supervisor/pkg/unit"

	"k8s.io/utils/clock"
)

// handshakePolicy governs the actuator's own link negotiation inside InitializeSync
var handshakePolicy = retry.Policy{
	MaxAttempts:       3,
	InitialDelay:      10 * time.Millisecond,
	BackoffMultiplier: 2,
	MaxDelay:          100 * time.Millisecond,
}

// Actuator is a simulated valve driven over a blocking serial link.
// It exposes only blocking methods, so every call runs on the worker pool.
type Actuator struct {
	core
	retrier *retry.Retrier
}

func NewActuator(name string, options Options, clk clock.Clock, logger logging.Logger) *Actuator {
	return &Actuator{
		core:    newCore(name, options, clk, logger),
		retrier: retry.New(logger, retry.WithClock(clk)),
	}
}

// InitializeSync negotiates the link, retrying locally before the supervisor's own policy applies
func (a *Actuator) InitializeSync() error {
	return a.retrier.DoBlocking("handshake", handshakePolicy, a.handshake)
}

func (a *Actuator) handshake() error {
	a.waitSync()
	if failed, _ := a.roll(); failed {
		return errors.NewNetworkError("actuator handshake failed", nil).WithContext("actuator", a.name)
	}
	return nil
}

func (a *Actuator) StartSync() error {
	a.setReady(true)
	return nil
}

func (a *Actuator) RunStepSync() error {
	a.waitSync()

	if failed, _ := a.roll(); failed {
		err := errors.NewIOError("actuator write failed", nil).WithContext("actuator", a.name)
		a.record(err)
		return err
	}
	a.record(nil)
	return nil
}

func (a *Actuator) StopSync() error {
	a.setReady(false)
	a.logger.Debugf("Actuator parked, name: %s, writes: %d", a.name, a.Operations())
	return nil
}

func (a *Actuator) HealthCheckSync() (unit.Health, error) {
	return a.health(), nil
}
