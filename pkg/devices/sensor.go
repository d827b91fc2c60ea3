package devices

import (
	"context"
	"sync"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/unit"

	"k8s.io/utils/clock"
)

// Sensor is a simulated temperature probe. Every lifecycle method is suspendable.
type Sensor struct {
	core

	readingMutex sync.RWMutex
	reading      float64
}

func NewSensor(name string, options Options, clk clock.Clock, logger logging.Logger) *Sensor {
	return &Sensor{
		core:    newCore(name, options, clk, logger),
		reading: 20.0,
	}
}

func (s *Sensor) Initialize(ctx context.Context) error {
	s.logger.Debugf("Calibrating sensor, name: %s", s.name)
	return s.wait(ctx)
}

func (s *Sensor) Start(ctx context.Context) error {
	s.setReady(true)
	return nil
}

func (s *Sensor) RunStep(ctx context.Context) error {
	if err := s.wait(ctx); err != nil {
		return err
	}

	failed, value := s.roll()
	if failed {
		err := errors.NewIOError("sensor read failed", nil).WithContext("sensor", s.name)
		s.record(err)
		return err
	}

	s.readingMutex.Lock()
	// bounded random walk around the last value
	s.reading += (value - 0.5) * 0.2
	s.readingMutex.Unlock()

	s.record(nil)
	return nil
}

func (s *Sensor) Stop(ctx context.Context) error {
	s.setReady(false)
	s.logger.Debugf("Sensor released, name: %s, reads: %d", s.name, s.Operations())
	return nil
}

func (s *Sensor) HealthCheck(ctx context.Context) (unit.Health, error) {
	return s.health(), nil
}

// Reading returns the last successfully sampled value
func (s *Sensor) Reading() float64 {
	s.readingMutex.RLock()
	defer s.readingMutex.RUnlock()
	return s.reading
}
