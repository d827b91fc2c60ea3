package unit

import "context"

// Health is what a unit reports about itself from a health check
type Health struct {
	Healthy bool
	Message string
}

// Suspendable forms. Each method observes ctx and returns promptly once it is done.

type Initializer interface {
	Initialize(ctx context.Context) error
}

type Starter interface {
	Start(ctx context.Context) error
}

type Stepper interface {
	RunStep(ctx context.Context) error
}

type Stopper interface {
	Stop(ctx context.Context) error
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) (Health, error)
}

// Blocking forms. These are offloaded to the worker pool and cannot be preempted.

type SyncInitializer interface {
	InitializeSync() error
}

type SyncStarter interface {
	StartSync() error
}

type SyncStepper interface {
	RunStepSync() error
}

type SyncStopper interface {
	StopSync() error
}

type SyncHealthChecker interface {
	HealthCheckSync() (Health, error)
}

// Named units provide a human readable name for logs and the health API
type Named interface {
	Name() string
}

// Funcs lets a unit be assembled from plain functions.
// For every lifecycle method at least one of the two forms must be set;
// when both are set the suspendable one wins.
type Funcs struct {
	UnitName string

	Initialize  func(ctx context.Context) error
	Start       func(ctx context.Context) error
	RunStep     func(ctx context.Context) error
	Stop        func(ctx context.Context) error
	HealthCheck func(ctx context.Context) (Health, error)

	InitializeSync  func() error
	StartSync       func() error
	RunStepSync     func() error
	StopSync        func() error
	HealthCheckSync func() (Health, error)
}

func (f Funcs) Name() string {
	return f.UnitName
}
