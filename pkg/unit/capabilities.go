package unit

import (
	"context"
	"fmt"
	"strings"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// MethodName names one of the five lifecycle methods
type MethodName string

const (
	MethodInitialize  MethodName = "initialize"
	MethodStart       MethodName = "start"
	MethodRunStep     MethodName = "run_step"
	MethodStop        MethodName = "stop"
	MethodHealthCheck MethodName = "health_check"
)

// MethodNames lists the lifecycle methods in invocation order
var MethodNames = []MethodName{MethodInitialize, MethodStart, MethodRunStep, MethodStop, MethodHealthCheck}

// Form tags how a method is implemented
type Form int

const (
	FormAbsent Form = iota
	FormSuspendable
	FormBlocking
)

func (f Form) String() string {
	switch f {
	case FormSuspendable:
		return "suspendable"
	case FormBlocking:
		return "blocking"
	default:
		return "absent"
	}
}

// Method is the resolved implementation of one lifecycle method.
// Exactly one of Suspendable and Blocking is set unless Form is FormAbsent.
type Method struct {
	Name        MethodName
	Form        Form
	Suspendable func(ctx context.Context) (Health, error)
	Blocking    func() (Health, error)
}

// Capabilities is the immutable dispatch table built by Probe
type Capabilities struct {
	Mode    CapabilityMode
	methods map[MethodName]Method
}

// Method returns the resolved method. Probe guarantees every name is present.
func (c Capabilities) Method(name MethodName) Method {
	return c.methods[name]
}

// Forms summarizes the table for diagnostics
func (c Capabilities) Forms() map[MethodName]Form {
	forms := make(map[MethodName]Form, len(c.methods))
	for name, m := range c.methods {
		forms[name] = m.Form
	}
	return forms
}

// Probe inspects u once and resolves every lifecycle method.
// A unit missing both forms of any method is rejected with a contract violation.
func Probe(u interface{}) (Capabilities, error) {
	if u == nil {
		return Capabilities{}, errors.NewContractViolationError("unit cannot be nil", nil)
	}

	var methods map[MethodName]Method
	if f, ok := u.(*Funcs); ok {
		if f == nil {
			return Capabilities{}, errors.NewContractViolationError("unit cannot be nil", nil)
		}
		methods = probeFuncs(f)
	} else if f, ok := u.(Funcs); ok {
		methods = probeFuncs(&f)
	} else {
		methods = probeInterfaces(u)
	}

	missing := make([]string, 0)
	suspendable := 0
	for _, name := range MethodNames {
		m, ok := methods[name]
		if !ok {
			missing = append(missing, string(name))
			continue
		}
		if m.Form == FormSuspendable {
			suspendable++
		}
	}
	if len(missing) > 0 {
		return Capabilities{}, errors.NewContractViolationError(
			fmt.Sprintf("unit %T implements neither form of: %s", u, strings.Join(missing, ", ")),
			nil,
		).WithContext("missing_methods", missing)
	}

	mode := ModeSuspendable
	if suspendable == 0 {
		mode = ModeBlockingOnly
	}
	return Capabilities{Mode: mode, methods: methods}, nil
}

func probeInterfaces(u interface{}) map[MethodName]Method {
	methods := make(map[MethodName]Method)

	if i, ok := u.(Initializer); ok {
		methods[MethodInitialize] = suspendable(MethodInitialize, i.Initialize)
	} else if i, ok := u.(SyncInitializer); ok {
		methods[MethodInitialize] = blocking(MethodInitialize, i.InitializeSync)
	}

	if s, ok := u.(Starter); ok {
		methods[MethodStart] = suspendable(MethodStart, s.Start)
	} else if s, ok := u.(SyncStarter); ok {
		methods[MethodStart] = blocking(MethodStart, s.StartSync)
	}

	if s, ok := u.(Stepper); ok {
		methods[MethodRunStep] = suspendable(MethodRunStep, s.RunStep)
	} else if s, ok := u.(SyncStepper); ok {
		methods[MethodRunStep] = blocking(MethodRunStep, s.RunStepSync)
	}

	if s, ok := u.(Stopper); ok {
		methods[MethodStop] = suspendable(MethodStop, s.Stop)
	} else if s, ok := u.(SyncStopper); ok {
		methods[MethodStop] = blocking(MethodStop, s.StopSync)
	}

	if h, ok := u.(HealthChecker); ok {
		methods[MethodHealthCheck] = Method{Name: MethodHealthCheck, Form: FormSuspendable, Suspendable: h.HealthCheck}
	} else if h, ok := u.(SyncHealthChecker); ok {
		methods[MethodHealthCheck] = Method{Name: MethodHealthCheck, Form: FormBlocking, Blocking: h.HealthCheckSync}
	}

	return methods
}

func probeFuncs(f *Funcs) map[MethodName]Method {
	methods := make(map[MethodName]Method)

	pairs := []struct {
		name  MethodName
		async func(ctx context.Context) error
		sync  func() error
	}{
		{MethodInitialize, f.Initialize, f.InitializeSync},
		{MethodStart, f.Start, f.StartSync},
		{MethodRunStep, f.RunStep, f.RunStepSync},
		{MethodStop, f.Stop, f.StopSync},
	}
	for _, p := range pairs {
		switch {
		case p.async != nil:
			methods[p.name] = suspendable(p.name, p.async)
		case p.sync != nil:
			methods[p.name] = blocking(p.name, p.sync)
		}
	}

	switch {
	case f.HealthCheck != nil:
		methods[MethodHealthCheck] = Method{Name: MethodHealthCheck, Form: FormSuspendable, Suspendable: f.HealthCheck}
	case f.HealthCheckSync != nil:
		methods[MethodHealthCheck] = Method{Name: MethodHealthCheck, Form: FormBlocking, Blocking: f.HealthCheckSync}
	}

	return methods
}

func suspendable(name MethodName, fn func(ctx context.Context) error) Method {
	return Method{
		Name: name,
		Form: FormSuspendable,
		Suspendable: func(ctx context.Context) (Health, error) {
			return Health{}, fn(ctx)
		},
	}
}

func blocking(name MethodName, fn func() error) Method {
	return Method{
		Name: name,
		Form: FormBlocking,
		Blocking: func() (Health, error) {
			return Health{}, fn()
		},
	}
}

// NameOf returns the unit's self-reported name, or its Go type
func NameOf(u interface{}) string {
	if n, ok := u.(Named); ok && n.Name() != "" {
		return n.Name()
	}
	return fmt.Sprintf("%T", u)
}
