package devices

import (
	"context"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/unit"

	"k8s.io/utils/clock"
)

// Hybrid is a simulated controller whose driver opens and closes synchronously
// but samples through a suspendable API.
type Hybrid struct {
	core
}

func NewHybrid(name string, options Options, clk clock.Clock, logger logging.Logger) *Hybrid {
	return &Hybrid{core: newCore(name, options, clk, logger)}
}

func (h *Hybrid) InitializeSync() error {
	h.waitSync()
	return nil
}

func (h *Hybrid) StartSync() error {
	h.setReady(true)
	return nil
}

func (h *Hybrid) RunStep(ctx context.Context) error {
	if err := h.wait(ctx); err != nil {
		return err
	}
	if failed, _ := h.roll(); failed {
		err := errors.NewIOError("controller sample failed", nil).WithContext("controller", h.name)
		h.record(err)
		return err
	}
	h.record(nil)
	return nil
}

func (h *Hybrid) StopSync() error {
	h.setReady(false)
	return nil
}

func (h *Hybrid) HealthCheck(ctx context.Context) (unit.Health, error) {
	return h.health(), nil
}
