package monitoring

import (
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

type HealthStatus string

const (
	// HealthStatusUnknown is reported until the first check completes or its grace period runs out
	HealthStatusUnknown   HealthStatus = "unknown"
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthSnapshot is produced fresh by every check and replaces the previous one
type HealthSnapshot struct {
	Status     HealthStatus `json:"status"`
	Message    string       `json:"message,omitempty"`
	ObservedAt time.Time    `json:"observed_at"`
}

func (s HealthSnapshot) IsHealthy() bool {
	return s.Status == HealthStatusHealthy
}

func Healthy(message string, at time.Time) HealthSnapshot {
	return HealthSnapshot{Status: HealthStatusHealthy, Message: message, ObservedAt: at}
}

func Unhealthy(message string, at time.Time) HealthSnapshot {
	return HealthSnapshot{Status: HealthStatusUnhealthy, Message: message, ObservedAt: at}
}

type HealthCheckRunOptions struct {
	Interval time.Duration `yaml:"interval,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`

	// GracePeriod is how long past Interval a check may be late before it counts as missed
	GracePeriod time.Duration `yaml:"grace_period,omitempty"`
}

// HealthCheckState is the tracker's view of one unit's health history
type HealthCheckState struct {
	Last                 HealthSnapshot
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	TotalChecks          int
}

// HealthRecoveryCallback is invoked when a unit turns healthy after failing
type HealthRecoveryCallback func()

// HealthTracker records snapshots for one unit and counts streaks
type HealthTracker struct {
	id               string
	state            HealthCheckState
	mutex            sync.Mutex
	logger           logging.Logger
	recoveryCallback HealthRecoveryCallback
}

func NewHealthTracker(id string, logger logging.Logger) *HealthTracker {
	return &HealthTracker{
		id:     id,
		state:  HealthCheckState{Last: HealthSnapshot{Status: HealthStatusUnknown}},
		logger: logger,
	}
}

func (h *HealthTracker) SetRecoveryCallback(callback HealthRecoveryCallback) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.recoveryCallback = callback
}

// Record overwrites the last snapshot
func (h *HealthTracker) Record(snapshot HealthSnapshot) {
	if h.record(snapshot) {
		h.mutex.Lock()
		callback := h.recoveryCallback
		h.mutex.Unlock()
		if callback != nil {
			callback()
		}
	}
}

// record updates the streaks and reports whether the unit just recovered
func (h *HealthTracker) record(snapshot HealthSnapshot) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	previous := h.state.Last.Status
	h.state.Last = snapshot
	h.state.TotalChecks++

	if snapshot.IsHealthy() {
		h.state.ConsecutiveSuccesses++
		h.state.ConsecutiveFailures = 0

		if previous == HealthStatusUnhealthy {
			h.logger.Infof("Health check recovered, id: %s, consecutive_successes: %d", h.id, h.state.ConsecutiveSuccesses)
			return true
		}
		h.logger.Debugf("Health check passed, id: %s, consecutive_successes: %d", h.id, h.state.ConsecutiveSuccesses)
		return false
	}

	h.state.ConsecutiveFailures++
	h.state.ConsecutiveSuccesses = 0
	if previous != snapshot.Status {
		h.logger.Warnf("Health check status changed, id: %s, status: %s->%s, consecutive_failures: %d, message: %s",
			h.id, previous, snapshot.Status, h.state.ConsecutiveFailures, snapshot.Message)
	} else {
		h.logger.Warnf("Health check failed, id: %s, consecutive_failures: %d, message: %s",
			h.id, h.state.ConsecutiveFailures, snapshot.Message)
	}
	return false
}

// Last returns the most recent snapshot
func (h *HealthTracker) Last() HealthSnapshot {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.state.Last
}

// State returns a copy of the tracker state
func (h *HealthTracker) State() HealthCheckState {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.state
}

// Effective returns the last snapshot unless it is overdue, in which case an Unhealthy
// snapshot describing the missed check is returned. since is when tracking began.
func (h *HealthTracker) Effective(now, since time.Time, options HealthCheckRunOptions) HealthSnapshot {
	last := h.Last()
	if options.Interval <= 0 {
		return last
	}

	reference := last.ObservedAt
	if last.Status == HealthStatusUnknown || reference.IsZero() {
		reference = since
	}
	deadline := reference.Add(options.Interval + options.GracePeriod)
	if now.After(deadline) {
		return Unhealthy("health check overdue", now)
	}
	return last
}
