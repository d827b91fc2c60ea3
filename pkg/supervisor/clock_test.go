package supervisor

import (
	"time"

	testclock "k8s.io/utils/clock/testing"
)

func clockForTest() *testclock.FakeClock {
	return testclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}
