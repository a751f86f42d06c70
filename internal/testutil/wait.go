package testutil

import (
	"testing"
	"time"
)

// Eventually polls cond until it returns true or the timeout elapses, failing
// the test on timeout. Mesh delivery is asynchronous even over the in-process
// transport, so tests observe state through this helper instead of sleeping.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}
