// Package raftest provides small polling helpers for the cluster
// scenario tests: wait at an interval until a condition holds or a
// timeout elapses. Deliberately minimal: an in-process condition,
// not an HTTP client.
package raftest

import (
	"testing"
	"time"
)

// WaitFor polls cond every interval until it returns true or timeout
// elapses, failing t fatally with msg on timeout.
func WaitFor(t *testing.T, timeout, interval time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	if cond() {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for: %s", msg)
		}
	}
}

// Default is the poll interval scenario tests use when they don't
// need a tighter one; their 150ms election timeouts don't need
// sub-millisecond polling.
const Default = 10 * time.Millisecond
