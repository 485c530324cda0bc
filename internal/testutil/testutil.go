// Package testutil holds helpers shared by fuzz and multi-node tests.
package testutil

import (
	"testing"
	"time"
)

const (
	DefaultMaxFuzzBytes = 1 << 16
	DefaultFuzzTimeout  = 100 * time.Millisecond
	DefaultRecvTimeout  = 5 * time.Second
)

// CapBytes truncates fuzz input to max bytes, DefaultMaxFuzzBytes when max
// is not positive.
func CapBytes(b []byte, max int) []byte {
	if max <= 0 {
		max = DefaultMaxFuzzBytes
	}
	if len(b) > max {
		return b[:max]
	}
	return b
}

// WithTimeout fails t if fn does not return within d.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultFuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timeout after %s", d)
	}
}

// Recv waits for one value from ch.
func Recv[T any](t testing.TB, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(DefaultRecvTimeout):
		t.Fatalf("nothing received after %s", DefaultRecvTimeout)
		var zero T
		return zero
	}
}
