// Package debuglog is the printf-style logging used on hot network paths.
// Messages go to the default slog logger; debug output is only produced when
// the logger is enabled for debug level.
package debuglog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func debugEnabled() bool {
	return slog.Default().Enabled(context.Background(), slog.LevelDebug)
}

func Logf(format string, args ...any) {
	slog.Default().Info(fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) {
	if !debugEnabled() {
		return
	}
	slog.Default().Debug(fmt.Sprintf(format, args...))
}

// RateLimitedf logs at debug level at most once per interval for key. It is
// meant for repeating failures such as dials to an offline peer.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !debugEnabled() || key == "" {
		return
	}
	if !allow(key, interval, time.Now()) {
		return
	}
	slog.Default().Debug(fmt.Sprintf(format, args...), "key", key)
}

func allow(key string, interval time.Duration, now time.Time) bool {
	rlMu.Lock()
	defer rlMu.Unlock()
	if now.Sub(rlLast[key]) < interval {
		return false
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	return true
}
