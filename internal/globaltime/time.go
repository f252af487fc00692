// Package globaltime is the single source of wall-clock time for the
// pipeline. Tests pin it with SetMockTime so heartbeat and backoff logic
// run without real delays.
package globaltime

import (
	"sync"
	"time"
)

var (
	mu      sync.RWMutex
	nowFunc = time.Now
)

func Now() time.Time {
	mu.RLock()
	defer mu.RUnlock()
	return nowFunc()
}

func UTC() time.Time {
	return Now().UTC()
}

// Since reports the elapsed time from t to the mockable now.
func Since(t time.Time) time.Duration {
	return UTC().Sub(t.UTC())
}

func SetMockTime(t time.Time) {
	mu.Lock()
	defer mu.Unlock()
	nowFunc = func() time.Time { return t }
}

func ResetTime() {
	mu.Lock()
	defer mu.Unlock()
	nowFunc = time.Now
}
