package common

import (
	"sync"
	"time"
)

// DefaultTimeout is the wait timeout used when nothing else is configured.
const DefaultTimeout = 30 * time.Second

// TimeoutSettings holds information on timeout settings.
// Unset values fall back to the parent settings.
type TimeoutSettings struct {
	mu                       sync.RWMutex
	parent                   *TimeoutSettings
	defaultTimeout           *time.Duration
	defaultNavigationTimeout *time.Duration
}

// NewTimeoutSettings creates a new timeout settings object.
func NewTimeoutSettings(parent *TimeoutSettings) *TimeoutSettings {
	return &TimeoutSettings{parent: parent}
}

func (t *TimeoutSettings) setDefaultTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.defaultTimeout = &timeout
}

func (t *TimeoutSettings) setDefaultNavigationTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.defaultNavigationTimeout = &timeout
}

func (t *TimeoutSettings) navigationTimeout() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.defaultNavigationTimeout != nil {
		return *t.defaultNavigationTimeout
	}
	if t.defaultTimeout != nil {
		return *t.defaultTimeout
	}
	if t.parent != nil {
		return t.parent.navigationTimeout()
	}
	return DefaultTimeout
}

func (t *TimeoutSettings) timeout() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.defaultTimeout != nil {
		return *t.defaultTimeout
	}
	if t.parent != nil {
		return t.parent.timeout()
	}
	return DefaultTimeout
}
