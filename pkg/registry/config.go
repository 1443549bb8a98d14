package registry

import "time"

// DefaultIdleTimeout retires sessions after half an hour without use.
// The backend recycles idle sandboxes on its own schedule; past this
// window the interpreter state behind a session ID is likely gone, so
// handing the caller the old ID would only fake continuity.
const DefaultIdleTimeout = 30 * time.Minute

// Config holds session lifecycle settings for the registry.
type Config struct {
	// IdleTimeout is how long a session may sit unused before the reaper
	// removes it. Zero means DefaultIdleTimeout; negative disables
	// reaping entirely.
	IdleTimeout time.Duration
}

// idleTimeout returns the effective idle threshold, 0 when disabled.
func (c Config) idleTimeout() time.Duration {
	if c.IdleTimeout == 0 {
		return DefaultIdleTimeout
	}
	if c.IdleTimeout < 0 {
		return 0
	}
	return c.IdleTimeout
}
