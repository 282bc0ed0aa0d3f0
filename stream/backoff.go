package stream

import (
	"time"

	appconfig "pulsefeed/config"
)

// Policy maps a reconnect attempt count to the delay before the next dial.
// Delay is pure and deterministic: min(base * multiplier^attempt, cap).
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	Multiplier  int
	MaxAttempts int
}

// DefaultPolicy returns the documented defaults: 1s base doubling up to a
// 30s cap, five attempts before the connection is declared failed.
func DefaultPolicy() Policy {
	return Policy{
		Base:        time.Second,
		Cap:         30 * time.Second,
		Multiplier:  2,
		MaxAttempts: 5,
	}
}

// PolicyFromConfig builds a Policy from the backoff config section,
// falling back to defaults for unset values.
func PolicyFromConfig(cfg appconfig.BackoffConfig) Policy {
	p := DefaultPolicy()
	if cfg.BaseDelay > 0 {
		p.Base = cfg.BaseDelay.Std()
	}
	if cfg.MaxDelay > 0 {
		p.Cap = cfg.MaxDelay.Std()
	}
	if cfg.Multiplier >= 2 {
		p.Multiplier = cfg.Multiplier
	}
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	return p
}

// Delay returns the wait before reconnect attempt n (1-based). Attempts
// below 1 are treated as the first attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= time.Duration(p.Multiplier)
		if d >= p.Cap {
			return p.Cap
		}
	}
	return d
}
