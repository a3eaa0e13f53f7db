package usecase

import (
	"math"
	"time"
)

const (
	defaultBackoffInitial    = 500 * time.Millisecond
	defaultBackoffMax        = 5 * time.Second
	defaultBackoffMultiplier = 2.0
)

// BackoffPolicy computes the delay before a reconnect attempt. Delays grow by
// Multiplier per attempt and are capped at Max; Multiplier 1 gives a fixed delay.
type BackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	if p.Initial <= 0 {
		p.Initial = defaultBackoffInitial
	}
	if p.Max <= 0 {
		p.Max = defaultBackoffMax
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultBackoffMultiplier
	}
	return p
}

// Delay returns the wait before the given 1-based attempt.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.Max) || math.IsInf(delay, 0) {
		return p.Max
	}
	return time.Duration(delay)
}
