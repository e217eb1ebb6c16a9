package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// reconnectSettings bounds the reconnection policy.
type reconnectSettings struct {
	initial     time.Duration
	max         time.Duration
	maxAttempts int
}

var defaultReconnectSettings = reconnectSettings{
	initial:     500 * time.Millisecond,
	max:         10 * time.Second,
	maxAttempts: 5,
}

// reconnectPolicy is an explicit retry state machine: an attempt counter
// over an exponential backoff with a hard attempt cap. Randomization is
// disabled so the schedule is deterministic and testable.
type reconnectPolicy struct {
	bo          *backoff.ExponentialBackOff
	attempts    int
	maxAttempts int
}

func newReconnectPolicy(s reconnectSettings) *reconnectPolicy {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.initial
	bo.MaxInterval = s.max
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0 // the attempt cap bounds the policy, not elapsed time
	bo.Reset()
	return &reconnectPolicy{bo: bo, maxAttempts: s.maxAttempts}
}

// Next returns the delay before the next attempt, or false once the attempt
// cap is reached.
func (p *reconnectPolicy) Next() (time.Duration, bool) {
	if p.attempts >= p.maxAttempts {
		return 0, false
	}
	p.attempts++
	return p.bo.NextBackOff(), true
}

// Reset rewinds the policy after a successful reconnect.
func (p *reconnectPolicy) Reset() {
	p.attempts = 0
	p.bo.Reset()
}
