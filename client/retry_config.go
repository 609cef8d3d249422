package client

import (
	"time"

	"github.com/cenkalti/backoff/v3"
)

const (
	defaultInitialDelay        = 500 * time.Millisecond
	defaultMaxDelay            = 60 * time.Second
	defaultMaxElapsedTime      = 3 * time.Minute
	defaultMultiplier          = 1.5
	defaultRandomizationFactor = 0.5
)

// RetryConfig contains exponential backoff parameters for retrying
// connections. In most cases, the default values are good enough.
type RetryConfig struct {
	// InitialDelay is the delay after which the first retry takes place.
	// Default = 500 * time.Millisecond
	InitialDelay time.Duration

	// MaxDelay is the maximum possible delay between two consecutive
	// attempts.
	// Default = 60 * time.Second
	MaxDelay time.Duration

	// MaxElapsedTime is the time after which retrying stops.
	// Default = 3 * time.Minute
	MaxElapsedTime time.Duration

	// Multiplier is the rate at which the delay will increase.
	// Default = 1.5
	Multiplier float64

	// RandomizationFactor is the extent to which the delay values will be
	// randomized.
	// Default = 0.5
	RandomizationFactor float64
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.InitialDelay == 0 {
		r.InitialDelay = defaultInitialDelay
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = defaultMaxDelay
	}
	if r.MaxElapsedTime == 0 {
		r.MaxElapsedTime = defaultMaxElapsedTime
	}
	if r.Multiplier == 0 {
		r.Multiplier = defaultMultiplier
	}
	if r.RandomizationFactor == 0 {
		r.RandomizationFactor = defaultRandomizationFactor
	}
	return r
}

// exponentialBackOff returns a fresh ExponentialBackOff following r.
func (r RetryConfig) exponentialBackOff() *backoff.ExponentialBackOff {
	r = r.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.InitialDelay
	b.MaxInterval = r.MaxDelay
	b.MaxElapsedTime = r.MaxElapsedTime
	b.Multiplier = r.Multiplier
	b.RandomizationFactor = r.RandomizationFactor
	b.Reset()
	return b
}
