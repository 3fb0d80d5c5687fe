// Package retry provides the inter-attempt delay policies used between
// extraction attempts.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Kind selects the delay progression.
type Kind string

const (
	// KindNone applies no delay between attempts.
	KindNone Kind = "none"
	// KindFixed applies the same delay before every retry.
	KindFixed Kind = "fixed"
	// KindExponential doubles (or multiplies) the delay per retry.
	KindExponential Kind = "exponential"
)

// Policy describes a delay progression. The zero value is KindNone.
type Policy struct {
	Kind       Kind
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter adds +/- Jitter fraction of randomness to each delay.
	// 0.25 means the delay varies within 75%..125% of its nominal value.
	Jitter float64
}

// None returns the no-delay policy.
func None() Policy {
	return Policy{Kind: KindNone}
}

// Fixed returns a constant-delay policy.
func Fixed(delay time.Duration) Policy {
	return Policy{Kind: KindFixed, Initial: delay}
}

// Exponential returns a doubling policy with a cap and ±25% jitter.
func Exponential(initial, max time.Duration) Policy {
	return Policy{
		Kind:       KindExponential,
		Initial:    initial,
		Max:        max,
		Multiplier: 2,
		Jitter:     0.25,
	}
}

// Delay computes the nominal delay before retry attempt n (1-based: the
// delay applied before the attempt following attempt n).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Kind {
	case KindFixed:
		d = p.Initial
	case KindExponential:
		mult := p.Multiplier
		if mult <= 1 {
			mult = 2
		}
		d = time.Duration(float64(p.Initial) * math.Pow(mult, float64(attempt-1)))
		if p.Max > 0 && d > p.Max {
			d = p.Max
		}
	default:
		return 0
	}

	if p.Jitter > 0 && d > 0 {
		// spread within (1-jitter)..(1+jitter)
		factor := 1 + p.Jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * factor)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Wait sleeps for the attempt's delay, returning early with the context
// error if the context is cancelled first.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
