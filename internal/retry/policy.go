package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/quflux/publisher/internal/models"
)

// Action tags the outcome of a retry decision.
type Action int

const (
	// ActionRetryAt requeues the publication for another attempt at Decision.At.
	ActionRetryAt Action = iota
	// ActionRefreshAndRetry forces a token refresh, then one immediate retry.
	ActionRefreshAndRetry
	// ActionFail settles the publication as terminally failed.
	ActionFail
)

// Decision is the tagged result of Decide.
type Decision struct {
	Action Action
	At     time.Time
}

// Policy computes whether and when a failed attempt should run again. It is
// pure apart from the clock and jitter source, so outcomes are testable
// without any network call.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Multiplier  float64
	Max         time.Duration

	now func() time.Time
}

// NewPolicy builds a policy from backoff parameters.
func NewPolicy(maxAttempts int, base time.Duration, multiplier float64, max time.Duration) *Policy {
	return &Policy{
		MaxAttempts: maxAttempts,
		Base:        base,
		Multiplier:  multiplier,
		Max:         max,
		now:         time.Now,
	}
}

// Decide maps an attempt's error classification to a retry action.
// attempt is the count including the attempt that just failed; prev is the
// classification recorded by the previous attempt, used to cut off repeated
// auth failures after a refresh already happened.
func (p *Policy) Decide(class models.Classification, attempt int, prev models.Classification, retryAfter time.Duration) Decision {
	if attempt >= p.MaxAttempts {
		return Decision{Action: ActionFail}
	}
	switch class {
	case models.ClassRateLimited:
		// The platform told us when to come back; its hint wins over backoff.
		return Decision{Action: ActionRetryAt, At: p.now().Add(retryAfter)}
	case models.ClassTransient:
		return Decision{Action: ActionRetryAt, At: p.now().Add(p.Backoff(attempt))}
	case models.ClassAuth:
		if prev == models.ClassAuth {
			return Decision{Action: ActionFail}
		}
		return Decision{Action: ActionRefreshAndRetry}
	default:
		return Decision{Action: ActionFail}
	}
}

// Backoff computes the jittered exponential delay for the given attempt
// count: min(base * multiplier^n, max) scaled uniformly into [0.5, 1.0] so
// many publications failing together do not retry in lockstep.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	raw := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt))
	if raw > float64(p.Max) {
		raw = float64(p.Max)
	}
	factor := 0.5 + 0.5*rand.Float64()
	return time.Duration(raw * factor)
}

// unjittered is the deterministic ceiling Backoff jitters below.
func (p *Policy) unjittered(attempt int) time.Duration {
	raw := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt))
	if raw > float64(p.Max) {
		raw = float64(p.Max)
	}
	return time.Duration(raw)
}
