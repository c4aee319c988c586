package steps

import (
	"golang.org/x/time/rate"
)

// newLimiter returns a token bucket allowing perSecond requests per second.
// A non-positive rate disables limiting.
func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
