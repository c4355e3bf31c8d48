package ratelimit

import (
	"golang.org/x/time/rate"
)

// Global is a process-wide token bucket applied in front of the per-client
// window. A nil *Global admits everything.
type Global struct {
	limiter *rate.Limiter
}

// NewGlobal returns nil when rps is not positive.
func NewGlobal(rps float64, burst int) *Global {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(rps) + 1
	}
	return &Global{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (g *Global) Allow() bool {
	if g == nil {
		return true
	}
	if !g.limiter.Allow() {
		rejectionsTotal.WithLabelValues("global").Inc()
		return false
	}
	return true
}
