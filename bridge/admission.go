package bridge

import (
	"errors"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var (
	errTooManyForks = errors.New("too many running processes")
	errRateLimited  = errors.New("too many new connections")
)

// admission limits how many children run at once and how quickly new sessions start.
type admission struct {
	forks   *semaphore.Weighted
	limiter *rate.Limiter
}

func newAdmission(maxForks int, maxRate float64) *admission {
	a := &admission{}
	if maxForks > 0 {
		a.forks = semaphore.NewWeighted(int64(maxForks))
	}
	if maxRate > 0 {
		burst := int(maxRate)
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(maxRate), burst)
	}
	return a
}

// admit reserves a slot without blocking. The returned release func must be called exactly once.
func (a *admission) admit() (func(), error) {
	if a.limiter != nil && !a.limiter.Allow() {
		return nil, errRateLimited
	}
	if a.forks == nil {
		return func() {}, nil
	}
	if !a.forks.TryAcquire(1) {
		return nil, errTooManyForks
	}
	return func() { a.forks.Release(1) }, nil
}
