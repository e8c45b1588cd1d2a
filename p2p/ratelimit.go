package p2p

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// messageLimiter bounds the inbound application message rate of one connection.
// A nil limiter admits everything.
type messageLimiter struct {
	limiter *rate.Limiter
}

func newMessageLimiter(perSecond float64, burst int) *messageLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = int(perSecond * 2)
	}
	if burst < 1 {
		burst = 1
	}
	return &messageLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *messageLimiter) allow(now time.Time) bool {
	if l == nil {
		return true
	}
	return l.limiter.AllowN(now, 1)
}

// acceptLimiter throttles inbound connection attempts per remote IP so a single
// host cannot monopolise handshake work.
type acceptLimiter struct {
	perSecond rate.Limit
	burst     int

	mu     sync.Mutex
	limits map[string]*acceptBucket
}

type acceptBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

const acceptLimiterIdle = 10 * time.Minute

func newAcceptLimiter(perSecond float64, burst int) *acceptLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &acceptLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		limits:    make(map[string]*acceptBucket),
	}
}

func (l *acceptLimiter) allow(ip string, now time.Time) bool {
	if l == nil || ip == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket := l.limits[ip]
	if bucket == nil {
		bucket = &acceptBucket{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.limits[ip] = bucket
	}
	bucket.seen = now
	return bucket.limiter.AllowN(now, 1)
}

// prune forgets hosts idle for longer than acceptLimiterIdle.
func (l *acceptLimiter) prune(now time.Time) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, bucket := range l.limits {
		if now.Sub(bucket.seen) > acceptLimiterIdle {
			delete(l.limits, ip)
		}
	}
}
