package p2p

import (
	"testing"
	"time"
)

func TestMessageLimiterAllowance(t *testing.T) {
	limiter := newMessageLimiter(2, 2)
	if limiter == nil {
		t.Fatalf("expected limiter")
	}
	now := time.Now()
	if !limiter.allow(now) {
		t.Fatalf("first message should be allowed")
	}
	if !limiter.allow(now) {
		t.Fatalf("second message should be allowed")
	}
	if limiter.allow(now) {
		t.Fatalf("burst should be exhausted")
	}
	if !limiter.allow(now.Add(500 * time.Millisecond)) {
		t.Fatalf("token should refill after half a second")
	}
}

func TestMessageLimiterDisabled(t *testing.T) {
	var limiter *messageLimiter = newMessageLimiter(0, 0)
	for i := 0; i < 1000; i++ {
		if !limiter.allow(time.Now()) {
			t.Fatalf("disabled limiter rejected message %d", i)
		}
	}
}

func TestAcceptLimiterPerIP(t *testing.T) {
	limiter := newAcceptLimiter(1, 1)
	now := time.Now()
	if !limiter.allow("1.2.3.4", now) {
		t.Fatalf("first attempt should be allowed")
	}
	if limiter.allow("1.2.3.4", now) {
		t.Fatalf("burst should be limited")
	}
	if !limiter.allow("5.6.7.8", now) {
		t.Fatalf("different IP should be independent")
	}
	if !limiter.allow("1.2.3.4", now.Add(time.Second)) {
		t.Fatalf("token should refill after rate interval")
	}
	limiter.prune(now.Add(time.Hour))
	if len(limiter.limits) != 0 {
		t.Fatalf("expected idle hosts to be pruned, have %d", len(limiter.limits))
	}
}
