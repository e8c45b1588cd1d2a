package p2p

import (
	"fmt"
	"math"
	"testing"
	"time"
)

func TestReputationAdjustAndDecay(t *testing.T) {
	now := time.Unix(0, 0)
	halfLife := time.Minute
	var rep reputation

	if score := rep.adjust(-8, now, halfLife); score != -8 {
		t.Fatalf("expected -8, got %v", score)
	}
	if got := rep.valueAt(now.Add(halfLife), halfLife); math.Abs(got+4) > 1e-9 {
		t.Fatalf("expected score halved to -4, got %v", got)
	}
	// valueAt must not mutate the record.
	if rep.score != -8 {
		t.Fatalf("valueAt mutated score: %v", rep.score)
	}
	score := rep.adjust(successReward, now.Add(2*halfLife), halfLife)
	if math.Abs(score-(-2+successReward)) > 1e-9 {
		t.Fatalf("expected -1 after two half-lives and a reward, got %v", score)
	}
}

func TestReputationDecayToZero(t *testing.T) {
	now := time.Unix(0, 0)
	var rep reputation
	rep.adjust(successReward, now, time.Second)
	rep.adjust(successReward, now, time.Second)
	if got := rep.valueAt(now.Add(time.Hour), time.Second); got != 0 {
		t.Fatalf("expected score to decay to zero, got %v", got)
	}
}

func TestReputationIgnoresClockRegression(t *testing.T) {
	now := time.Unix(100, 0)
	var rep reputation
	rep.adjust(-10, now, time.Minute)
	if got := rep.valueAt(now.Add(-time.Hour), time.Minute); got != -10 {
		t.Fatalf("expected no decay for earlier timestamp, got %v", got)
	}
}

func TestReputationConfigDefaults(t *testing.T) {
	cfg := ReputationConfig{}.withDefaults()
	if cfg.BanScore != defaultBanScore || cfg.BanDuration != defaultBanDuration || cfg.DecayHalfLife != defaultDecayHalfLife {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestEWMA(t *testing.T) {
	if got := ewma(0, 50); got != 50 {
		t.Fatalf("first sample should seed the average, got %v", got)
	}
	if got := ewma(100, 50); math.Abs(got-90) > 1e-9 {
		t.Fatalf("expected 90, got %v", got)
	}
}

func TestPenaltyForScalesBySeverity(t *testing.T) {
	cases := []struct {
		name  string
		cause error
		want  float64
	}{
		{"nil", nil, 0},
		{"shutdown", ErrShutdown, 0},
		{"closed", ErrConnClosed, 0},
		{"protocol", protocolErrorf(Malformed, "bad"), standardPenalty},
		{"handshake", fmt.Errorf("%w: %w", ErrHandshakeFailure, protocolErrorf(VersionMismatch, "v9")), handshakeFailurePenalty},
		{"unresponsive", ErrPeerUnresponsive, unresponsivePenalty},
		{"slow", ErrSlowPeer, slowPeerPenalty},
		{"ratelimit", ErrRateLimited, standardPenalty},
	}
	for _, tc := range cases {
		if got := penaltyFor(tc.cause); got != tc.want {
			t.Fatalf("%s: expected penalty %v, got %v", tc.name, tc.want, got)
		}
	}
}
