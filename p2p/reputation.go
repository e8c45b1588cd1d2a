package p2p

import (
	"math"
	"time"
)

const (
	successReward  = 1.0
	failurePenalty = 2.0

	defaultBanScore      = 30.0
	defaultBanDuration   = 15 * time.Minute
	defaultDecayHalfLife = 10 * time.Minute

	latencyAlpha = 0.2
)

// ReputationConfig defines the thresholds for the reputation engine.
type ReputationConfig struct {
	// BanScore is the magnitude of negative reputation at which a peer is banned.
	BanScore      float64
	BanDuration   time.Duration
	DecayHalfLife time.Duration
}

func (c ReputationConfig) withDefaults() ReputationConfig {
	if c.BanScore <= 0 {
		c.BanScore = defaultBanScore
	}
	if c.BanDuration <= 0 {
		c.BanDuration = defaultBanDuration
	}
	if c.DecayHalfLife <= 0 {
		c.DecayHalfLife = defaultDecayHalfLife
	}
	return c
}

// reputation is a signed score that halves toward zero every half-life.
type reputation struct {
	score     float64
	updatedAt time.Time
}

func (r *reputation) decay(now time.Time, halfLife time.Duration) {
	if now.Before(r.updatedAt) {
		r.updatedAt = now
		return
	}
	if halfLife <= 0 || r.score == 0 {
		r.updatedAt = now
		return
	}
	elapsed := now.Sub(r.updatedAt)
	if elapsed <= 0 {
		return
	}
	r.score *= math.Pow(0.5, float64(elapsed)/float64(halfLife))
	if math.Abs(r.score) < 1e-6 {
		r.score = 0
	}
	r.updatedAt = now
}

func (r *reputation) adjust(delta float64, now time.Time, halfLife time.Duration) float64 {
	r.decay(now, halfLife)
	r.score += delta
	r.updatedAt = now
	return r.score
}

// valueAt returns the decayed score without mutating the record.
func (r reputation) valueAt(now time.Time, halfLife time.Duration) float64 {
	r.decay(now, halfLife)
	return r.score
}

func ewma(prev, sample float64) float64 {
	if prev <= 0 {
		return sample
	}
	return latencyAlpha*sample + (1-latencyAlpha)*prev
}
