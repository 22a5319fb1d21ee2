package rl

import (
	"math"
	"time"
)

// Reward shaping constants.
const (
	SuccessBonus      = 0.2
	FallbackPenalty   = 0.1
	CorrectionPenalty = 0.5
	LatencyBudget     = 5 * time.Second
	LatencyPenalty    = 0.1 // per second beyond LatencyBudget
	MaxLatencyPenalty = 0.5
)

// Signal is everything known about how an answer went.
type Signal struct {
	// Rating is the user's thumbs up (1), down (-1) or nothing (0).
	Rating       int
	Corrected    bool
	Latency      time.Duration
	Success      bool
	UsedFallback bool
}

// ShapeReward turns a Signal into a reward in [-1, 1].
func ShapeReward(s Signal) float64 {
	r := float64(clampRating(s.Rating))
	if s.Success {
		r += SuccessBonus
	}
	if s.UsedFallback {
		r -= FallbackPenalty
	}
	if s.Corrected {
		r -= CorrectionPenalty
	}
	if over := s.Latency - LatencyBudget; over > 0 {
		r -= math.Min(over.Seconds()*LatencyPenalty, MaxLatencyPenalty)
	}
	return math.Max(-1, math.Min(1, r))
}

func clampRating(r int) int {
	switch {
	case r > 0:
		return 1
	case r < 0:
		return -1
	}
	return 0
}
