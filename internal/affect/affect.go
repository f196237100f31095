// Package affect holds the process-wide mood vector. Updates apply an
// exponential moving average so mood has inertia instead of snapping to
// whatever the last exchange suggested.
package affect

import (
	"math"
	"sync"
	"time"
)

// Default construction parameters
const (
	DefaultInertia = 0.75
	DefaultStamina = 80.0
)

// Delta clip limits per dimension
const (
	maxValenceDelta = 0.4
	maxArousalDelta = 0.4
	maxStressDelta  = 0.2
	maxFatigueDelta = 0.2
)

// State is a point-in-time snapshot of the mood vector
type State struct {
	Valence          float64   `json:"valence"` // -1..1
	Arousal          float64   `json:"arousal"` // 0..1
	Stress           float64   `json:"stress"`  // 0..1
	Fatigue          float64   `json:"fatigue"` // 0..1
	Stamina          float64   `json:"stamina"` // 0..100
	PrimaryEmotion   string    `json:"primary_emotion"`
	SecondaryEmotion string    `json:"secondary_emotion,omitempty"`
	LastUpdated      time.Time `json:"last_updated"`
}

// Delta is one requested mood adjustment. Zero fields are no-ops except
// stamina, which is always applied (it carries recovery credits too).
type Delta struct {
	Valence   float64
	Arousal   float64
	Stress    float64
	Fatigue   float64
	Stamina   float64
	Primary   string // optional override, taken verbatim
	Secondary string // optional
}

// Store is the singleton mood store. Single writer, many readers.
type Store struct {
	mu      sync.Mutex
	state   State
	inertia float64
}

// NewStore creates a store with a neutral starting mood
func NewStore(inertia float64) *Store {
	if inertia <= 0 || inertia >= 1 {
		inertia = DefaultInertia
	}
	return &Store{
		inertia: inertia,
		state: State{
			Valence:        0.1,
			Arousal:        0.3,
			Stamina:        DefaultStamina,
			PrimaryEmotion: "平静",
			LastUpdated:    time.Now(),
		},
	}
}

// Snapshot returns a copy of the current state
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Update applies a delta. Deltas are clipped, targets clamped, then the
// inertial EMA pulls the stored value toward the target. Never rejects.
func (s *Store) Update(d Delta) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	dv := clip(d.Valence, maxValenceDelta)
	da := clip(d.Arousal, maxArousalDelta)
	ds := clip(d.Stress, maxStressDelta)
	df := clip(d.Fatigue, maxFatigueDelta)

	i := s.inertia
	s.state.Valence = ema(s.state.Valence, clamp(s.state.Valence+dv, -1, 1), i)
	s.state.Arousal = ema(s.state.Arousal, clamp(s.state.Arousal+da, 0, 1), i)
	s.state.Stress = ema(s.state.Stress, clamp(s.state.Stress+ds, 0, 1), i)
	s.state.Fatigue = ema(s.state.Fatigue, clamp(s.state.Fatigue+df, 0, 1), i)

	// Stamina has no inertia; it is spent and recovered directly
	s.state.Stamina = clamp(s.state.Stamina+d.Stamina, 0, 100)

	if d.Primary != "" {
		s.state.PrimaryEmotion = d.Primary
	} else {
		s.state.PrimaryEmotion = deriveEmotion(s.state.Valence, s.state.Arousal)
	}
	if d.Secondary != "" {
		s.state.SecondaryEmotion = d.Secondary
	}

	now := time.Now()
	if !now.After(s.state.LastUpdated) {
		now = s.state.LastUpdated.Add(time.Nanosecond)
	}
	s.state.LastUpdated = now

	return s.state
}

// CreditStamina adds recovery credit (used by the dream cycle)
func (s *Store) CreditStamina(n float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Stamina = clamp(s.state.Stamina+n, 0, 100)
}

// deriveEmotion maps (valence, arousal) quadrants to a label.
// Rules are checked top-down, first match wins.
func deriveEmotion(v, a float64) string {
	switch {
	case v > 0.6 && a > 0.6:
		return "兴高采烈"
	case v > 0.3 && a > 0.3:
		return "开心"
	case v > 0.2 && a <= 0.3:
		return "惬意"
	case v < -0.6 && a > 0.6:
		return "愤怒"
	case v < -0.3 && a > 0.3:
		return "烦躁"
	case v < -0.3 && a <= 0.3:
		return "沮丧"
	case math.Abs(v) < 0.2 && a < 0.2:
		return "困倦/发呆"
	default:
		return "平静"
	}
}

func ema(current, target, inertia float64) float64 {
	return current*inertia + target*(1-inertia)
}

func clip(d, limit float64) float64 {
	return clamp(d, -limit, limit)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
