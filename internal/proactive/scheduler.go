// Package proactive decides when the agent speaks first. A single
// ticker walks the recently seen sessions and fires a probabilistic
// check gated on time of day, stamina and how long the session has
// been silent.
package proactive

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/aslishyi/anima/internal/affect"
	"github.com/aslishyi/anima/internal/logging"
	"github.com/aslishyi/anima/internal/relation"
)

const (
	DefaultInterval = 60 * time.Second

	// Sessions quiet for longer than this fall off the candidate list
	recencyHorizon = 12 * time.Hour

	staminaFloor = 20

	baseProbability = 0.3
	probabilityMin  = 0.03
	probabilityMax  = 0.85

	weekendMinFactor = 0.7
)

// Session is one candidate for a proactive message
type Session struct {
	SessionID    string
	IsGroup      bool
	UserID       string
	UserName     string
	LastActivity time.Time
}

// SessionSource lists sessions with recent activity
type SessionSource interface {
	RecentSessions(within time.Duration) []Session
}

// Locker tries to take the per-session mutex without blocking
type Locker interface {
	TryLock(sessionID string) (release func(), ok bool)
}

// Runner drives the orchestrator's proactive path. It returns whether a
// message went out.
type Runner interface {
	RunProactive(ctx context.Context, session Session) (bool, error)
}

// ProfileReader is the slice of the relationship store the gates need
type ProfileReader interface {
	Get(userID, currentName string) (*relation.Profile, error)
}

// Scheduler owns the proactive loop
type Scheduler struct {
	source   SessionSource
	locker   Locker
	runner   Runner
	profiles ProfileReader
	affect   *affect.Store

	now func() time.Time
	rng *rand.Rand

	mu       sync.Mutex
	feedback map[string]float64 // session id -> score in [-1, 1]
}

// New wires a scheduler. rng may be seeded deterministically in tests.
func New(source SessionSource, locker Locker, runner Runner, profiles ProfileReader,
	affectStore *affect.Store, rng *rand.Rand) *Scheduler {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Scheduler{
		source:   source,
		locker:   locker,
		runner:   runner,
		profiles: profiles,
		affect:   affectStore,
		now:      time.Now,
		rng:      rng,
		feedback: make(map[string]float64),
	}
}

// Start runs the tick loop until stop closes
func (s *Scheduler) Start(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.Tick(context.Background())
			}
		}
	}()
	logging.Info("proactive", "scheduler started (every %v)", interval)
}

// Tick evaluates every recent session once
func (s *Scheduler) Tick(ctx context.Context) {
	for _, sess := range s.source.RecentSessions(recencyHorizon) {
		s.evaluate(ctx, sess)
	}
}

func (s *Scheduler) evaluate(ctx context.Context, sess Session) {
	now := s.now()
	if !inActiveWindow(now) {
		return
	}
	// Groups only get pinged during daytime; evenings are private-only
	if sess.IsGroup && !inDaytimeWindow(now) {
		return
	}
	if s.affect.Snapshot().Stamina < staminaFloor {
		return
	}

	var intimacy, familiarity, trust, interest int
	if !sess.IsGroup && s.profiles != nil {
		p, err := s.profiles.Get(sess.UserID, sess.UserName)
		if err != nil {
			logging.Warn("proactive", "profile read failed for %s: %v", sess.UserID, err)
			return
		}
		intimacy = p.Dimensions.Intimacy
		familiarity = p.Dimensions.Familiarity
		trust = p.Dimensions.Trust
		interest = p.Dimensions.InterestMatch
	}

	silence := now.Sub(sess.LastActivity)
	min, max := silenceBounds(sess.IsGroup, intimacy, isWeekend(now))
	if silence < min || silence > max {
		return
	}

	p := s.probability(sess.SessionID, silence, intimacy, familiarity, trust, interest)
	if s.rng.Float64() >= p {
		return
	}

	release, ok := s.locker.TryLock(sess.SessionID)
	if !ok {
		logging.Debug("proactive", "%s busy, skipping", sess.SessionID)
		return
	}
	defer release()

	replied, err := s.runner.RunProactive(ctx, sess)
	if err != nil {
		logging.Warn("proactive", "run failed for %s: %v", sess.SessionID, err)
		return
	}
	if replied {
		logging.Info("proactive", "initiated conversation in %s", sess.SessionID)
	}
}

// probability computes the fire chance: base rate scaled by how close
// the relationship is, how ripe the silence is, and prior feedback
func (s *Scheduler) probability(sessionID string, silence time.Duration,
	intimacy, familiarity, trust, interest int) float64 {

	rel := 0.5 + float64(intimacy+familiarity+trust+interest)/400.0

	p := baseProbability * rel * silenceCurve(silence) * (1 + 1.5*s.feedbackFor(sessionID))
	if p < probabilityMin {
		p = probabilityMin
	}
	if p > probabilityMax {
		p = probabilityMax
	}
	return p
}

// silenceCurve rises linearly to 6h, plateaus to 12h, then decays
func silenceCurve(silence time.Duration) float64 {
	h := silence.Hours()
	switch {
	case h <= 6:
		return h / 6
	case h <= 12:
		return 1.0
	default:
		d := 1.0 - (h-12)*0.1
		if d < 0.1 {
			d = 0.1
		}
		return d
	}
}

// silenceBounds returns the [min, max] silence window for a session
func silenceBounds(isGroup bool, intimacy int, weekend bool) (time.Duration, time.Duration) {
	if isGroup {
		min, max := 10*time.Minute, 2*time.Hour
		if weekend {
			max = max + 30*time.Minute
		}
		return min, max
	}

	var min, max time.Duration
	switch {
	case intimacy > 70:
		min, max = 5*time.Minute, 120*time.Minute
	case intimacy >= 30:
		min, max = 15*time.Minute, 360*time.Minute
	default:
		min, max = 30*time.Minute, 720*time.Minute
	}
	if weekend {
		min = time.Duration(float64(min) * weekendMinFactor)
	}
	return min, max
}

// inActiveWindow limits proactive chatter to waking, social hours
func inActiveWindow(t time.Time) bool {
	h := t.Hour()
	return (h >= 9 && h < 12) || (h >= 14 && h < 17) || (h >= 19 && h < 22)
}

// inDaytimeWindow is the subset of active hours before the evening
func inDaytimeWindow(t time.Time) bool {
	h := t.Hour()
	return (h >= 9 && h < 12) || (h >= 14 && h < 17)
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// RecordFeedback nudges a session's feedback score after observing the
// user's reaction to a proactive message. delta is typically ±1.
func (s *Scheduler) RecordFeedback(sessionID string, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.feedback[sessionID] + delta*0.5
	if v > 1 {
		v = 1
	}
	if v < -1 {
		v = -1
	}
	s.feedback[sessionID] = v
}

func (s *Scheduler) feedbackFor(sessionID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedback[sessionID]
}
