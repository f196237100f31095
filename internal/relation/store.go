// Package relation persists per-user relationship profiles: the four
// relationship dimensions, memory points, expression habits and
// sentiment history. Single writer per user; reads serve cached
// snapshots.
package relation

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aslishyi/anima/internal/logging"
)

// Store manages user profiles in SQLite
type Store struct {
	db *sql.DB

	tableMu sync.Mutex // guards the users map itself
	users   map[string]*userEntry
}

// userEntry serializes writes for one user and caches the live profile
type userEntry struct {
	mu      sync.Mutex
	profile *Profile
}

// Open opens or creates the profile database under dataRoot
func Open(dataRoot string) (*Store, error) {
	dbPath := filepath.Join(dataRoot, "user_profiles.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS user_profiles (
		user_id TEXT PRIMARY KEY,
		nickname TEXT,
		intimacy INTEGER NOT NULL DEFAULT 20,
		familiarity INTEGER NOT NULL DEFAULT 10,
		trust INTEGER NOT NULL DEFAULT 30,
		interest_match INTEGER NOT NULL DEFAULT 30,
		data TEXT NOT NULL,
		last_interaction DATETIME,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return &Store{db: db, users: make(map[string]*userEntry)}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// entry returns the per-user entry, creating it under the table mutex.
// The lazy-init map is the contention point the per-user locks hang off,
// so it gets its own lock.
func (s *Store) entry(userID string) *userEntry {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	e, ok := s.users[userID]
	if !ok {
		e = &userEntry{}
		s.users[userID] = e
	}
	return e
}

// Get returns the profile for a user, creating a default one on first
// contact. A non-empty currentName refreshes the stored nickname.
func (s *Store) Get(userID, currentName string) (*Profile, error) {
	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.profile == nil {
		p, err := s.loadProfile(userID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			p = defaultProfile(userID, currentName)
			if err := s.persist(p); err != nil {
				return nil, err
			}
			logging.Info("relation", "new profile for %s (%s)", userID, currentName)
		}
		e.profile = p
	}

	if currentName != "" && e.profile.Nickname != currentName {
		updated := e.profile.clone()
		updated.Nickname = currentName
		if err := s.persist(updated); err == nil {
			e.profile = updated
		}
	}

	return e.profile.clone(), nil
}

// mutate applies fn to a copy of the profile, persists, and only then
// advances the cache. Failed writes leave the cached profile untouched.
func (s *Store) mutate(userID string, fn func(*Profile)) (*Profile, error) {
	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.profile == nil {
		p, err := s.loadProfile(userID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			p = defaultProfile(userID, "")
		}
		e.profile = p
	}

	updated := e.profile.clone()
	fn(updated)
	if err := s.persist(updated); err != nil {
		return nil, err
	}
	e.profile = updated
	return updated.clone(), nil
}

// UpdateDimensions applies deltas to the relationship axes, clamped 0..100
func (s *Store) UpdateDimensions(userID string, deltas map[string]int) (*Profile, error) {
	return s.mutate(userID, func(p *Profile) {
		for dim, d := range deltas {
			switch dim {
			case "intimacy":
				p.Dimensions.Intimacy = clampDim(p.Dimensions.Intimacy + d)
			case "familiarity":
				p.Dimensions.Familiarity = clampDim(p.Dimensions.Familiarity + d)
			case "trust":
				p.Dimensions.Trust = clampDim(p.Dimensions.Trust + d)
			case "interest_match":
				p.Dimensions.InterestMatch = clampDim(p.Dimensions.InterestMatch + d)
			}
		}
	})
}

// AddMemoryPoint records a structured annotation. Weight comes from
// content length, interaction count and relationship recency.
func (s *Store) AddMemoryPoint(userID, category, content string) (*Profile, error) {
	return s.mutate(userID, func(p *Profile) {
		recencyDays := 1.0
		if !p.LastInteraction.IsZero() {
			recencyDays = time.Since(p.LastInteraction).Hours() / 24
			if recencyDays < 1 {
				recencyDays = 1
			}
		}
		p.MemoryPoints = append(p.MemoryPoints, MemoryPoint{
			Category:  category,
			Content:   content,
			Weight:    MemoryPointWeight(content, p.InteractionCount, recencyDays),
			CreatedAt: time.Now(),
		})
	})
}

// AddExpressionHabit records a phrasing habit, deduplicated by habit
// string; confidence is overwritten on re-insert.
func (s *Store) AddExpressionHabit(userID, habit string, confidence float64) (*Profile, error) {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return s.mutate(userID, func(p *Profile) {
		for i := range p.ExpressionHabits {
			if p.ExpressionHabits[i].Habit == habit {
				p.ExpressionHabits[i].Confidence = confidence
				return
			}
		}
		p.ExpressionHabits = append(p.ExpressionHabits, ExpressionHabit{Habit: habit, Confidence: confidence})
	})
}

// AddGroupNickname records what this user is called in a group
func (s *Store) AddGroupNickname(userID, groupID, nickname string) (*Profile, error) {
	return s.mutate(userID, func(p *Profile) {
		if p.GroupNicknames == nil {
			p.GroupNicknames = make(map[string]string)
		}
		p.GroupNicknames[groupID] = nickname
	})
}

// RecordSentiment appends to the bounded sentiment ring
func (s *Store) RecordSentiment(userID, sentiment string, intensity float64) (*Profile, error) {
	return s.mutate(userID, func(p *Profile) {
		p.SentimentTrends = append(p.SentimentTrends, SentimentPoint{
			Timestamp: time.Now(),
			Sentiment: sentiment,
			Intensity: intensity,
		})
		if len(p.SentimentTrends) > sentimentRingCap {
			p.SentimentTrends = p.SentimentTrends[len(p.SentimentTrends)-sentimentRingCap:]
		}
	})
}

// AddFavoriteTopic adds a topic the user enjoys (deduplicated)
func (s *Store) AddFavoriteTopic(userID, topic string) (*Profile, error) {
	return s.mutate(userID, func(p *Profile) {
		p.FavoriteTopics = appendUnique(p.FavoriteTopics, topic)
	})
}

// AddAvoidTopic adds a topic to steer away from (deduplicated)
func (s *Store) AddAvoidTopic(userID, topic string) (*Profile, error) {
	return s.mutate(userID, func(p *Profile) {
		p.AvoidTopics = appendUnique(p.AvoidTopics, topic)
	})
}

// SetCommunicationStyle switches how the character talks to this user
func (s *Store) SetCommunicationStyle(userID string, style CommunicationStyle) (*Profile, error) {
	return s.mutate(userID, func(p *Profile) {
		p.Communication = style
	})
}

// SetPattern records a named interaction pattern
func (s *Store) SetPattern(userID, name, value string) (*Profile, error) {
	return s.mutate(userID, func(p *Profile) {
		if p.Patterns == nil {
			p.Patterns = make(map[string]string)
		}
		p.Patterns[name] = value
	})
}

// TouchInteraction bumps the interaction counter and timestamp
func (s *Store) TouchInteraction(userID string) (*Profile, error) {
	return s.mutate(userID, func(p *Profile) {
		p.InteractionCount++
		p.LastInteraction = time.Now()
	})
}

// RandomMemoryPoints samples up to n memory points, optionally filtered
// by category
func (s *Store) RandomMemoryPoints(userID, category string, n int) ([]MemoryPoint, error) {
	p, err := s.Get(userID, "")
	if err != nil {
		return nil, err
	}

	var pool []MemoryPoint
	for _, mp := range p.MemoryPoints {
		if category == "" || mp.Category == category {
			pool = append(pool, mp)
		}
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if len(pool) > n {
		pool = pool[:n]
	}
	return pool, nil
}

func appendUnique(xs []string, x string) []string {
	for _, v := range xs {
		if v == x {
			return xs
		}
	}
	return append(xs, x)
}

func defaultProfile(userID, name string) *Profile {
	return &Profile{
		UserID:   userID,
		Nickname: name,
		Dimensions: Dimensions{
			Intimacy:      20,
			Familiarity:   10,
			Trust:         30,
			InterestMatch: 30,
		},
		Communication: StyleCasual,
	}
}

// loadProfile reads one row, nil if absent
func (s *Store) loadProfile(userID string) (*Profile, error) {
	var dataJSON string
	row := s.db.QueryRow(`SELECT data FROM user_profiles WHERE user_id = ?`, userID)
	if err := row.Scan(&dataJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal([]byte(dataJSON), &p); err != nil {
		return nil, fmt.Errorf("corrupt profile for %s: %w", userID, err)
	}
	return &p, nil
}

// persist writes the full profile. The dimension columns are denormalized
// for inspection queries; the JSON blob is authoritative.
func (s *Store) persist(p *Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO user_profiles (user_id, nickname, intimacy, familiarity, trust, interest_match, data, last_interaction, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			nickname = excluded.nickname,
			intimacy = excluded.intimacy,
			familiarity = excluded.familiarity,
			trust = excluded.trust,
			interest_match = excluded.interest_match,
			data = excluded.data,
			last_interaction = excluded.last_interaction,
			updated_at = CURRENT_TIMESTAMP
	`, p.UserID, p.Nickname, p.Dimensions.Intimacy, p.Dimensions.Familiarity,
		p.Dimensions.Trust, p.Dimensions.InterestMatch, string(data), p.LastInteraction)
	return err
}
