package memory

import (
	"context"
	"math/rand"
	"time"

	"github.com/aslishyi/anima/internal/logging"
)

// Cleanup parameters
const (
	DefaultCleanupInterval = 6 * time.Hour
	maxMemoryAge           = 30 * 24 * time.Hour
	duplicateSampleSize    = 10
	duplicateThreshold     = 0.9
)

// StartCleanupLoop purges ancient entries and collapses near-duplicates
// on an interval, until stop is closed.
func (s *Store) StartCleanupLoop(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := s.RunCleanup(context.Background()); err != nil {
					logging.Warn("memory", "cleanup failed: %v", err)
				}
			}
		}
	}()
}

// RunCleanup performs one cleanup pass: expire entries older than 30 days,
// then sample documents and collapse their near-duplicates.
func (s *Store) RunCleanup(ctx context.Context) error {
	entries, err := s.All(false)
	if err != nil {
		return err
	}

	now := time.Now()
	var expired []string
	for _, e := range entries {
		if now.Sub(e.CreatedAt) > maxMemoryAge {
			expired = append(expired, e.ID)
		}
	}
	if len(expired) > 0 {
		if err := s.Delete(expired); err != nil {
			return err
		}
		logging.Info("memory", "cleanup expired %d entries older than 30d", len(expired))
	}

	// Near-duplicate collapse: sample a few survivors and semantically
	// delete anything almost identical to them (keeping the sample itself
	// is fine: its own similarity to itself re-inserts nothing).
	survivors, err := s.All(false)
	if err != nil {
		return err
	}
	if len(survivors) == 0 {
		return nil
	}

	rand.Shuffle(len(survivors), func(i, j int) { survivors[i], survivors[j] = survivors[j], survivors[i] })
	sample := survivors
	if len(sample) > duplicateSampleSize {
		sample = sample[:duplicateSampleSize]
	}

	collapsed := 0
	for _, e := range sample {
		// The sampled document itself matches at similarity 1.0; delete the
		// cluster and re-add the sampled text so one copy survives.
		n, err := s.DeleteBySemantic(ctx, e.Text, duplicateThreshold)
		if err != nil {
			logging.Warn("memory", "duplicate collapse failed for %s: %v", e.ID, err)
			continue
		}
		if n > 1 {
			if _, err := s.AddTexts(ctx, []string{e.Text}, []Metadata{{
				Source:     e.Source,
				UserID:     e.UserID,
				Category:   e.Category,
				Importance: e.Importance,
			}}); err != nil {
				logging.Warn("memory", "re-insert after collapse failed: %v", err)
			}
			collapsed += n - 1
		} else if n == 1 {
			// Only the sample itself matched; put it back untouched
			s.AddTexts(ctx, []string{e.Text}, []Metadata{{
				Source: e.Source, UserID: e.UserID, Category: e.Category, Importance: e.Importance,
			}})
		}
	}
	if collapsed > 0 {
		logging.Info("memory", "cleanup collapsed %d near-duplicates", collapsed)
	}
	return nil
}
