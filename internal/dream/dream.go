// Package dream runs the background consolidation cycle: prune stale
// trivia, fuse clusters of recent low-importance memories into one
// durable entry, and restore stamina while the agent is quiet.
package dream

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/aslishyi/anima/internal/affect"
	"github.com/aslishyi/anima/internal/llm"
	"github.com/aslishyi/anima/internal/logging"
	"github.com/aslishyi/anima/internal/memory"
)

const (
	DefaultInterval = 30 * time.Minute

	// The cycle only runs when the agent has been quiet for a while
	quietWindow = 5 * time.Minute

	// Prune: importance-1 entries older than this are deleted
	pruneAge = 3 * 24 * time.Hour

	// Consolidate: importance 2-3 entries younger than this, at least
	// minCluster of them, at most maxCluster fed to the model
	consolidateAge = 24 * time.Hour
	minCluster     = 4
	maxCluster     = 10

	consolidatedImportance = 4
	staminaCredit          = 30

	lockFile     = "dream_lock.lock"
	lockStaleAge = time.Hour
)

// Invoker is the slice of the LLM gateway the dream cycle needs
type Invoker interface {
	Invoke(ctx context.Context, model string, messages []openai.ChatCompletionMessage, temperature float32, class llm.QueryClass) (string, error)
}

// LoadGate reports whether the host is too busy for background work
type LoadGate interface {
	Busy() bool
}

// Cycle owns the periodic dream run
type Cycle struct {
	store        *memory.Store
	affect       *affect.Store
	llm          Invoker
	model        string
	gate         LoadGate
	lastActivity func() time.Time
	dataRoot     string
}

// New wires a dream cycle. lastActivity should return the time of the
// most recent inbound or outbound message.
func New(store *memory.Store, affectStore *affect.Store, invoker Invoker, model string,
	gate LoadGate, lastActivity func() time.Time, dataRoot string) *Cycle {
	return &Cycle{
		store:        store,
		affect:       affectStore,
		llm:          invoker,
		model:        model,
		gate:         gate,
		lastActivity: lastActivity,
		dataRoot:     dataRoot,
	}
}

// Start runs the cycle on a ticker until stop closes
func (c *Cycle) Start(interval time.Duration, stop <-chan struct{}) {
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
				if err := c.RunOnce(context.Background()); err != nil {
					logging.Warn("dream", "cycle failed: %v", err)
				}
			}
		}
	}()
	logging.Info("dream", "cycle started (every %v)", interval)
}

// RunOnce executes one dream pass. Skips silently when the agent is
// active, the host is busy, or another instance holds the lock.
func (c *Cycle) RunOnce(ctx context.Context) error {
	if time.Since(c.lastActivity()) < quietWindow {
		logging.Debug("dream", "skipped: recent activity")
		return nil
	}
	if c.gate != nil && c.gate.Busy() {
		logging.Debug("dream", "skipped: host busy")
		return nil
	}

	release, err := c.acquireLock()
	if err != nil {
		logging.Debug("dream", "skipped: %v", err)
		return nil
	}
	defer release()

	pruned, err := c.prune()
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}

	consolidated, err := c.consolidate(ctx)
	if err != nil {
		return fmt.Errorf("consolidate: %w", err)
	}

	// Stamina recovers only when the cycle actually did something
	if pruned+consolidated > 0 {
		c.affect.CreditStamina(staminaCredit)
	}
	logging.Info("dream", "cycle done: pruned %d, consolidated %d", pruned, consolidated)
	return nil
}

// prune deletes trivial memories that have gone stale
func (c *Cycle) prune() (int, error) {
	entries, err := c.store.All(false)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-pruneAge)
	var ids []string
	for _, e := range entries {
		if e.Importance == 1 && e.CreatedAt.Before(cutoff) {
			ids = append(ids, e.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := c.store.Delete(ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

const consolidatePrompt = `下面是最近产生的一些零散记忆。如果它们能合并成一条更有价值的长期记忆，输出那一条记忆（一句话）。如果它们太零碎、不值得合并，只输出 SKIP。`

// consolidate fuses a cluster of fresh minor memories into one entry
func (c *Cycle) consolidate(ctx context.Context) (int, error) {
	entries, err := c.store.All(false)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-consolidateAge)
	var cluster []*memory.Entry
	for _, e := range entries {
		if e.Importance >= 2 && e.Importance <= 3 && e.CreatedAt.After(cutoff) {
			cluster = append(cluster, e)
		}
	}
	if len(cluster) < minCluster {
		return 0, nil
	}
	if len(cluster) > maxCluster {
		cluster = cluster[:maxCluster]
	}

	var lines []string
	for _, e := range cluster {
		lines = append(lines, "- "+e.Text)
	}
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: consolidatePrompt},
		{Role: openai.ChatMessageRoleUser, Content: strings.Join(lines, "\n")},
	}
	out, err := c.llm.Invoke(ctx, c.model, messages, 0.3, llm.ClassSummary)
	if err != nil {
		return 0, err
	}

	summary := strings.TrimSpace(out)
	if summary == "" || strings.EqualFold(summary, "SKIP") || len([]rune(summary)) < 5 {
		return 0, nil
	}

	userID := cluster[0].UserID
	_, err = c.store.AddTexts(ctx, []string{summary}, []memory.Metadata{{
		Source:     "dream_consolidation",
		UserID:     userID,
		Category:   "consolidated",
		Importance: consolidatedImportance,
		Extra:      map[string]string{"consolidated_from_count": strconv.Itoa(len(cluster))},
	}})
	if err != nil {
		return 0, err
	}

	ids := make([]string, len(cluster))
	for i, e := range cluster {
		ids[i] = e.ID
	}
	if err := c.store.Delete(ids); err != nil {
		return 0, err
	}
	return len(cluster), nil
}

// acquireLock takes the advisory on-disk lock; a stale lock from a
// crashed run is broken after lockStaleAge
func (c *Cycle) acquireLock() (func(), error) {
	path := filepath.Join(c.dataRoot, lockFile)

	if info, err := os.Stat(path); err == nil {
		if time.Since(info.ModTime()) < lockStaleAge {
			return nil, fmt.Errorf("lock held by another instance")
		}
		os.Remove(path)
		logging.Warn("dream", "broke stale lock from %v", info.ModTime())
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("lock unavailable: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return func() { os.Remove(path) }, nil
}
