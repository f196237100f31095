package persona

import (
	"context"
	"strings"

	"github.com/aslishyi/anima/internal/logging"
	"github.com/aslishyi/anima/internal/memory"
)

// Collection names. Separate from the episodic store so prune and
// consolidation never touch persona data.
const (
	ExtendedCollection   = "extended_persona_collection"
	ContextualCollection = "contextual_persona_collection"
)

// Retriever answers persona queries: direct lookup into the structured
// config first, vector search over the persona collections as fallback.
type Retriever struct {
	cfg        *Config
	extended   *memory.Store
	contextual *memory.Store
}

// NewRetriever binds a config to its two persona collections
func NewRetriever(cfg *Config, db *memory.DB, embedder memory.Embedder) *Retriever {
	return &Retriever{
		cfg:        cfg,
		extended:   db.Collection(ExtendedCollection, embedder),
		contextual: db.Collection(ContextualCollection, embedder),
	}
}

// CorePrompt returns the persona's base system prompt
func (r *Retriever) CorePrompt() string {
	return r.cfg.CorePrompt
}

// EnsureIndexed builds both collections if they are empty. Safe to call
// on every start.
func (r *Retriever) EnsureIndexed(ctx context.Context) error {
	if n, err := r.extended.Count(); err != nil || n == 0 {
		if err := r.rebuildExtended(ctx); err != nil {
			return err
		}
	}
	if n, err := r.contextual.Count(); err != nil || n == 0 {
		if err := r.rebuildContextual(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Retriever) rebuildExtended(ctx context.Context) error {
	if err := r.extended.ClearAll(); err != nil {
		return err
	}
	lines := r.cfg.FlattenExtended()
	metas := make([]memory.Metadata, len(lines))
	for i := range lines {
		category := strings.SplitN(lines[i], " - ", 2)[0]
		metas[i] = memory.Metadata{Source: "extended_persona", Category: category, Importance: 3}
	}
	_, err := r.extended.AddTexts(ctx, lines, metas)
	if err == nil {
		logging.Info("persona", "indexed %d extended persona lines", len(lines))
	}
	return err
}

func (r *Retriever) rebuildContextual(ctx context.Context) error {
	if err := r.contextual.ClearAll(); err != nil {
		return err
	}
	var texts []string
	var metas []memory.Metadata
	add := func(axis, key, val string) {
		texts = append(texts, key+": "+val)
		metas = append(metas, memory.Metadata{
			Source:     "contextual_persona",
			Category:   axis,
			Importance: 3,
			Extra:      map[string]string{"key": key},
		})
	}
	for k, v := range r.cfg.Styles.Emotions {
		add("emotion", k, v)
	}
	for k, v := range r.cfg.Styles.Relations {
		add("relation", k, v)
	}
	for k, v := range r.cfg.Styles.Scenes {
		add("scene", k, v)
	}
	for k, v := range r.cfg.Styles.Combos {
		add("combo", k, v)
	}
	_, err := r.contextual.AddTexts(ctx, texts, metas)
	if err == nil {
		logging.Info("persona", "indexed %d contextual style lines", len(texts))
	}
	return err
}

// SpeechStyle returns style guidance for an emotion/relation/scene
// context. An exact combo entry wins; otherwise the per-axis entries
// are joined; only when the config has nothing does it fall back to
// vector search.
func (r *Retriever) SpeechStyle(ctx context.Context, emotion, relation, scene string) string {
	scene = NormalizeScene(scene)

	if combo, ok := r.cfg.Styles.Combos[emotion+"|"+relation+"|"+scene]; ok {
		return combo
	}

	var parts []string
	if v, ok := r.cfg.Styles.Emotions[emotion]; ok {
		parts = append(parts, v)
	}
	if v, ok := r.cfg.Styles.Relations[relation]; ok {
		parts = append(parts, v)
	}
	if v, ok := r.cfg.Styles.Scenes[scene]; ok {
		parts = append(parts, v)
	}
	if len(parts) > 0 {
		return strings.Join(parts, "；")
	}

	hits := r.searchWithHeal(ctx, r.contextual, r.rebuildContextual,
		strings.Join([]string{emotion, relation, scene}, " "), 2)
	return strings.Join(hits, "；")
}

// ExtendedSnippets returns background lines relevant to a query
func (r *Retriever) ExtendedSnippets(ctx context.Context, query string, k int) []string {
	return r.searchWithHeal(ctx, r.extended, r.rebuildExtended, query, k)
}

// searchWithHeal runs a vector search; an index failure drops and
// rebuilds the collection from the config, then retries once.
func (r *Retriever) searchWithHeal(ctx context.Context, store *memory.Store,
	rebuild func(context.Context) error, query string, k int) []string {

	hits, err := store.Search(ctx, query, k, memory.SearchOptions{})
	if err == nil && len(hits) > 0 {
		return hits
	}
	if err != nil {
		logging.Warn("persona", "index read failed for %s, rebuilding: %v", store.Name(), err)
	}

	// An empty persona collection means the index is gone or was never
	// built; rebuild from the config and retry once.
	if rerr := rebuild(ctx); rerr != nil {
		logging.Warn("persona", "rebuild of %s failed: %v", store.Name(), rerr)
		return nil
	}
	hits, err = store.Search(ctx, query, k, memory.SearchOptions{})
	if err != nil {
		logging.Warn("persona", "search after rebuild failed: %v", err)
		return nil
	}
	return hits
}
