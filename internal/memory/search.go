package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/aslishyi/anima/internal/logging"
)

// defaultSourceBoosts weight candidate memories by provenance
var defaultSourceBoosts = map[string]float64{
	"user_profile": 1.8,
	"chat_history": 1.3,
	"interaction":  1.0,
	"system":       0.9,
}

// SearchOptions narrows and re-weights a search
type SearchOptions struct {
	Categories          []string
	SourceWeights       map[string]float64 // overrides on top of the defaults
	ImportanceThreshold int
}

// candidate is one scored search hit
type candidate struct {
	entry    *Entry
	distance float64 // cosine distance to the query
	score    float64
}

// Search returns the top-k memory texts for a query, ranked by the
// product of semantic closeness, time decay, importance, source boost
// and an exact-substring bonus.
func (s *Store) Search(ctx context.Context, query string, k int, opts SearchOptions) ([]string, error) {
	if k <= 0 {
		k = 3
	}

	queryEmb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// Over-fetch so post-filters still leave k survivors
	pool := k * 5
	cands, err := s.nearest(queryEmb, pool)
	if err != nil {
		logging.Warn("memory", "search failed, returning empty: %v", err)
		return nil, nil
	}

	catSet := make(map[string]bool, len(opts.Categories))
	for _, c := range opts.Categories {
		catSet[c] = true
	}

	now := time.Now()
	queryLower := strings.ToLower(query)
	seen := make(map[string]bool)
	scored := make([]candidate, 0, len(cands))
	for _, c := range cands {
		e := c.entry
		if seen[e.Text] {
			continue
		}
		seen[e.Text] = true

		if len(catSet) > 0 && !catSet[e.Category] {
			continue
		}
		if e.Importance < opts.ImportanceThreshold {
			continue
		}

		semantic := 1.0 / (1.0 + c.distance)
		decay := timeDecay(now.Sub(e.CreatedAt))
		importanceBoost := 1.0 + float64(e.Importance)*0.3
		sourceBoost := sourceBoostFor(e.Source, opts.SourceWeights)
		keywordBonus := 1.0
		if strings.Contains(strings.ToLower(e.Text), queryLower) {
			keywordBonus = 1.1
		}

		c.score = semantic * decay * importanceBoost * sourceBoost * keywordBonus
		scored = append(scored, c)
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	results := make([]string, 0, k)
	for i := 0; i < len(scored) && i < k; i++ {
		results = append(results, scored[i].entry.Text)
	}
	return results, nil
}

// timeDecay halves a memory's pull every 96h in its first day, every 48h
// after, floored at 0.2 so old memories stay reachable.
func timeDecay(age time.Duration) float64 {
	h := age.Hours()
	if h < 0 {
		h = 0
	}
	if h < 24 {
		return math.Max(0.2, math.Pow(0.5, h/96))
	}
	return math.Max(0.2, math.Pow(0.5, h/48))
}

func sourceBoostFor(source string, overrides map[string]float64) float64 {
	if w, ok := overrides[source]; ok {
		return w
	}
	if w, ok := defaultSourceBoosts[source]; ok {
		return w
	}
	return 1.0
}

// nearest returns the limit closest entries by cosine distance, via the
// vec0 index when loaded, else by scanning the whole collection.
func (s *Store) nearest(queryEmb []float64, limit int) ([]candidate, error) {
	if s.db.vecAvailable && s.vecDim > 0 {
		if cands, err := s.nearestVec(queryEmb, limit); err == nil {
			return cands, nil
		} else {
			logging.Debug("memory", "vec knn failed, falling back to scan: %v", err)
		}
	}
	return s.nearestScan(queryEmb, limit)
}

func (s *Store) nearestVec(queryEmb []float64, limit int) ([]candidate, error) {
	serialized, err := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(queryEmb)))
	if err != nil {
		return nil, err
	}

	rows, err := s.db.db.Query(`
		SELECT doc_id, distance FROM `+vecTableName(s.collection)+`
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance
	`, serialized, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cands []candidate
	for rows.Next() {
		var id string
		var l2 float64
		if err := rows.Scan(&id, &l2); err != nil {
			continue
		}
		e, err := s.Get(id)
		if err != nil || e == nil {
			continue
		}
		cands = append(cands, candidate{entry: e, distance: l2ToCosineDist(l2)})
	}
	return cands, nil
}

func (s *Store) nearestScan(queryEmb []float64, limit int) ([]candidate, error) {
	entries, err := s.All(true)
	if err != nil {
		return nil, err
	}

	cands := make([]candidate, 0, len(entries))
	for _, e := range entries {
		if len(e.Embedding) == 0 {
			continue
		}
		sim := cosineSimilarity(queryEmb, e.Embedding)
		cands = append(cands, candidate{entry: e, distance: 1.0 - sim})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].distance < cands[j].distance })
	if len(cands) > limit {
		cands = cands[:limit]
	}
	return cands, nil
}
