package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/aslishyi/anima/internal/logging"
)

// Embedder turns text into a vector. The LLM package provides the real
// one; tests substitute deterministic fakes.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Entry is one stored memory with its metadata
type Entry struct {
	ID         string
	Text       string
	Embedding  []float64
	Source     string
	UserID     string
	Category   string
	Importance int
	CreatedAt  time.Time
	Extra      map[string]string
}

// Metadata describes a memory at insertion time
type Metadata struct {
	Source     string
	UserID     string
	Category   string
	Importance int
	Extra      map[string]string
}

// Store is one named vector collection. All mutators hold the writer
// mutex; reads go straight to SQLite.
type Store struct {
	db         *DB
	collection string
	embedder   Embedder

	mu     sync.Mutex // writer mutex
	vecDim int
}

// Collection opens a named collection in the database
func (d *DB) Collection(name string, embedder Embedder) *Store {
	return &Store{db: d, collection: name, embedder: embedder}
}

// Name returns the collection name
func (s *Store) Name() string {
	return s.collection
}

// DocumentID derives the stable content id for a text. Identical text
// re-inserted into the same collection lands on the same row.
func DocumentID(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:16])
}

// AddTexts embeds and inserts texts with their metadata, returning ids.
// Re-inserting identical text overwrites the existing row in place.
func (s *Store) AddTexts(ctx context.Context, texts []string, metas []Metadata) ([]string, error) {
	if len(texts) != len(metas) {
		return nil, fmt.Errorf("texts/metadatas length mismatch: %d vs %d", len(texts), len(metas))
	}

	ids := make([]string, 0, len(texts))

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, text := range texts {
		meta := metas[i]
		if meta.Importance < 1 {
			meta.Importance = 1
		}
		if meta.Source == "" {
			meta.Source = "system"
		}
		if meta.Category == "" {
			meta.Category = "general"
		}

		emb, err := s.embedder.Embed(ctx, text)
		if err != nil {
			return ids, fmt.Errorf("embed: %w", err)
		}

		id := DocumentID(text)
		var extraJSON []byte
		if len(meta.Extra) > 0 {
			extraJSON, _ = json.Marshal(meta.Extra)
		}

		_, err = s.db.db.Exec(`
			INSERT INTO documents (id, collection, text, source, user_id, category, importance, created_at, extra, embedding)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(collection, id) DO UPDATE SET
				source = excluded.source,
				user_id = excluded.user_id,
				category = excluded.category,
				importance = excluded.importance,
				created_at = excluded.created_at,
				extra = excluded.extra,
				embedding = excluded.embedding
		`, id, s.collection, text, meta.Source, meta.UserID, meta.Category, meta.Importance,
			time.Now(), extraJSON, marshalEmbedding(emb))
		if err != nil {
			return ids, fmt.Errorf("insert document: %w", err)
		}

		if err := s.indexVector(id, emb); err != nil {
			logging.Debug("memory", "vec index skipped for %s: %v", id, err)
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// indexVector mirrors the embedding into the vec0 table (caller holds mu)
func (s *Store) indexVector(id string, emb []float64) error {
	if !s.db.vecAvailable {
		return nil
	}
	if s.vecDim == 0 {
		if err := s.db.ensureVecTable(s.collection, len(emb)); err != nil {
			return err
		}
		s.vecDim = len(emb)
	}
	if len(emb) != s.vecDim {
		return fmt.Errorf("embedding dim %d doesn't match vec table dim %d", len(emb), s.vecDim)
	}

	var rowid int64
	if err := s.db.db.QueryRow(`SELECT rowid FROM documents WHERE collection = ? AND id = ?`, s.collection, id).Scan(&rowid); err != nil {
		return err
	}

	serialized, err := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(emb)))
	if err != nil {
		return err
	}
	table := vecTableName(s.collection)
	// vec0 does not reliably support INSERT OR REPLACE; use DELETE + INSERT.
	s.db.db.Exec(`DELETE FROM `+table+` WHERE rowid = ?`, rowid)
	_, err = s.db.db.Exec(`INSERT INTO `+table+`(rowid, embedding, doc_id) VALUES (?, ?, ?)`, rowid, serialized, id)
	return err
}

// Get returns one entry by id, or nil
func (s *Store) Get(id string) (*Entry, error) {
	row := s.db.db.QueryRow(`
		SELECT id, text, source, user_id, category, importance, created_at, extra, embedding
		FROM documents WHERE collection = ? AND id = ?
	`, s.collection, id)
	e, err := scanEntry(row)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// TestSetCreatedAt backdates an entry (for testing only)
func (s *Store) TestSetCreatedAt(id string, createdAt time.Time) error {
	_, err := s.db.db.Exec(`UPDATE documents SET created_at = ? WHERE collection = ? AND id = ?`, createdAt, s.collection, id)
	return err
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var e Entry
	var userID, extraJSON sql.NullString
	var embBytes []byte
	err := row.Scan(&e.ID, &e.Text, &e.Source, &userID, &e.Category, &e.Importance, &e.CreatedAt, &extraJSON, &embBytes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.UserID = userID.String
	if extraJSON.Valid && extraJSON.String != "" {
		json.Unmarshal([]byte(extraJSON.String), &e.Extra)
	}
	e.Embedding = unmarshalEmbedding(embBytes)
	return &e, nil
}

// All returns every entry in the collection. withEmbeddings controls
// whether the vectors are loaded (metadata scans don't need them).
func (s *Store) All(withEmbeddings bool) ([]*Entry, error) {
	cols := "id, text, source, user_id, category, importance, created_at, extra"
	if withEmbeddings {
		cols += ", embedding"
	}
	rows, err := s.db.db.Query(`SELECT `+cols+` FROM documents WHERE collection = ? ORDER BY created_at ASC`, s.collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var userID, extraJSON sql.NullString
		var embBytes []byte
		dest := []any{&e.ID, &e.Text, &e.Source, &userID, &e.Category, &e.Importance, &e.CreatedAt, &extraJSON}
		if withEmbeddings {
			dest = append(dest, &embBytes)
		}
		if err := rows.Scan(dest...); err != nil {
			continue
		}
		e.UserID = userID.String
		if extraJSON.Valid && extraJSON.String != "" {
			json.Unmarshal([]byte(extraJSON.String), &e.Extra)
		}
		if withEmbeddings {
			e.Embedding = unmarshalEmbedding(embBytes)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// Count returns the number of entries in the collection
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.db.QueryRow(`SELECT COUNT(*) FROM documents WHERE collection = ?`, s.collection).Scan(&n)
	return n, err
}

// Delete physically removes entries by id
func (s *Store) Delete(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(ids)
}

func (s *Store) deleteLocked(ids []string) error {
	table := vecTableName(s.collection)
	for _, id := range ids {
		if s.db.vecAvailable && s.vecDim > 0 {
			var rowid int64
			if err := s.db.db.QueryRow(`SELECT rowid FROM documents WHERE collection = ? AND id = ?`, s.collection, id).Scan(&rowid); err == nil {
				s.db.db.Exec(`DELETE FROM `+table+` WHERE rowid = ?`, rowid)
			}
		}
		if _, err := s.db.db.Exec(`DELETE FROM documents WHERE collection = ? AND id = ?`, s.collection, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	return nil
}

// ClearAll drops every entry in the collection
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db.vecAvailable && s.vecDim > 0 {
		s.db.db.Exec(`DROP TABLE IF EXISTS ` + vecTableName(s.collection))
		s.vecDim = 0
	}
	_, err := s.db.db.Exec(`DELETE FROM documents WHERE collection = ?`, s.collection)
	return err
}

// DeleteBySemantic embeds the query, finds nearby entries and deletes
// those whose cosine similarity exceeds threshold. Returns the count.
func (s *Store) DeleteBySemantic(ctx context.Context, query string, threshold float64) (int, error) {
	queryEmb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("embed query: %w", err)
	}

	entries, err := s.All(true)
	if err != nil {
		return 0, err
	}

	var doomed []string
	for _, e := range entries {
		if len(e.Embedding) == 0 {
			continue
		}
		if cosineSimilarity(queryEmb, e.Embedding) > threshold {
			doomed = append(doomed, e.ID)
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.deleteLocked(doomed); err != nil {
		return 0, err
	}
	logging.Info("memory", "semantic delete removed %d entries (threshold %.2f)", len(doomed), threshold)
	return len(doomed), nil
}
