// Package memory implements the episodic vector store: free-form text
// memories with metadata, embedded and indexed in SQLite. When the
// sqlite-vec extension loads, a vec0 virtual table accelerates KNN;
// otherwise retrieval falls back to a full cosine scan.
package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/aslishyi/anima/internal/logging"
)

func init() {
	sqlite_vec.Auto() // registers the vec0 virtual table with go-sqlite3
}

// DB wraps the SQLite database holding all vector collections
type DB struct {
	db           *sql.DB
	path         string
	vecAvailable bool
}

// Open opens or creates the vector database under dataRoot/chroma_db
func Open(dataRoot string) (*DB, error) {
	dbPath := filepath.Join(dataRoot, "chroma_db", "collections.db")
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

	d := &DB{db: db, path: dbPath}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		logging.Warn("memory", "sqlite-vec not available: %v — falling back to full scan", err)
	} else {
		logging.Info("memory", "sqlite-vec %s loaded", vecVersion)
		d.vecAvailable = true
	}

	return d, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT NOT NULL,
		collection TEXT NOT NULL,
		text TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'system',
		user_id TEXT,
		category TEXT NOT NULL DEFAULT 'general',
		importance INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		extra TEXT,
		embedding BLOB,
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);
	CREATE INDEX IF NOT EXISTS idx_documents_created ON documents(collection, created_at);
	CREATE INDEX IF NOT EXISTS idx_documents_importance ON documents(collection, importance);
	`
	_, err := d.db.Exec(schema)
	return err
}

// ensureVecTable creates the per-collection vec0 table for the given
// embedding dimension. Idempotent for the same dimension.
//
// Uses integer rowid (from documents.rowid) plus an auxiliary +doc_id
// column; vec0's TEXT PRIMARY KEY partitioning breaks KNN queries.
func (d *DB) ensureVecTable(collection string, dim int) error {
	if !d.vecAvailable {
		return nil
	}
	_, err := d.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(
			embedding float[%d],
			+doc_id TEXT
		)
	`, vecTableName(collection), dim))
	if err != nil {
		return fmt.Errorf("failed to create vec table for %s: %w", collection, err)
	}
	return nil
}

func vecTableName(collection string) string {
	return "vec_" + sanitizeIdent(collection)
}

func sanitizeIdent(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '-' || r == ' ' || r == '.' {
			r = '_'
		}
		out = append(out, r)
	}
	return string(out)
}

// float64ToFloat32 converts a float64 slice to float32
func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// normalizeFloat32 returns a unit-length copy of the vector. Normalizing
// before storing in vec0 makes L2 distance equivalent to cosine distance:
//
//	cosine_dist = L2_dist² / 2   (for unit vectors)
func normalizeFloat32(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// l2ToCosineDist converts an L2 distance on unit vectors to cosine distance
func l2ToCosineDist(l2 float64) float64 {
	return (l2 * l2) / 2.0
}

// cosineSimilarity computes the cosine similarity of two vectors
func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func marshalEmbedding(v []float64) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func unmarshalEmbedding(b []byte) []float64 {
	var v []float64
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	return v
}
