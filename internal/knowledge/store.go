// Package knowledge is the curated financial content store behind
// retrieval-augmented advice: SQLite with FTS5 keyword search and optional
// embedding vectors per chunk.
package knowledge

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// Document is one ingested source file.
type Document struct {
	ID        int64
	Name      string
	Source    string
	Topic     string
	CreatedAt string
}

// Chunk is a retrievable slice of a document.
type Chunk struct {
	ID         int64
	DocumentID int64
	Seq        int
	Content    string
	Embedding  []float32
}

// ScoredChunk pairs a chunk with its retrieval score (higher is better).
type ScoredChunk struct {
	Chunk Chunk
	Score float64
}

// Stats summarizes store contents for the status command and health checks.
type Stats struct {
	Documents int64
	Chunks    int64
	Embedded  int64
}

type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			source TEXT NOT NULL UNIQUE,
			topic TEXT NOT NULL DEFAULT '_general',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_topic ON documents(topic)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, seq)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			content,
			content='chunks',
			content_rowid='id',
			tokenize='unicode61'
		)`,
		`CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
			INSERT INTO chunks_fts(rowid, content) VALUES (new.id, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES('delete', old.id, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE OF content ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES('delete', old.id, old.content);
			INSERT INTO chunks_fts(rowid, content) VALUES (new.id, new.content);
		END`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// ReplaceDocument stores a document and its chunks, replacing any previous
// version ingested from the same source path.
func (s *Store) ReplaceDocument(doc Document, chunks []Chunk) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin replace document: %w", err)
	}
	defer tx.Rollback()

	// Delete chunks explicitly so the FTS delete triggers fire.
	if _, err := tx.Exec(`
		DELETE FROM chunks WHERE document_id IN (SELECT id FROM documents WHERE source = ?)
	`, doc.Source); err != nil {
		return 0, fmt.Errorf("delete old chunks: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM documents WHERE source = ?`, doc.Source); err != nil {
		return 0, fmt.Errorf("delete old document: %w", err)
	}

	topic := strings.TrimSpace(doc.Topic)
	if topic == "" {
		topic = "_general"
	}

	res, err := tx.Exec(`
		INSERT INTO documents (name, source, topic) VALUES (?, ?, ?)
	`, strings.TrimSpace(doc.Name), doc.Source, topic)
	if err != nil {
		return 0, fmt.Errorf("insert document: %w", err)
	}
	docID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("document id: %w", err)
	}

	for i, chunk := range chunks {
		var blob []byte
		if len(chunk.Embedding) > 0 {
			blob, err = EncodeVector(chunk.Embedding)
			if err != nil {
				return 0, fmt.Errorf("encode chunk embedding: %w", err)
			}
		}
		if _, err := tx.Exec(`
			INSERT INTO chunks (document_id, seq, content, embedding) VALUES (?, ?, ?, ?)
		`, docID, i, strings.TrimSpace(chunk.Content), blob); err != nil {
			return 0, fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit replace document: %w", err)
	}
	return docID, nil
}

// SearchFTS returns bm25-scored chunks matching the FTS query. Lower raw
// bm25 is better; scores are returned as reported by SQLite.
func (s *Store) SearchFTS(matchQuery string, limit int) ([]ScoredChunk, error) {
	if limit <= 0 {
		limit = 10
	}
	query := strings.TrimSpace(matchQuery)
	if query == "" {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT c.id, c.document_id, c.seq, c.content, c.embedding, bm25(chunks_fts) AS score
		FROM chunks c
		JOIN chunks_fts f ON c.id = f.rowid
		WHERE chunks_fts MATCH ?
		ORDER BY bm25(chunks_fts)
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search fts: %w", err)
	}
	defer rows.Close()

	result := make([]ScoredChunk, 0)
	for rows.Next() {
		var item ScoredChunk
		var blob []byte
		if err := rows.Scan(&item.Chunk.ID, &item.Chunk.DocumentID, &item.Chunk.Seq, &item.Chunk.Content, &blob, &item.Score); err != nil {
			return nil, fmt.Errorf("scan fts chunk: %w", err)
		}
		if len(blob) > 0 {
			vec, err := DecodeVector(blob)
			if err != nil {
				return nil, fmt.Errorf("decode chunk %d embedding: %w", item.Chunk.ID, err)
			}
			item.Chunk.Embedding = vec
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fts chunks: %w", err)
	}
	return result, nil
}

// Documents lists ingested documents, newest first.
func (s *Store) Documents() ([]Document, error) {
	rows, err := s.db.Query(`
		SELECT id, name, source, topic, created_at FROM documents ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	result := make([]Document, 0)
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Name, &d.Source, &d.Topic, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return result, nil
}

func (s *Store) Stats() (Stats, error) {
	var stats Stats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&stats.Documents); err != nil {
		return Stats{}, fmt.Errorf("count documents: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&stats.Chunks); err != nil {
		return Stats{}, fmt.Errorf("count chunks: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM chunks WHERE embedding IS NOT NULL`).Scan(&stats.Embedded); err != nil {
		return Stats{}, fmt.Errorf("count embedded chunks: %w", err)
	}
	return stats, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping() error {
	if s.db == nil {
		return fmt.Errorf("knowledge store not open")
	}
	return s.db.Ping()
}
