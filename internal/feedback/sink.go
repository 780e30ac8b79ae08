package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/circuitbreaker"
)

// Record is one persisted feedback entry.
type Record struct {
	ID               string    `json:"id" db:"id"`
	ThreadID         string    `json:"thread_id,omitempty" db:"thread_id"`
	TurnID           string    `json:"turn_id,omitempty" db:"turn_id"`
	Query            string    `json:"query" db:"query"`
	FinalAnswer      string    `json:"final_answer" db:"final_answer"`
	Feedback         string    `json:"feedback" db:"feedback"`
	RetrievalContext string    `json:"retrieval_context" db:"retrieval_context"`
	QualityScores    Scores    `json:"quality_scores" db:"quality_scores"`
	Timestamp        time.Time `json:"timestamp" db:"created_at"`
}

// Sink persists records. Implementations must be safe for concurrent use.
type Sink interface {
	Name() string
	Write(ctx context.Context, r Record) error
	Close() error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Name() string                        { return "none" }
func (NopSink) Write(context.Context, Record) error { return nil }
func (NopSink) Close() error                        { return nil }

// JSONLSink appends one JSON object per line to a file.
type JSONLSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func NewJSONLSink(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create feedback dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open feedback log: %w", err)
	}
	return &JSONLSink{path: path, f: f}, nil
}

func (s *JSONLSink) Name() string { return "jsonl" }

func (s *JSONLSink) Write(_ context.Context, r Record) error {
	line, err := json.Marshal(r)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.f.Write(line)
	return err
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS feedback_records (
    id                TEXT PRIMARY KEY,
    thread_id         TEXT,
    turn_id           TEXT,
    query             TEXT NOT NULL,
    final_answer      TEXT NOT NULL,
    feedback          TEXT,
    retrieval_context TEXT,
    quality_scores    TEXT,
    created_at        TIMESTAMP NOT NULL
)`

const insertRecord = `
INSERT INTO feedback_records (
    id, thread_id, turn_id, query, final_answer, feedback, retrieval_context, quality_scores, created_at
) VALUES (
    :id, :thread_id, :turn_id, :query, :final_answer, :feedback, :retrieval_context, :quality_scores, :created_at
)`

// SQLSink writes records to postgres or sqlite through sqlx.
type SQLSink struct {
	db *circuitbreaker.DB
}

// OpenSQLSink connects with driver ("postgres" or "sqlite3") and creates the
// table when missing.
func OpenSQLSink(ctx context.Context, driver, dsn string, logger *zap.Logger) (*SQLSink, error) {
	raw, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	s := NewSQLSink(raw, logger)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLSink(db *sqlx.DB, logger *zap.Logger) *SQLSink {
	return &SQLSink{db: circuitbreaker.NewDB(db, logger)}
}

func (s *SQLSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create feedback table: %w", err)
	}
	return nil
}

func (s *SQLSink) Name() string { return "sql" }

func (s *SQLSink) Write(ctx context.Context, r Record) error {
	_, err := s.db.NamedExecContext(ctx, insertRecord, r)
	return err
}

// Recent returns the newest records, newest first.
func (s *SQLSink) Recent(ctx context.Context, limit int) ([]Record, error) {
	var out []Record
	err := s.db.SelectContext(ctx, &out, `
SELECT id, thread_id, turn_id, query, final_answer, feedback, retrieval_context, quality_scores, created_at
FROM feedback_records ORDER BY created_at DESC LIMIT ?`, limit)
	return out, err
}

func (s *SQLSink) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLSink) Close() error { return s.db.Raw().Close() }

func newRecordID() string { return uuid.New().String() }
