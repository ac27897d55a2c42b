package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// =============================================================================
// SQLITE HASH-CHAIN SINK
// =============================================================================

// Supported database/sql drivers.
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverMattn   = "sqlite3" // github.com/mattn/go-sqlite3, cgo
)

// genesisHash seeds the chain.
var genesisHash = hex.EncodeToString(make([]byte, sha256.Size))

// ErrChainBroken is returned by Verify when a row does not match its hash.
var ErrChainBroken = errors.New("audit hash chain broken")

// SQLiteSink stores events in a tamper-evident chain: every row's hash is
// sha256(prev_hash || payload).
type SQLiteSink struct {
	db       *sql.DB
	path     string
	mu       sync.Mutex
	lastHash string
}

// OpenSQLite opens or creates the audit database.
func OpenSQLite(driver, path string) (*SQLiteSink, error) {
	if driver == "" {
		driver = DriverModernc
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn(driver, path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps the chain linear and ":memory:" on one connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteSink{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.loadHead(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(driver, path string) string {
	if path == ":memory:" {
		return path
	}
	if driver == DriverMattn {
		return path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

func (s *SQLiteSink) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		ts TEXT NOT NULL,
		type TEXT NOT NULL,
		request_id TEXT,
		payload TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_events(request_id);
	CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_events(type);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteSink) loadHead() error {
	var h string
	err := s.db.QueryRow(`SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&h)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.lastHash = genesisHash
		return nil
	case err != nil:
		return fmt.Errorf("failed to read chain head: %w", err)
	}
	s.lastHash = h
	return nil
}

func chainHash(prev string, payload []byte) string {
	sum := sha256.New()
	sum.Write([]byte(prev))
	sum.Write(payload)
	return hex.EncodeToString(sum.Sum(nil))
}

// Write implements Sink.
func (s *SQLiteSink) Write(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hash := chainHash(s.lastHash, payload)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, ts, type, request_id, payload, prev_hash, hash) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Time.UTC().Format(time.RFC3339Nano), string(e.Type), e.RequestID, string(payload), s.lastHash, hash)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	s.lastHash = hash
	return nil
}

// VerifyResult summarizes a chain check.
type VerifyResult struct {
	Events   int    `json:"events"`
	Head     string `json:"head"`
	BrokenAt int64  `json:"broken_at,omitempty"` // seq of the first bad row
}

// Verify recomputes every hash in order. It returns ErrChainBroken (wrapped)
// with BrokenAt set on the first mismatch.
func (s *SQLiteSink) Verify(ctx context.Context) (VerifyResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, payload, prev_hash, hash FROM audit_events ORDER BY seq`)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	res := VerifyResult{Head: genesisHash}
	prev := genesisHash
	for rows.Next() {
		var (
			seq                   int64
			payload, stored, hash string
		)
		if err := rows.Scan(&seq, &payload, &stored, &hash); err != nil {
			return res, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if stored != prev || chainHash(prev, []byte(payload)) != hash {
			res.BrokenAt = seq
			return res, fmt.Errorf("%w at seq %d", ErrChainBroken, seq)
		}
		prev = hash
		res.Events++
		res.Head = hash
	}
	return res, rows.Err()
}

// Events returns up to limit events, newest last. limit <= 0 means all.
func (s *SQLiteSink) Events(ctx context.Context, limit int) ([]Event, error) {
	q := `SELECT payload FROM (SELECT seq, payload FROM audit_events ORDER BY seq DESC LIMIT ?) ORDER BY seq`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("failed to decode audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Path returns the database path.
func (s *SQLiteSink) Path() string { return s.path }

// Close implements Sink.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
