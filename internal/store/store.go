// Package store is the embedded relational persistence layer: tokens,
// per-day usage counters, and a single cached app-version row.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/nghyane/qwen-pool-proxy/internal/logging"
	_ "modernc.org/sqlite"
)

// Token mirrors the tokens relation.
type Token struct {
	ID           string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *int64 // unix millis; nil = unknown
	UploadedAt   int64  // unix millis
	UsageCount   int64
}

// IsExpired reports whether the token is expired as of nowMs.
func (t Token) IsExpired(nowMs int64) bool {
	return t.ExpiresAt != nil && nowMs > *t.ExpiresAt
}

// UsageStat mirrors one row of the usage relation.
type UsageStat struct {
	Date       string
	Model      string
	TotalTokens int64
	CallCount   int64
}

const cacheTTL = 60 * time.Second

// Store is safe for concurrent use. Readers are served from a short-lived
// in-process cache; any write invalidates the whole cache.
type Store struct {
	db *sql.DB

	mu        sync.RWMutex
	cache     map[string]Token
	cachedAt  time.Time
	cacheFull bool
}

// Open creates the database file (and parent directory) if needed, puts it
// in WAL mode, and runs idempotent schema migrations.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("store: database path is required")
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-64000")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// SQLite serializes writers regardless; a single connection avoids
	// "database is locked" churn under modernc.org/sqlite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, cache: make(map[string]Token)}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tokens (
		id TEXT PRIMARY KEY,
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL,
		expires_at INTEGER,
		uploaded_at INTEGER NOT NULL,
		usage_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS usage (
		date TEXT NOT NULL,
		model TEXT NOT NULL,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		call_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, model)
	);
	CREATE TABLE IF NOT EXISTS app_version (
		key TEXT PRIMARY KEY,
		version TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}

	// Idempotent column additions for older databases (token_manager's
	// earlier revisions lacked usage.call_count and app_version entirely,
	// the CREATE TABLE IF NOT EXISTS above already covers the latter).
	migrations := []struct{ table, colDef string }{
		{"usage", "call_count INTEGER NOT NULL DEFAULT 0"},
		{"tokens", "usage_count INTEGER NOT NULL DEFAULT 0"},
	}
	for _, m := range migrations {
		_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", m.table, m.colDef))
		if err != nil {
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("store: migrate %s: %w", m.table, err)
		}
		log.Infof("store: added column to %s (%s)", m.table, m.colDef)
	}
	return nil
}

func (s *Store) invalidateCache() {
	s.mu.Lock()
	s.cache = make(map[string]Token)
	s.cacheFull = false
	s.mu.Unlock()
}

// UpsertToken replaces the full row keyed by id.
func (s *Store) UpsertToken(t Token) error {
	_, err := s.db.Exec(`
		INSERT INTO tokens (id, access_token, refresh_token, expires_at, uploaded_at, usage_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			uploaded_at = excluded.uploaded_at,
			usage_count = excluded.usage_count
	`, t.ID, t.AccessToken, t.RefreshToken, t.ExpiresAt, t.UploadedAt, t.UsageCount)
	if err != nil {
		return fmt.Errorf("store: upsert token: %w", err)
	}
	s.invalidateCache()
	return nil
}

// LoadAllTokens returns every token, served from cache when fresh.
func (s *Store) LoadAllTokens() (map[string]Token, error) {
	s.mu.RLock()
	if s.cacheFull && time.Since(s.cachedAt) < cacheTTL {
		out := make(map[string]Token, len(s.cache))
		for k, v := range s.cache {
			out[k] = v
		}
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, access_token, refresh_token, expires_at, uploaded_at, usage_count FROM tokens`)
	if err != nil {
		return nil, fmt.Errorf("store: load tokens: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Token)
	for rows.Next() {
		var t Token
		var expiresAt sql.NullInt64
		if err := rows.Scan(&t.ID, &t.AccessToken, &t.RefreshToken, &expiresAt, &t.UploadedAt, &t.UsageCount); err != nil {
			return nil, fmt.Errorf("store: scan token: %w", err)
		}
		if expiresAt.Valid {
			v := expiresAt.Int64
			t.ExpiresAt = &v
		}
		out[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache = make(map[string]Token, len(out))
	for k, v := range out {
		s.cache[k] = v
	}
	s.cachedAt = time.Now()
	s.cacheFull = true
	s.mu.Unlock()

	return out, nil
}

// DeleteToken removes a single token; idempotent if the id is absent.
func (s *Store) DeleteToken(id string) error {
	if _, err := s.db.Exec(`DELETE FROM tokens WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete token: %w", err)
	}
	s.invalidateCache()
	return nil
}

// DeleteAllTokens clears the tokens relation.
func (s *Store) DeleteAllTokens() error {
	if _, err := s.db.Exec(`DELETE FROM tokens`); err != nil {
		return fmt.Errorf("store: delete all tokens: %w", err)
	}
	s.invalidateCache()
	return nil
}

// IncrementUsage atomically adds tokensDelta and bumps call_count by 1 for
// the (date, model) pair.
func (s *Store) IncrementUsage(date, model string, tokensDelta int64) error {
	_, err := s.db.Exec(`
		INSERT INTO usage (date, model, total_tokens, call_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(date, model) DO UPDATE SET
			total_tokens = total_tokens + excluded.total_tokens,
			call_count = call_count + 1
	`, date, model, tokensDelta)
	if err != nil {
		return fmt.Errorf("store: increment usage: %w", err)
	}
	s.invalidateCache()
	return nil
}

// IncrementTokenCallCount bumps a single token's usage_count by 1.
func (s *Store) IncrementTokenCallCount(id string) error {
	_, err := s.db.Exec(`UPDATE tokens SET usage_count = usage_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: increment token call count: %w", err)
	}
	s.invalidateCache()
	return nil
}

// ReadUsage aggregates total_tokens/call_count across every model for date.
func (s *Store) ReadUsage(date string) (totalTokens, callCount int64, models []string, err error) {
	rows, err := s.db.Query(`SELECT model, total_tokens, call_count FROM usage WHERE date = ?`, date)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("store: read usage: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var model string
		var tok, calls int64
		if err := rows.Scan(&model, &tok, &calls); err != nil {
			return 0, 0, nil, err
		}
		totalTokens += tok
		callCount += calls
		models = append(models, model)
	}
	return totalTokens, callCount, models, rows.Err()
}

// ListAvailableDates returns every distinct date with usage, newest first.
func (s *Store) ListAvailableDates() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT date FROM usage ORDER BY date DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list available dates: %w", err)
	}
	defer rows.Close()
	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// DeleteUsage removes every usage row for date, returning the row count.
func (s *Store) DeleteUsage(date string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM usage WHERE date = ?`, date)
	if err != nil {
		return 0, fmt.Errorf("store: delete usage: %w", err)
	}
	return res.RowsAffected()
}

const appVersionKey = "qwen_code"

// GetVersion returns the cached app version, or "" if never set.
func (s *Store) GetVersion() (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT version FROM app_version WHERE key = ?`, appVersionKey).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get version: %w", err)
	}
	return v, nil
}

// PutVersion upserts the single app-version row.
func (s *Store) PutVersion(version string) error {
	_, err := s.db.Exec(`
		INSERT INTO app_version (key, version, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at
	`, appVersionKey, version, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: put version: %w", err)
	}
	return nil
}
