package lease

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/storyloop/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is a durable Store for single-host deployments. Leases,
// artifacts, cancellation flags, and the story working copy all live in
// one database file so a restarted process picks up where it left off.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLiteStore opens (creating if needed) the lease database at dbPath.
// Pass ":memory:" for an ephemeral database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// busy_timeout first so the remaining pragmas wait on locks instead
	// of failing during concurrent initialization.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, clock: time.Now}, nil
}

// execWithRetry retries a statement on "database is locked" errors with
// linear backoff.
func execWithRetry(db *sql.DB, query string, attempts int, backoff time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = db.Exec(query); err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		time.Sleep(backoff * time.Duration(i+1))
	}
	return err
}

// SetClock replaces the time source. Test hook.
func (s *SQLiteStore) SetClock(clock func() time.Time) {
	s.clock = clock
}

func (s *SQLiteStore) nowMillis() int64 {
	return s.clock().UnixMilli()
}

func (s *SQLiteStore) Acquire(ctx context.Context, loopID, storyID, token string, ttl time.Duration) (bool, string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.nowMillis()
	expires := now + ttl.Milliseconds()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("begin acquire: %w", err)
	}
	defer tx.Rollback()

	var holder string
	var holderExpires int64
	err = tx.QueryRowContext(ctx,
		"SELECT token, expires_at FROM leases WHERE loop_id = ? AND story_id = ?",
		loopID, storyID).Scan(&holder, &holderExpires)
	switch {
	case err == sql.ErrNoRows:
		// free slot
	case err != nil:
		return false, "", fmt.Errorf("query lease: %w", err)
	case holder != token && holderExpires > now:
		return false, holder, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO leases (loop_id, story_id, token, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(loop_id, story_id) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at`,
		loopID, storyID, token, expires)
	if err != nil {
		return false, "", fmt.Errorf("write lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("commit acquire: %w", err)
	}
	return true, token, nil
}

func (s *SQLiteStore) Renew(ctx context.Context, loopID, storyID, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.nowMillis()
	result, err := s.db.ExecContext(ctx,
		"UPDATE leases SET expires_at = ? WHERE loop_id = ? AND story_id = ? AND token = ? AND expires_at > ?",
		now+ttl.Milliseconds(), loopID, storyID, token, now)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("renew lease rows: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLiteStore) Release(ctx context.Context, loopID, storyID, token string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM leases WHERE loop_id = ? AND story_id = ? AND token = ?",
		loopID, storyID, token)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Holder(ctx context.Context, loopID, storyID string) (string, error) {
	var holder string
	err := s.db.QueryRowContext(ctx,
		"SELECT token FROM leases WHERE loop_id = ? AND story_id = ? AND expires_at > ?",
		loopID, storyID, s.nowMillis()).Scan(&holder)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query holder: %w", err)
	}
	return holder, nil
}

func (s *SQLiteStore) PutArtifact(ctx context.Context, key, value string) error {
	// ON CONFLICT DO NOTHING keeps the first recorded value.
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO artifacts (key, value, created_at) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING",
		key, value, s.nowMillis())
	if err != nil {
		return fmt.Errorf("put artifact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetArtifact(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM artifacts WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get artifact: %w", err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Cancel(ctx context.Context, loopID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loop_flags (loop_id, cancelled) VALUES (?, 1)
		 ON CONFLICT(loop_id) DO UPDATE SET cancelled = 1`, loopID)
	if err != nil {
		return fmt.Errorf("set cancel flag: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Cancelled(ctx context.Context, loopID string) (bool, error) {
	var cancelled int
	err := s.db.QueryRowContext(ctx,
		"SELECT cancelled FROM loop_flags WHERE loop_id = ?", loopID).Scan(&cancelled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query cancel flag: %w", err)
	}
	return cancelled != 0, nil
}

func (s *SQLiteStore) PutStories(ctx context.Context, loopID string, stories []models.Story) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put stories: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM stories WHERE loop_id = ?", loopID); err != nil {
		return fmt.Errorf("clear stories: %w", err)
	}
	for i, story := range stories {
		data, err := json.Marshal(story)
		if err != nil {
			return fmt.Errorf("encode story %s: %w", story.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO stories (loop_id, position, story_id, data) VALUES (?, ?, ?, ?)",
			loopID, i, story.ID, string(data))
		if err != nil {
			return fmt.Errorf("insert story %s: %w", story.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ReadStories(ctx context.Context, loopID string) ([]models.Story, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM stories WHERE loop_id = ? ORDER BY position", loopID)
	if err != nil {
		return nil, fmt.Errorf("query stories: %w", err)
	}
	defer rows.Close()

	var stories []models.Story
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		var story models.Story
		if err := json.Unmarshal([]byte(data), &story); err != nil {
			return nil, fmt.Errorf("decode story: %w", err)
		}
		stories = append(stories, story)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if stories == nil {
		return nil, ErrNotFound
	}
	return stories, nil
}

func (s *SQLiteStore) TransitionStory(ctx context.Context, loopID, storyID string, status models.StoryStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	var position int
	var data string
	err = tx.QueryRowContext(ctx,
		"SELECT position, data FROM stories WHERE loop_id = ? AND story_id = ?",
		loopID, storyID).Scan(&position, &data)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query story: %w", err)
	}

	var story models.Story
	if err := json.Unmarshal([]byte(data), &story); err != nil {
		return fmt.Errorf("decode story: %w", err)
	}
	if err := checkTransition(story.Status, status); err != nil {
		return err
	}
	story.Status = status

	updated, err := json.Marshal(story)
	if err != nil {
		return fmt.Errorf("encode story: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE stories SET data = ? WHERE loop_id = ? AND position = ?",
		string(updated), loopID, position)
	if err != nil {
		return fmt.Errorf("update story: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
