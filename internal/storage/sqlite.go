package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"aplex/internal/domain"
)

// SQLiteRepository implements domain.SessionRepository using SQLite.
// Each user's session collection is stored as one serialized row, so a
// load or save always sees a complete snapshot.
type SQLiteRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteRepository(dbPath string, logger *slog.Logger) (*SQLiteRepository, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db, logger: logger}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return repo, nil
}

func (r *SQLiteRepository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS user_sessions (
		user_id     TEXT PRIMARY KEY,
		payload     TEXT NOT NULL,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Load returns the stored session collection for a user. ok is false
// when the user has never saved.
func (r *SQLiteRepository) Load(ctx context.Context, userID string) ([]domain.Session, bool, error) {
	var payload string
	err := r.db.QueryRowContext(ctx,
		`SELECT payload FROM user_sessions WHERE user_id = ?`, userID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load sessions for %s: %w", userID, err)
	}

	var sessions []domain.Session
	if err := json.Unmarshal([]byte(payload), &sessions); err != nil {
		return nil, false, fmt.Errorf("decode sessions for %s: %w", userID, err)
	}
	return sessions, true, nil
}

// Save replaces the user's stored collection with the given snapshot.
func (r *SQLiteRepository) Save(ctx context.Context, userID string, sessions []domain.Session) error {
	payload, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("encode sessions for %s: %w", userID, err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO user_sessions (user_id, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		userID, string(payload), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save sessions for %s: %w", userID, err)
	}
	return nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
