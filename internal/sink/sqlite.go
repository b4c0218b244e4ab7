package sink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mwardle-data/jobs-scraper-project/internal/utils"
)

const objectsSchema = `
CREATE TABLE IF NOT EXISTS objects (
	key         TEXT PRIMARY KEY,
	body        BLOB NOT NULL,
	size        INTEGER NOT NULL,
	md5         TEXT NOT NULL,
	uploaded_at TEXT NOT NULL
);`

// SQLite stores each uploaded file as a row keyed by its destination key.
// Uploading the same key again replaces the row.
type SQLite struct {
	Pool *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)

	pool, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	pool.SetMaxOpenConns(1)
	pool.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.PingContext(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}
	if _, err := pool.ExecContext(ctx, objectsSchema); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("creating objects table: %w", err)
	}
	return &SQLite{Pool: pool}, nil
}

func (s *SQLite) Upload(ctx context.Context, localPath, key string) error {
	body, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", localPath, err)
	}
	_, err = s.Pool.ExecContext(ctx, `
INSERT INTO objects (key, body, size, md5, uploaded_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	body = excluded.body,
	size = excluded.size,
	md5 = excluded.md5,
	uploaded_at = excluded.uploaded_at`,
		key, body, len(body), utils.ComputeContentHash(body), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	return nil
}

// Get returns the stored body for key, or sql.ErrNoRows.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	err := s.Pool.QueryRowContext(ctx, `SELECT body FROM objects WHERE key = ?`, key).Scan(&body)
	return body, err
}

func (s *SQLite) Close() error {
	if s == nil || s.Pool == nil {
		return nil
	}
	return s.Pool.Close()
}
