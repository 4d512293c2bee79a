package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"oidc-demo/internal/biz"
)

// sqliteSessionRepo SQLite 实现的会话仓库
type sqliteSessionRepo struct {
	db     *sql.DB
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewSQLiteSessionRepo creates a session repo stored in the sqlite database at
// dbPath. Sessions idle for longer than ttl are reported as not found and
// purged on the next Save.
func NewSQLiteSessionRepo(dbPath string, ttl time.Duration) (biz.SessionRepo, error) {
	db, err := openSQLite(dbPath, `
		CREATE TABLE IF NOT EXISTS web_sessions (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_web_sessions_updated_at ON web_sessions(updated_at)",
	)
	if err != nil {
		return nil, err
	}
	return &sqliteSessionRepo{db: db, ttl: ttl, now: time.Now, logger: slog.Default()}, nil
}

func (r *sqliteSessionRepo) Get(ctx context.Context, id string) (*biz.Session, error) {
	var (
		data      string
		updatedAt int64
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT data, updated_at FROM web_sessions WHERE id = ?", id,
	).Scan(&data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, biz.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if r.ttl > 0 && r.now().Sub(time.UnixMilli(updatedAt)) > r.ttl {
		return nil, biz.ErrSessionNotFound
	}

	var sess biz.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &sess, nil
}

func (r *sqliteSessionRepo) Save(ctx context.Context, s *biz.Session) error {
	s.UpdatedAt = r.now()
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO web_sessions (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, s.ID, string(data), s.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if r.ttl > 0 {
		// a failed purge is not fatal, Get still hides expired rows
		n, err := r.purgeExpired(ctx, s.UpdatedAt.Add(-r.ttl))
		if err != nil {
			r.logger.Debug("failed to purge expired sessions", "error", err)
		} else if n > 0 {
			r.logger.Debug("purged expired sessions", "count", n)
		}
	}
	return nil
}

// purgeExpired deletes sessions last saved before cutoff.
func (r *sqliteSessionRepo) purgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM web_sessions WHERE updated_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *sqliteSessionRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM web_sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (r *sqliteSessionRepo) Close() error {
	return r.db.Close()
}
