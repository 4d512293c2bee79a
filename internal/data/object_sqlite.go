package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"oidc-demo/internal/biz"
)

type sqliteObjectRepo struct {
	db *sql.DB
}

// NewSQLiteObjectRepo creates an object repo. dbPath ":memory:" keeps the
// objects for the lifetime of the process only.
func NewSQLiteObjectRepo(dbPath string) (biz.ObjectRepo, error) {
	db, err := openSQLite(dbPath, `
		CREATE TABLE IF NOT EXISTS objects (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			content TEXT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
	)
	if err != nil {
		return nil, err
	}
	return &sqliteObjectRepo{db: db}, nil
}

func (r *sqliteObjectRepo) Create(ctx context.Context, obj *biz.Object) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO objects (id, content, owner, created_at) VALUES (?, ?, ?, ?)",
		obj.ID, obj.Content, obj.Owner, obj.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert object: %w", err)
	}
	return nil
}

func (r *sqliteObjectRepo) Get(ctx context.Context, id string) (*biz.Object, error) {
	var (
		obj       biz.Object
		createdAt int64
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT id, content, owner, created_at FROM objects WHERE id = ?", id,
	).Scan(&obj.ID, &obj.Content, &obj.Owner, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, biz.ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load object: %w", err)
	}
	obj.CreatedAt = time.UnixMilli(createdAt)
	return &obj, nil
}

func (r *sqliteObjectRepo) List(ctx context.Context) ([]*biz.Object, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, content, owner, created_at FROM objects ORDER BY seq",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	defer rows.Close()

	var objs []*biz.Object
	for rows.Next() {
		var (
			obj       biz.Object
			createdAt int64
		)
		if err := rows.Scan(&obj.ID, &obj.Content, &obj.Owner, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan object: %w", err)
		}
		obj.CreatedAt = time.UnixMilli(createdAt)
		objs = append(objs, &obj)
	}
	return objs, rows.Err()
}

func (r *sqliteObjectRepo) Close() error {
	return r.db.Close()
}
