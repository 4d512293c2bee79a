package biz

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Object is one stored blob of the object store.
type Object struct {
	ID        string
	Content   string
	Owner     string
	CreatedAt time.Time
}

// ObjectRepo persists objects.
type ObjectRepo interface {
	Create(ctx context.Context, obj *Object) error
	// Get returns the object or ErrObjectNotFound.
	Get(ctx context.Context, id string) (*Object, error)
	// List returns all objects, oldest first.
	List(ctx context.Context) ([]*Object, error)
	Close() error
}

// ObjectUsecase implements the object store operations.
type ObjectUsecase struct {
	repo   ObjectRepo
	logger *slog.Logger
	now    func() time.Time
}

// NewObjectUsecase creates an ObjectUsecase.
func NewObjectUsecase(repo ObjectRepo, logger *slog.Logger) *ObjectUsecase {
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectUsecase{repo: repo, logger: logger, now: time.Now}
}

// Seed stores the initial test object.
func (u *ObjectUsecase) Seed(ctx context.Context) (*Object, error) {
	return u.Create(ctx, "Test object", "")
}

// Create stores content under a new random id.
func (u *ObjectUsecase) Create(ctx context.Context, content, owner string) (*Object, error) {
	obj := &Object{
		ID:        uuid.NewString(),
		Content:   content,
		Owner:     owner,
		CreatedAt: u.now(),
	}
	if err := u.repo.Create(ctx, obj); err != nil {
		return nil, fmt.Errorf("failed to create object: %w", err)
	}
	u.logger.Info("created object", "id", obj.ID, "owner", owner, "content", content)
	return obj, nil
}

// Get returns one object.
func (u *ObjectUsecase) Get(ctx context.Context, id string) (*Object, error) {
	return u.repo.Get(ctx, id)
}

// List returns all objects.
func (u *ObjectUsecase) List(ctx context.Context) ([]*Object, error) {
	return u.repo.List(ctx)
}

// ListIDs returns the ids of all objects.
func (u *ObjectUsecase) ListIDs(ctx context.Context) ([]string, error) {
	objs, err := u.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(objs))
	for i, obj := range objs {
		ids[i] = obj.ID
	}
	return ids, nil
}
