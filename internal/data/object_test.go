package data

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"oidc-demo/internal/biz"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteObjectRepo(t *testing.T) {
	ctx := context.Background()
	paths := map[string]string{
		"memory": ":memory:",
		"file":   filepath.Join(t.TempDir(), "objects.db"),
	}

	for name, path := range paths {
		t.Run(name, func(t *testing.T) {
			repo, err := NewSQLiteObjectRepo(path)
			require.NoError(t, err)
			defer repo.Close()

			objs, err := repo.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, objs)

			created := time.UnixMilli(time.Now().UnixMilli())
			require.NoError(t, repo.Create(ctx, &biz.Object{ID: "b", Content: "first", Owner: "john", CreatedAt: created}))
			require.NoError(t, repo.Create(ctx, &biz.Object{ID: "a", Content: "second", CreatedAt: created}))
			assert.Error(t, repo.Create(ctx, &biz.Object{ID: "a", Content: "dup", CreatedAt: created}))

			got, err := repo.Get(ctx, "b")
			require.NoError(t, err)
			assert.Equal(t, "first", got.Content)
			assert.Equal(t, "john", got.Owner)
			assert.True(t, created.Equal(got.CreatedAt))

			_, err = repo.Get(ctx, "nope")
			assert.ErrorIs(t, err, biz.ErrObjectNotFound)

			objs, err = repo.List(ctx)
			require.NoError(t, err)
			require.Len(t, objs, 2)
			// insertion order, not id order
			assert.Equal(t, "b", objs[0].ID)
			assert.Equal(t, "a", objs[1].ID)
		})
	}
}

func TestObjectUsecaseOnSQLite(t *testing.T) {
	ctx := context.Background()
	repo, err := NewSQLiteObjectRepo(":memory:")
	require.NoError(t, err)
	defer repo.Close()

	uc := biz.NewObjectUsecase(repo, nil)
	seed, err := uc.Seed(ctx)
	require.NoError(t, err)

	ids, err := uc.ListIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{seed.ID}, ids)
}
