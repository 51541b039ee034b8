package dummydb

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Haizard/mult-tenant-school-sub002/core"
	"github.com/Haizard/mult-tenant-school-sub002/core/library"
)

func TestDB_WithinTx(t *testing.T) {
	ctx := context.Background()
	db := Open()
	repo := db.Tenant("t1")

	book, err := repo.CreateBook(ctx, library.Book{ID: "b1", Title: "Kept", TotalCopies: 1, AvailableCopies: 1})
	require.NoError(t, err)

	t.Run("rolls back on error", func(t *testing.T) {
		errFail := errors.New("fail")
		err := db.WithinTx(ctx, func(exec core.DBExecutor) error {
			b := book
			b.AvailableCopies = 0
			if _, err := repo.UpdateBook(ctx, b, exec); err != nil {
				return err
			}
			if _, err := repo.CreateBook(ctx, library.Book{ID: "b2", Title: "Dropped"}, exec); err != nil {
				return err
			}
			return errFail
		})
		assert.Equal(t, errFail, err)

		got, err := repo.GetBook(ctx, book.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.AvailableCopies)
		_, err = repo.GetBook(ctx, "b2")
		assert.Equal(t, library.ErrBookNotFound, err)
	})

	t.Run("rolls back on panic", func(t *testing.T) {
		assert.Panics(t, func() {
			_ = db.WithinTx(ctx, func(exec core.DBExecutor) error {
				_, _ = repo.CreateBook(ctx, library.Book{ID: "b3", Title: "Panicked"}, exec)
				panic("oops")
			})
		})
		_, err := repo.GetBook(ctx, "b3")
		assert.Equal(t, library.ErrBookNotFound, err)
	})

	t.Run("commits", func(t *testing.T) {
		err := db.WithinTx(ctx, func(exec core.DBExecutor) error {
			_, err := repo.CreateBook(ctx, library.Book{ID: "b4", Title: "Committed"}, exec)
			return err
		})
		require.NoError(t, err)
		_, err = repo.GetBook(ctx, "b4")
		assert.NoError(t, err)
	})

	t.Run("rollback keeps writes made outside the unit", func(t *testing.T) {
		errFail := errors.New("fail")
		created := make(chan error, 1)
		err := db.WithinTx(ctx, func(exec core.DBExecutor) error {
			if _, err := repo.CreateBook(ctx, library.Book{ID: "b5", Title: "Dropped"}, exec); err != nil {
				return err
			}
			go func() {
				_, err := repo.CreateBook(ctx, library.Book{ID: "b6", Title: "Concurrent"})
				created <- err
			}()
			select {
			case <-created:
				t.Error("write outside the unit did not wait for it")
			case <-time.After(50 * time.Millisecond):
			}
			return errFail
		})
		assert.Equal(t, errFail, err)
		require.NoError(t, <-created)

		_, err = repo.GetBook(ctx, "b5")
		assert.Equal(t, library.ErrBookNotFound, err)
		got, err := repo.GetBook(ctx, "b6")
		require.NoError(t, err)
		assert.Equal(t, "Concurrent", got.Title)
	})

	t.Run("tenants are isolated", func(t *testing.T) {
		_, err := db.Tenant("t2").GetBook(ctx, book.ID)
		assert.Equal(t, library.ErrBookNotFound, err)
	})
}

func TestRepository_Stats_popularLimit(t *testing.T) {
	ctx := context.Background()
	repo := Open().Tenant("t1")
	_, err := repo.CreateBook(ctx, library.Book{ID: "b1", Title: "Read", TotalCopies: 1, AvailableCopies: 1})
	require.NoError(t, err)
	_, err = repo.CreateCirculation(ctx, library.Circulation{ID: "c1", BookID: "b1", UserID: "u1", Status: library.StatusReturned})
	require.NoError(t, err)

	for _, popular := range []int{-1, 0} {
		stats, err := repo.Stats(ctx, time.Now(), popular)
		require.NoError(t, err)
		assert.Empty(t, stats.PopularBooks)
	}
	stats, err := repo.Stats(ctx, time.Now(), 5)
	require.NoError(t, err)
	assert.Len(t, stats.PopularBooks, 1)
}
