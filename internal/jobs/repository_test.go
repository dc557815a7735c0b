package jobs

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err, "open sqlite")
	require.NoError(t, db.AutoMigrate(&Job{}), "automigrate")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// both implementations must behave the same
func eachRepo(t *testing.T, fn func(t *testing.T, r Repository)) {
	t.Run("gorm", func(t *testing.T) { fn(t, NewGormRepo(openTestDB(t))) })
	t.Run("mem", func(t *testing.T) { fn(t, NewMemRepo()) })
}

func f64(v float64) *float64 { return &v }

func TestRepo_CreateAndFind(t *testing.T) {
	eachRepo(t, func(t *testing.T, r Repository) {
		ctx := context.Background()

		j, err := r.Create(ctx, NewJob{ID: "job-1", Type: TypePrime})
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, j.Status)
		assert.False(t, j.CreatedAt.IsZero())
		assert.Nil(t, j.CompletedAt)

		_, err = r.Create(ctx, NewJob{ID: "job-1", Type: TypeSort})
		assert.ErrorIs(t, err, ErrDuplicateJob)

		got, err := r.FindByID(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, TypePrime, got.Type)

		_, err = r.FindByID(ctx, "missing")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestRepo_FindPagesNewestFirst(t *testing.T) {
	eachRepo(t, func(t *testing.T, r Repository) {
		ctx := context.Background()
		for i := range 5 {
			_, err := r.Create(ctx, NewJob{ID: fmt.Sprintf("job-%d", i), Type: TypeSort})
			require.NoError(t, err)
			time.Sleep(2 * time.Millisecond)
		}
		_, err := r.UpdateStatus(ctx, "job-1", StatusProcessing)
		require.NoError(t, err)

		page, total, err := r.Find(ctx, Filter{}, Page{Page: 1, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)
		require.Len(t, page, 2)
		assert.Equal(t, "job-4", page[0].JobID)
		assert.Equal(t, "job-3", page[1].JobID)

		page, _, err = r.Find(ctx, Filter{}, Page{Page: 3, Limit: 2})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "job-0", page[0].JobID)

		page, _, err = r.Find(ctx, Filter{}, Page{Page: 1, Limit: 2, Sort: SortCreatedAsc})
		require.NoError(t, err)
		assert.Equal(t, "job-0", page[0].JobID)

		page, total, err = r.Find(ctx, Filter{Status: StatusProcessing}, Page{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		require.Len(t, page, 1)
		assert.Equal(t, "job-1", page[0].JobID)

		page, total, err = r.Find(ctx, Filter{}, Page{Page: 9, Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)
		assert.Empty(t, page)
	})
}

func TestRepo_UpdateWithResult(t *testing.T) {
	eachRepo(t, func(t *testing.T, r Repository) {
		ctx := context.Background()
		_, err := r.Create(ctx, NewJob{ID: "ok", Type: TypeSort})
		require.NoError(t, err)
		_, err = r.Create(ctx, NewJob{ID: "bad", Type: TypeBcrypt})
		require.NoError(t, err)

		done, err := r.UpdateWithResult(ctx, "ok", SortResult{Count: 3, Sample: []int{1, 2, 3}}, 0.25, "")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, done.Status)
		assert.Nil(t, done.Error)
		require.NotNil(t, done.CompletedAt)
		require.NotNil(t, done.ProcessingTime)
		assert.InDelta(t, 0.25, *done.ProcessingTime, 1e-9)

		res, err := done.DecodeResult()
		require.NoError(t, err)
		assert.Equal(t, SortResult{Count: 3, Sample: []int{1, 2, 3}}, res)

		failed, err := r.UpdateWithResult(ctx, "bad", nil, 0.1, "hash exploded")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, failed.Status)
		require.NotNil(t, failed.Error)
		assert.Equal(t, "hash exploded", *failed.Error)
		assert.Empty(t, failed.Result)
		assert.NotNil(t, failed.CompletedAt)

		_, err = r.UpdateWithResult(ctx, "missing", nil, 0, "x")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestRepo_MarkProcessingNeverLeavesTerminal(t *testing.T) {
	eachRepo(t, func(t *testing.T, r Repository) {
		ctx := context.Background()
		_, err := r.Create(ctx, NewJob{ID: "a", Type: TypePrime})
		require.NoError(t, err)

		j, err := r.MarkProcessing(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, j.Status)

		_, err = r.UpdateWithResult(ctx, "a", PrimeResult{Count: 1, Sample: []int{2}}, 1, "")
		require.NoError(t, err)

		j, err = r.MarkProcessing(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, j.Status)

		_, err = r.MarkProcessing(ctx, "missing")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestRepo_UpdateStatusKeepsLifecycle(t *testing.T) {
	eachRepo(t, func(t *testing.T, r Repository) {
		ctx := context.Background()
		_, err := r.Create(ctx, NewJob{ID: "open", Type: TypeSort})
		require.NoError(t, err)
		_, err = r.Create(ctx, NewJob{ID: "done", Type: TypePrime})
		require.NoError(t, err)
		_, err = r.UpdateWithResult(ctx, "done", PrimeResult{Count: 1, Sample: []int{2}}, 0.5, "")
		require.NoError(t, err)

		j, err := r.UpdateStatus(ctx, "open", StatusProcessing)
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, j.Status)
		j, err = r.UpdateStatus(ctx, "open", StatusQueued)
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, j.Status)

		for _, st := range []Status{StatusCompleted, StatusFailed, "paused"} {
			_, err = r.UpdateStatus(ctx, "open", st)
			assert.ErrorIs(t, err, ErrInvalidStatus, st)
		}
		j, err = r.FindByID(ctx, "open")
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, j.Status)
		assert.Nil(t, j.CompletedAt)

		for _, st := range []Status{StatusQueued, StatusProcessing} {
			_, err = r.UpdateStatus(ctx, "done", st)
			assert.ErrorIs(t, err, ErrJobFinished, st)
		}
		j, err = r.FindByID(ctx, "done")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, j.Status)
		assert.NotNil(t, j.CompletedAt)
		assert.NotEmpty(t, j.Result)

		_, err = r.UpdateStatus(ctx, "missing", StatusProcessing)
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestRepo_CompletedNeedsResult(t *testing.T) {
	eachRepo(t, func(t *testing.T, r Repository) {
		ctx := context.Background()
		_, err := r.Create(ctx, NewJob{ID: "a", Type: TypeSort})
		require.NoError(t, err)

		_, err = r.UpdateWithResult(ctx, "a", nil, 0.1, "")
		assert.ErrorIs(t, err, ErrMissingResult)

		j, err := r.FindByID(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, j.Status)
		assert.Nil(t, j.CompletedAt)
	})
}

func TestRepo_FindBoundsPage(t *testing.T) {
	eachRepo(t, func(t *testing.T, r Repository) {
		ctx := context.Background()
		for i := range 3 {
			_, err := r.Create(ctx, NewJob{ID: fmt.Sprintf("job-%d", i), Type: TypeSort})
			require.NoError(t, err)
		}

		page, total, err := r.Find(ctx, Filter{}, Page{Page: 1, Limit: 1 << 40})
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		assert.Len(t, page, 3)

		page, total, err = r.Find(ctx, Filter{}, Page{Page: 1 << 62, Limit: 1 << 62})
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		assert.Empty(t, page)
	})
}

func TestPageNormalize(t *testing.T) {
	p := Page{Page: 1 << 62, Limit: 1 << 62}.normalize()
	assert.Equal(t, MaxPage, p.Page)
	assert.Equal(t, MaxLimit, p.Limit)
	assert.Equal(t, (MaxPage-1)*MaxLimit, p.offset())

	p = Page{Page: -3, Limit: 0}.normalize()
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, 10, p.Limit)
	assert.Equal(t, SortCreatedDesc, p.Sort)
}

func TestRepo_AggregatesAndCounts(t *testing.T) {
	eachRepo(t, func(t *testing.T, r Repository) {
		ctx := context.Background()

		avg, err := r.AverageProcessingTime(ctx)
		require.NoError(t, err)
		assert.Zero(t, avg)

		seed := []struct {
			id  string
			typ Type
			pt  *float64
			err string
		}{
			{"p1", TypePrime, f64(1), ""},
			{"p2", TypePrime, f64(3), ""},
			{"p3", TypePrime, f64(9), "boom"},
			{"s1", TypeSort, nil, ""},
			{"b1", TypeBcrypt, f64(2), ""},
		}
		for _, s := range seed {
			_, err := r.Create(ctx, NewJob{ID: s.id, Type: s.typ})
			require.NoError(t, err)
			if s.pt == nil {
				continue
			}
			var res Result
			if s.err == "" {
				res = PrimeResult{Count: 1}
				if s.typ == TypeBcrypt {
					res = BcryptResult{Hash: "h", Rounds: 10}
				}
			}
			_, err = r.UpdateWithResult(ctx, s.id, res, *s.pt, s.err)
			require.NoError(t, err)
		}

		buckets, err := r.AggregateByTypeAndStatus(ctx)
		require.NoError(t, err)
		require.Len(t, buckets, 4)

		assert.Equal(t, Bucket{Type: TypeBcrypt, Status: StatusCompleted, Count: 1,
			AvgProcessingTime: 2, MaxProcessingTime: 2, MinProcessingTime: 2}, buckets[0])
		assert.Equal(t, Bucket{Type: TypePrime, Status: StatusCompleted, Count: 2,
			AvgProcessingTime: 2, MaxProcessingTime: 3, MinProcessingTime: 1}, buckets[1])
		// failed jobs do not contribute timings
		assert.Equal(t, Bucket{Type: TypePrime, Status: StatusFailed, Count: 1}, buckets[2])
		assert.Equal(t, Bucket{Type: TypeSort, Status: StatusQueued, Count: 1}, buckets[3])

		var sum int64
		for _, b := range buckets {
			sum += b.Count
		}
		total, err := r.Count(ctx, Filter{})
		require.NoError(t, err)
		assert.Equal(t, total, sum)

		completed, err := r.CountByStatus(ctx, StatusCompleted)
		require.NoError(t, err)
		assert.Equal(t, int64(3), completed)

		avg, err = r.AverageProcessingTime(ctx)
		require.NoError(t, err)
		assert.InDelta(t, 2.0, avg, 1e-9)
	})
}
