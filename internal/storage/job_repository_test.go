package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lessonflow/internal/models"
)

func pushJob(t *testing.T, repo *JobRepository, lessonID string, priority int) int64 {
	t.Helper()
	id, err := repo.Push(context.Background(), PushParams{
		Queue:    "lessons",
		LessonID: lessonID,
		Stage:    models.StageExtractAudio,
		Payload:  []byte(`{}`),
		Priority: priority,
	})
	require.NoError(t, err)
	return id
}

func TestJobRepository_PopPriorityOrder(t *testing.T) {
	db, _ := openTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	pushJob(t, repo, "p1", 1)
	pushJob(t, repo, "p5", 5)
	pushJob(t, repo, "p3", 3)

	var got []int
	for i := 0; i < 3; i++ {
		job, err := repo.Pop(ctx, "lessons", PopOptions{})
		require.NoError(t, err)
		require.NotNil(t, job)
		got = append(got, job.Priority)
	}
	assert.Equal(t, []int{5, 3, 1}, got)

	job, err := repo.Pop(ctx, "lessons", PopOptions{})
	require.NoError(t, err)
	assert.Nil(t, job, "queue should be drained")
}

func TestJobRepository_PopFIFOWithinPriority(t *testing.T) {
	db, _ := openTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	for _, name := range []string{"A", "B", "C"} {
		pushJob(t, repo, name, 0)
	}

	var got []string
	for i := 0; i < 3; i++ {
		job, err := repo.Pop(ctx, "lessons", PopOptions{})
		require.NoError(t, err)
		require.NotNil(t, job)
		got = append(got, job.LessonID)
	}
	assert.Equal(t, []string{"A", "B", "C"}, got)
}

func TestJobRepository_PopReservesAndCountsAttempt(t *testing.T) {
	db, clock := openTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	id := pushJob(t, repo, "l1", 0)

	job, err := repo.Pop(ctx, "lessons", PopOptions{})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.ReservedAt)
	assert.True(t, job.ReservedAt.Equal(clock.Now()))

	again, err := repo.Pop(ctx, "lessons", PopOptions{})
	require.NoError(t, err)
	assert.Nil(t, again, "a reserved job must not be popped twice")
}

func TestJobRepository_PopSeparatesQueues(t *testing.T) {
	db, _ := openTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	_, err := repo.Push(ctx, PushParams{Queue: "other", LessonID: "x", Stage: models.StageTranscribe, Payload: []byte(`{}`)})
	require.NoError(t, err)

	job, err := repo.Pop(ctx, "lessons", PopOptions{})
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = repo.Pop(ctx, "other", PopOptions{})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "x", job.LessonID)
}

func TestJobRepository_DelayedJob(t *testing.T) {
	db, clock := openTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	_, err := repo.Push(ctx, PushParams{Queue: "lessons", LessonID: "later", Stage: models.StageExtractAudio, Payload: []byte(`{}`), Delay: time.Minute})
	require.NoError(t, err)

	job, err := repo.Pop(ctx, "lessons", PopOptions{})
	require.NoError(t, err)
	assert.Nil(t, job, "job is not due yet")

	clock.Advance(time.Minute)
	job, err = repo.Pop(ctx, "lessons", PopOptions{})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "later", job.LessonID)
}

func TestJobRepository_PopExcludesBatches(t *testing.T) {
	db, _ := openTestDB(t)
	repo := NewJobRepository(db)
	batches := NewBatchRepository(db)
	ctx := context.Background()

	b := &models.Batch{TotalUnits: 1, ConcurrencyCap: 1}
	require.NoError(t, batches.Create(ctx, b))

	_, err := repo.Push(ctx, PushParams{Queue: "lessons", BatchID: &b.ID, LessonID: "in-batch", Stage: models.StageExtractAudio, Payload: []byte(`{}`), Priority: 9})
	require.NoError(t, err)
	pushJob(t, repo, "standalone", 0)

	job, err := repo.Pop(ctx, "lessons", PopOptions{ExcludeBatches: []string{b.ID}})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "standalone", job.LessonID)

	job, err = repo.Pop(ctx, "lessons", PopOptions{ExcludeBatches: []string{b.ID}})
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestJobRepository_ConcurrentPopIsExclusive(t *testing.T) {
	db, _ := openTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	const jobs = 40
	for i := 0; i < jobs; i++ {
		pushJob(t, repo, fmt.Sprintf("l%02d", i), i%4)
	}

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := repo.Pop(ctx, "lessons", PopOptions{})
				if !assert.NoError(t, err) {
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %d popped %d times", id, n)
	}
}

func TestJobRepository_Release(t *testing.T) {
	ctx := context.Background()

	t.Run("success deletes the row", func(t *testing.T) {
		db, _ := openTestDB(t)
		repo := NewJobRepository(db)
		pushJob(t, repo, "l1", 0)
		job, err := repo.Pop(ctx, "lessons", PopOptions{})
		require.NoError(t, err)

		require.NoError(t, repo.Release(ctx, job.ID, Outcome{Kind: OutcomeSuccess}))
		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("retry returns the row with backoff", func(t *testing.T) {
		db, clock := openTestDB(t)
		repo := NewJobRepository(db)
		pushJob(t, repo, "l1", 0)
		job, err := repo.Pop(ctx, "lessons", PopOptions{})
		require.NoError(t, err)

		require.NoError(t, repo.Release(ctx, job.ID, Outcome{Kind: OutcomeRetry, Delay: 30 * time.Second}))

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Nil(t, got.ReservedAt)
		assert.Equal(t, 1, got.Attempts)
		assert.True(t, got.AvailableAt.Equal(clock.Now().Add(30*time.Second)))

		next, err := repo.Pop(ctx, "lessons", PopOptions{})
		require.NoError(t, err)
		assert.Nil(t, next, "job is backing off")

		clock.Advance(30 * time.Second)
		next, err = repo.Pop(ctx, "lessons", PopOptions{})
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, 2, next.Attempts)
	})

	t.Run("retry of an unreserved job fails", func(t *testing.T) {
		db, _ := openTestDB(t)
		repo := NewJobRepository(db)
		id := pushJob(t, repo, "l1", 0)

		err := repo.Release(ctx, id, Outcome{Kind: OutcomeRetry})
		assert.ErrorIs(t, err, ErrJobNotReserved)
	})

	t.Run("exhausted moves the row to failed_jobs", func(t *testing.T) {
		db, _ := openTestDB(t)
		repo := NewJobRepository(db)
		pushJob(t, repo, "l1", 0)
		job, err := repo.Pop(ctx, "lessons", PopOptions{})
		require.NoError(t, err)

		require.NoError(t, repo.Release(ctx, job.ID, Outcome{Kind: OutcomeExhausted, Error: "ffmpeg exit status 1"}))

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Nil(t, got)

		failed, err := repo.ListFailed(ctx, 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, job.ID, failed[0].JobID)
		assert.Equal(t, "l1", failed[0].LessonID)
		assert.Equal(t, 1, failed[0].Attempts)
		assert.Equal(t, "ffmpeg exit status 1", failed[0].Error)

		latest, err := repo.LatestFailedByLesson(ctx, "l1")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, failed[0].ID, latest.ID)
		none, err := repo.LatestFailedByLesson(ctx, "l2")
		require.NoError(t, err)
		assert.Nil(t, none)

		require.NoError(t, repo.DeleteFailed(ctx, failed[0].ID))
		failed, err = repo.ListFailed(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, failed)
	})
}

func TestJobRepository_Unreserve(t *testing.T) {
	db, _ := openTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	pushJob(t, repo, "l1", 0)
	job, err := repo.Pop(ctx, "lessons", PopOptions{})
	require.NoError(t, err)
	require.NoError(t, repo.Unreserve(ctx, job.ID))

	again, err := repo.Pop(ctx, "lessons", PopOptions{})
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 1, again.Attempts, "unreserve must not consume an attempt")
}

func TestJobRepository_ReleaseStale(t *testing.T) {
	db, clock := openTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	pushJob(t, repo, "l1", 0)
	_, err := repo.Pop(ctx, "lessons", PopOptions{})
	require.NoError(t, err)

	n, err := repo.ReleaseStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(11 * time.Minute)
	n, err = repo.ReleaseStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	job, err := repo.Pop(ctx, "lessons", PopOptions{})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempts)
}

func TestJobRepository_DeleteUnreservedByBatch(t *testing.T) {
	db, _ := openTestDB(t)
	repo := NewJobRepository(db)
	batches := NewBatchRepository(db)
	ctx := context.Background()

	b := &models.Batch{TotalUnits: 3, ConcurrencyCap: 3}
	require.NoError(t, batches.Create(ctx, b))
	for _, l := range []string{"a", "b", "c"} {
		_, err := repo.Push(ctx, PushParams{Queue: "lessons", BatchID: &b.ID, LessonID: l, Stage: models.StageExtractAudio, Payload: []byte(`{}`)})
		require.NoError(t, err)
	}
	reserved, err := repo.Pop(ctx, "lessons", PopOptions{})
	require.NoError(t, err)
	require.Equal(t, "a", reserved.LessonID)

	removed, err := repo.DeleteUnreservedByBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, removed)

	left, err := repo.ListByBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, reserved.ID, left[0].ID)
}

func TestJobRepository_CountByQueue(t *testing.T) {
	db, _ := openTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	pushJob(t, repo, "a", 0)
	pushJob(t, repo, "b", 0)
	_, err := repo.Push(ctx, PushParams{Queue: "lessons", LessonID: "c", Stage: models.StageExtractAudio, Payload: []byte(`{}`), Delay: time.Hour})
	require.NoError(t, err)
	_, err = repo.Pop(ctx, "lessons", PopOptions{})
	require.NoError(t, err)

	stats, err := repo.CountByQueue(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, QueueStats{Queue: "lessons", Ready: 1, Delayed: 1, Reserved: 1}, stats[0])
}

func TestDB_Rebind(t *testing.T) {
	sqlite := &DB{Dialect: DialectSQLite}
	pg := &DB{Dialect: DialectPostgres}

	q := `SELECT * FROM jobs WHERE queue = ? AND id IN (?, ?)`
	assert.Equal(t, q, sqlite.Rebind(q))
	assert.Equal(t, `SELECT * FROM jobs WHERE queue = $1 AND id IN ($2, $3)`, pg.Rebind(q))
}
