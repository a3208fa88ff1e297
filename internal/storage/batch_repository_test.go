package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lessonflow/internal/models"
)

func TestBatchRepository_CreateAndGet(t *testing.T) {
	db, clock := openTestDB(t)
	repo := NewBatchRepository(db)
	ctx := context.Background()

	b := &models.Batch{Name: "week 3", TotalUnits: 4, ConcurrencyCap: 2, Priority: 10, FailFast: true}
	require.NoError(t, repo.Create(ctx, b))
	require.NotEmpty(t, b.ID)

	got, err := repo.GetByID(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "week 3", got.Name)
	assert.Equal(t, 4, got.TotalUnits)
	assert.Equal(t, 2, got.ConcurrencyCap)
	assert.Equal(t, 10, got.Priority)
	assert.True(t, got.FailFast)
	assert.Equal(t, models.BatchStatusPending, got.Status)
	assert.True(t, got.CreatedAt.Equal(clock.Now()))

	missing, err := repo.GetByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestBatchRepository_SlotAccounting(t *testing.T) {
	db, _ := openTestDB(t)
	repo := NewBatchRepository(db)
	ctx := context.Background()

	b := &models.Batch{TotalUnits: 5, ConcurrencyCap: 2}
	require.NoError(t, repo.Create(ctx, b))

	ok, err := repo.TryAcquireSlot(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.TryAcquireSlot(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.TryAcquireSlot(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, ok, "cap of 2 reached")

	got, err := repo.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.InFlight)
	assert.Equal(t, models.BatchStatusProcessing, got.Status)

	require.NoError(t, repo.ReleaseSlot(ctx, b.ID))
	ok, err = repo.TryAcquireSlot(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, repo.ReleaseSlot(ctx, b.ID))
	require.NoError(t, repo.ReleaseSlot(ctx, b.ID))
	require.NoError(t, repo.ReleaseSlot(ctx, b.ID))
	got, err = repo.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Zero(t, got.InFlight, "in_flight never goes negative")
}

func TestBatchRepository_CancelledBatchIsFrozen(t *testing.T) {
	db, _ := openTestDB(t)
	repo := NewBatchRepository(db)
	ctx := context.Background()

	b := &models.Batch{TotalUnits: 1, ConcurrencyCap: 1}
	require.NoError(t, repo.Create(ctx, b))

	changed, err := repo.UpdateStatus(ctx, b.ID, models.BatchStatusCancelled)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.UpdateStatus(ctx, b.ID, models.BatchStatusCompleted)
	require.NoError(t, err)
	assert.False(t, changed)

	ok, err := repo.TryAcquireSlot(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBatchRepository_ListSaturated(t *testing.T) {
	db, _ := openTestDB(t)
	repo := NewBatchRepository(db)
	jobs := NewJobRepository(db)
	ctx := context.Background()

	full := &models.Batch{TotalUnits: 2, ConcurrencyCap: 1}
	open := &models.Batch{TotalUnits: 2, ConcurrencyCap: 2}
	require.NoError(t, repo.Create(ctx, full))
	require.NoError(t, repo.Create(ctx, open))

	for _, b := range []*models.Batch{full, open} {
		for _, l := range []string{"x", "y"} {
			_, err := jobs.Push(ctx, PushParams{Queue: "lessons", BatchID: &b.ID, LessonID: b.ID + l, Stage: models.StageExtractAudio, Payload: []byte(`{}`)})
			require.NoError(t, err)
		}
	}

	ids, err := repo.ListSaturated(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ok, err := repo.TryAcquireSlot(ctx, full.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.TryAcquireSlot(ctx, open.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ids, err = repo.ListSaturated(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{full.ID}, ids)

	// キャンセル済みでも残ったジョブは取り出せる
	_, err = repo.UpdateStatus(ctx, open.ID, models.BatchStatusCancelled)
	require.NoError(t, err)
	ids, err = repo.ListSaturated(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{full.ID}, ids)

	job, err := jobs.Pop(ctx, "lessons", PopOptions{ExcludeBatches: ids})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, open.ID, *job.BatchID)
}

func TestBatchRepository_ReconcileInFlight(t *testing.T) {
	db, _ := openTestDB(t)
	repo := NewBatchRepository(db)
	jobs := NewJobRepository(db)
	ctx := context.Background()

	b := &models.Batch{TotalUnits: 2, ConcurrencyCap: 2}
	require.NoError(t, repo.Create(ctx, b))
	_, err := jobs.Push(ctx, PushParams{Queue: "lessons", BatchID: &b.ID, LessonID: "a", Stage: models.StageExtractAudio, Payload: []byte(`{}`)})
	require.NoError(t, err)
	_, err = jobs.Pop(ctx, "lessons", PopOptions{})
	require.NoError(t, err)

	// 2 acquired, only 1 job actually reserved
	for i := 0; i < 2; i++ {
		ok, err := repo.TryAcquireSlot(ctx, b.ID)
		require.NoError(t, err)
		require.True(t, ok)
	}

	n, err := repo.ReconcileInFlight(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := repo.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.InFlight)
}

func TestBatchRepository_DeleteCascadesJobs(t *testing.T) {
	db, _ := openTestDB(t)
	repo := NewBatchRepository(db)
	jobs := NewJobRepository(db)
	ctx := context.Background()

	b := &models.Batch{TotalUnits: 1, ConcurrencyCap: 1}
	require.NoError(t, repo.Create(ctx, b))
	id, err := jobs.Push(ctx, PushParams{Queue: "lessons", BatchID: &b.ID, LessonID: "a", Stage: models.StageExtractAudio, Payload: []byte(`{}`)})
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, b.ID))

	job, err := jobs.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDB_InTxRollsBack(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	var created string
	err := db.InTx(ctx, func(tx *Tx) error {
		b := &models.Batch{TotalUnits: 1, ConcurrencyCap: 1}
		if err := tx.Batches().Create(ctx, b); err != nil {
			return err
		}
		created = b.ID
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	got, err := NewBatchRepository(db).GetByID(ctx, created)
	require.NoError(t, err)
	assert.Nil(t, got)
}
