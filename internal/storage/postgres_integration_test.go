//go:build integration

package storage

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"lessonflow/internal/models"
)

var (
	pgDSN       string
	pgContainer testcontainers.Container
)

// TestMain starts a PostgreSQL container shared by the integration tests.
func TestMain(m *testing.M) {
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	var err error
	pgContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "lessonflow",
				"POSTGRES_PASSWORD": "lessonflow",
				"POSTGRES_DB":       "lessonflow",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}
	pgDSN = fmt.Sprintf("postgres://lessonflow:lessonflow@%s:%s/lessonflow?sslmode=disable", host, port.Port())

	code := m.Run()

	_ = pgContainer.Terminate(ctx)
	os.Exit(code)
}

func openPostgresTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenPostgres(pgDSN)
	require.NoError(t, err)
	_, err = db.Exec(`TRUNCATE jobs, failed_jobs, processing_logs, processing_events, lessons, batches RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostgres_PopOrderAndExclusivity(t *testing.T) {
	db := openPostgresTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	for _, p := range []int{1, 5, 3} {
		_, err := repo.Push(ctx, PushParams{Queue: "lessons", LessonID: fmt.Sprintf("p%d", p), Stage: models.StageExtractAudio, Payload: []byte(`{}`), Priority: p})
		require.NoError(t, err)
	}
	var order []int
	for i := 0; i < 3; i++ {
		job, err := repo.Pop(ctx, "lessons", PopOptions{})
		require.NoError(t, err)
		require.NotNil(t, job)
		order = append(order, job.Priority)
	}
	assert.Equal(t, []int{5, 3, 1}, order)

	const jobs = 50
	for i := 0; i < jobs; i++ {
		_, err := repo.Push(ctx, PushParams{Queue: "lessons", LessonID: fmt.Sprintf("c%d", i), Stage: models.StageTranscribe, Payload: []byte(`{}`)})
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := repo.Pop(ctx, "lessons", PopOptions{})
				if !assert.NoError(t, err) || job == nil {
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

func TestPostgres_DeadLetterAndSlots(t *testing.T) {
	db := openPostgresTestDB(t)
	jobs := NewJobRepository(db)
	batches := NewBatchRepository(db)
	ctx := context.Background()

	b := &models.Batch{TotalUnits: 1, ConcurrencyCap: 1, FailFast: true}
	require.NoError(t, batches.Create(ctx, b))
	_, err := jobs.Push(ctx, PushParams{Queue: "lessons", BatchID: &b.ID, LessonID: "a", Stage: models.StageExtractAudio, Payload: []byte(`{}`)})
	require.NoError(t, err)

	ok, err := batches.TryAcquireSlot(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = batches.TryAcquireSlot(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	job, err := jobs.Pop(ctx, "lessons", PopOptions{})
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, jobs.Release(ctx, job.ID, Outcome{Kind: OutcomeExhausted, Error: "boom"}))

	failed, err := jobs.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].Error)

	got, err := batches.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.FailFast)
}
