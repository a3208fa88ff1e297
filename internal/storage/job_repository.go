package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"lessonflow/internal/models"
)

// ErrJobNotReserved は予約されていないジョブを解放しようとした場合のエラー
var ErrJobNotReserved = errors.New("job is not reserved")

// JobRepository は優先度付き永続キューのデータアクセス層
//
// 取り出し順は priority DESC, id ASC。予約は単一の条件付きUPDATEで行うため、
// 同じ行が同時に2つのワーカーへ渡ることはない。
type JobRepository struct {
	db *DB
	q  querier
}

// NewJobRepository は新しいJobRepositoryを作成
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db, q: db.DB}
}

const jobColumns = `id, queue, batch_id, lesson_id, stage, payload, priority, attempts, reserved_at, available_at, created_at`

// PushParams はジョブ投入のパラメータ
type PushParams struct {
	Queue    string
	BatchID  *string
	LessonID string
	Stage    models.Stage
	Payload  []byte
	Priority int
	Delay    time.Duration
}

// Push は新しいジョブをキューに追加し、IDを返す
func (r *JobRepository) Push(ctx context.Context, p PushParams) (int64, error) {
	if p.Queue == "" {
		p.Queue = models.DefaultQueue
	}
	now := r.db.Now()
	available := now
	if p.Delay > 0 {
		available = now.Add(p.Delay)
	}

	var id int64
	err := r.q.QueryRowContext(ctx, r.db.Rebind(`
		INSERT INTO jobs (queue, batch_id, lesson_id, stage, payload, priority, attempts, reserved_at, available_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)
		RETURNING id`),
		p.Queue, nullString(p.BatchID), p.LessonID, string(p.Stage), string(p.Payload), p.Priority,
		toMillis(available), toMillis(now),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("push job: %w", err)
	}
	return id, nil
}

// PopOptions は取り出し時の絞り込み
type PopOptions struct {
	// ExcludeBatches に含まれるバッチのジョブは取り出さない
	ExcludeBatches []string
}

// Pop は最優先の予約可能なジョブを1件予約して返す。無ければ nil, nil
func (r *JobRepository) Pop(ctx context.Context, queue string, opts PopOptions) (*models.Job, error) {
	now := toMillis(r.db.Now())

	args := []any{now, queue, now}
	exclude := ""
	if len(opts.ExcludeBatches) > 0 {
		marks := make([]string, len(opts.ExcludeBatches))
		for i, id := range opts.ExcludeBatches {
			marks[i] = "?"
			args = append(args, id)
		}
		exclude = " AND (batch_id IS NULL OR batch_id NOT IN (" + strings.Join(marks, ", ") + "))"
	}

	lock := ""
	if r.db.Dialect == DialectPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}

	query := `
		UPDATE jobs SET reserved_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = ? AND reserved_at IS NULL AND available_at <= ?` + exclude + `
			ORDER BY priority DESC, id ASC
			LIMIT 1` + lock + `
		) AND reserved_at IS NULL
		RETURNING ` + jobColumns

	job, err := scanJob(r.q.QueryRowContext(ctx, r.db.Rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop job: %w", err)
	}
	return job, nil
}

// OutcomeKind はジョブ解放時の結果
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeRetry     OutcomeKind = "retry"
	OutcomeExhausted OutcomeKind = "exhausted"
)

// Outcome はReleaseに渡す処理結果
type Outcome struct {
	Kind  OutcomeKind
	Delay time.Duration // retry のみ
	Error string        // exhausted のみ
}

// Release は予約中のジョブを結果に応じて解放する
//
// success は行を削除、retry は予約を外して available_at を遅らせる、
// exhausted は failed_jobs に移して削除する。
func (r *JobRepository) Release(ctx context.Context, jobID int64, outcome Outcome) error {
	switch outcome.Kind {
	case OutcomeSuccess:
		return r.Delete(ctx, jobID)
	case OutcomeRetry:
		available := r.db.Now().Add(outcome.Delay)
		res, err := r.q.ExecContext(ctx, r.db.Rebind(`
			UPDATE jobs SET reserved_at = NULL, available_at = ?
			WHERE id = ? AND reserved_at IS NOT NULL`),
			toMillis(available), jobID,
		)
		if err != nil {
			return fmt.Errorf("requeue job %d: %w", jobID, err)
		}
		return expectOne(res, jobID)
	case OutcomeExhausted:
		return r.deadLetter(ctx, jobID, outcome.Error)
	default:
		return fmt.Errorf("unknown release outcome %q", outcome.Kind)
	}
}

func (r *JobRepository) deadLetter(ctx context.Context, jobID int64, msg string) error {
	move := func(q querier) error {
		res, err := q.ExecContext(ctx, r.db.Rebind(`
			INSERT INTO failed_jobs (job_id, queue, batch_id, lesson_id, stage, payload, attempts, error, failed_at)
			SELECT id, queue, batch_id, lesson_id, stage, payload, attempts, ?, ?
			FROM jobs WHERE id = ?`),
			msg, toMillis(r.db.Now()), jobID,
		)
		if err != nil {
			return fmt.Errorf("dead-letter job %d: %w", jobID, err)
		}
		if err := expectOne(res, jobID); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, r.db.Rebind(`DELETE FROM jobs WHERE id = ?`), jobID); err != nil {
			return fmt.Errorf("delete dead-lettered job %d: %w", jobID, err)
		}
		return nil
	}

	// すでにトランザクション内ならそのまま使う
	if _, ok := r.q.(*sql.Tx); ok {
		return move(r.q)
	}
	return r.db.InTx(ctx, func(tx *Tx) error {
		return move(tx.tx)
	})
}

// Unreserve は試行回数を消費せずに予約を取り消す
func (r *JobRepository) Unreserve(ctx context.Context, jobID int64) error {
	res, err := r.q.ExecContext(ctx, r.db.Rebind(`
		UPDATE jobs
		SET reserved_at = NULL, attempts = CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END
		WHERE id = ? AND reserved_at IS NOT NULL`), jobID)
	if err != nil {
		return fmt.Errorf("unreserve job %d: %w", jobID, err)
	}
	return expectOne(res, jobID)
}

// ReleaseStale は予約から olderThan 以上経過したジョブをキューに戻す
// （ワーカーのクラッシュで残った予約の回収）
func (r *JobRepository) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := r.db.Now()
	res, err := r.q.ExecContext(ctx, r.db.Rebind(`
		UPDATE jobs SET reserved_at = NULL, available_at = ?
		WHERE reserved_at IS NOT NULL AND reserved_at <= ?`),
		toMillis(now), toMillis(now.Add(-olderThan)),
	)
	if err != nil {
		return 0, fmt.Errorf("release stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// GetByID はIDでジョブを取得
func (r *JobRepository) GetByID(ctx context.Context, id int64) (*models.Job, error) {
	job, err := scanJob(r.q.QueryRowContext(ctx, r.db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListByBatch はバッチのジョブ一覧を取得
func (r *JobRepository) ListByBatch(ctx context.Context, batchID string) ([]models.Job, error) {
	rows, err := r.q.QueryContext(ctx, r.db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE batch_id = ? ORDER BY id`), batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// Delete はジョブを削除
func (r *JobRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.q.ExecContext(ctx, r.db.Rebind(`DELETE FROM jobs WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	return nil
}

// DeleteUnreservedByBatch はバッチの未予約ジョブを削除し、対象のレッスンIDを返す
func (r *JobRepository) DeleteUnreservedByBatch(ctx context.Context, batchID string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, r.db.Rebind(`
		DELETE FROM jobs WHERE batch_id = ? AND reserved_at IS NULL
		RETURNING lesson_id`), batchID)
	if err != nil {
		return nil, fmt.Errorf("delete queued jobs of batch %s: %w", batchID, err)
	}
	defer rows.Close()

	var lessons []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		lessons = append(lessons, id)
	}
	return lessons, rows.Err()
}

// QueueStats はキューごとのジョブ数
type QueueStats struct {
	Queue    string `json:"queue"`
	Ready    int64  `json:"ready"`
	Delayed  int64  `json:"delayed"`
	Reserved int64  `json:"reserved"`
}

// CountByQueue はキューごとの状態別ジョブ数を取得
func (r *JobRepository) CountByQueue(ctx context.Context) ([]QueueStats, error) {
	now := toMillis(r.db.Now())
	rows, err := r.q.QueryContext(ctx, r.db.Rebind(`
		SELECT queue,
			SUM(CASE WHEN reserved_at IS NULL AND available_at <= ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN reserved_at IS NULL AND available_at > ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN reserved_at IS NOT NULL THEN 1 ELSE 0 END)
		FROM jobs GROUP BY queue ORDER BY queue`), now, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []QueueStats
	for rows.Next() {
		var s QueueStats
		if err := rows.Scan(&s.Queue, &s.Ready, &s.Delayed, &s.Reserved); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

const failedJobColumns = `id, job_id, queue, batch_id, lesson_id, stage, payload, attempts, error, failed_at`

// ListFailed はデッドレターの一覧を取得（新しい順）
func (r *JobRepository) ListFailed(ctx context.Context, limit int) ([]models.FailedJob, error) {
	if limit == 0 {
		limit = 50
	}
	rows, err := r.q.QueryContext(ctx, r.db.Rebind(`SELECT `+failedJobColumns+` FROM failed_jobs ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failed []models.FailedJob
	for rows.Next() {
		f, err := scanFailedJob(rows)
		if err != nil {
			return nil, err
		}
		failed = append(failed, *f)
	}
	return failed, rows.Err()
}

// LatestFailedByLesson はレッスンの最新のデッドレターを取得。無ければ nil, nil
func (r *JobRepository) LatestFailedByLesson(ctx context.Context, lessonID string) (*models.FailedJob, error) {
	f, err := scanFailedJob(r.q.QueryRowContext(ctx, r.db.Rebind(`
		SELECT `+failedJobColumns+` FROM failed_jobs
		WHERE lesson_id = ? ORDER BY id DESC LIMIT 1`), lessonID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// DeleteFailed はデッドレターを削除
func (r *JobRepository) DeleteFailed(ctx context.Context, id int64) error {
	_, err := r.q.ExecContext(ctx, r.db.Rebind(`DELETE FROM failed_jobs WHERE id = ?`), id)
	return err
}

// rowScanner は *sql.Row と *sql.Rows の共通部分
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(s rowScanner) (*models.Job, error) {
	var (
		job       models.Job
		batchID   sql.NullString
		stage     string
		payload   string
		reserved  sql.NullInt64
		available int64
		created   int64
	)
	if err := s.Scan(&job.ID, &job.Queue, &batchID, &job.LessonID, &stage, &payload,
		&job.Priority, &job.Attempts, &reserved, &available, &created); err != nil {
		return nil, err
	}
	job.BatchID = fromNullString(batchID)
	job.Stage = models.Stage(stage)
	job.Payload = []byte(payload)
	job.ReservedAt = fromNullMillis(reserved)
	job.AvailableAt = fromMillis(available)
	job.CreatedAt = fromMillis(created)
	return &job, nil
}

func scanFailedJob(s rowScanner) (*models.FailedJob, error) {
	var (
		f       models.FailedJob
		batchID sql.NullString
		stage   string
		payload string
		at      int64
	)
	if err := s.Scan(&f.ID, &f.JobID, &f.Queue, &batchID, &f.LessonID, &stage, &payload, &f.Attempts, &f.Error, &at); err != nil {
		return nil, err
	}
	f.BatchID = fromNullString(batchID)
	f.Stage = models.Stage(stage)
	f.Payload = []byte(payload)
	f.FailedAt = fromMillis(at)
	return &f, nil
}

func expectOne(res sql.Result, jobID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %d: %w", jobID, ErrJobNotReserved)
	}
	return nil
}
