package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lessonflow/internal/models"
)

// ProcessingLogRepository は処理ログと処理イベントのデータアクセス層
type ProcessingLogRepository struct {
	db *DB
	q  querier
}

// NewProcessingLogRepository は新しいProcessingLogRepositoryを作成
func NewProcessingLogRepository(db *DB) *ProcessingLogRepository {
	return &ProcessingLogRepository{db: db, q: db.DB}
}

const logColumns = `lesson_id, batch_id, status, error_message, retry_count,
	extract_started_at, extract_completed_at, extract_duration_seconds, extract_preset,
	transcribe_started_at, transcribe_completed_at, transcribe_duration_seconds, transcribe_preset,
	terms_started_at, terms_completed_at, terms_duration_seconds, terms_preset,
	created_at, updated_at`

// Get はレッスンIDで処理ログを取得
func (r *ProcessingLogRepository) Get(ctx context.Context, lessonID string) (*models.ProcessingLog, error) {
	l, err := scanLog(r.q.QueryRowContext(ctx, r.db.Rebind(`SELECT `+logColumns+` FROM processing_logs WHERE lesson_id = ?`), lessonID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Save は処理ログを作成または上書きする
func (r *ProcessingLogRepository) Save(ctx context.Context, l *models.ProcessingLog) error {
	now := r.db.Now()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now

	args := []any{l.LessonID, nullString(l.BatchID), string(l.Status), l.ErrorMessage, l.RetryCount}
	for _, t := range []*models.StageTiming{&l.Extract, &l.Transcribe, &l.Terms} {
		args = append(args, nullMillis(t.StartedAt), nullMillis(t.CompletedAt), nullFloat(t.DurationSeconds), t.Preset)
	}
	args = append(args, toMillis(l.CreatedAt), toMillis(l.UpdatedAt))

	_, err := r.q.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO processing_logs (`+logColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (lesson_id) DO UPDATE SET
			batch_id = excluded.batch_id,
			status = excluded.status,
			error_message = excluded.error_message,
			retry_count = excluded.retry_count,
			extract_started_at = excluded.extract_started_at,
			extract_completed_at = excluded.extract_completed_at,
			extract_duration_seconds = excluded.extract_duration_seconds,
			extract_preset = excluded.extract_preset,
			transcribe_started_at = excluded.transcribe_started_at,
			transcribe_completed_at = excluded.transcribe_completed_at,
			transcribe_duration_seconds = excluded.transcribe_duration_seconds,
			transcribe_preset = excluded.transcribe_preset,
			terms_started_at = excluded.terms_started_at,
			terms_completed_at = excluded.terms_completed_at,
			terms_duration_seconds = excluded.terms_duration_seconds,
			terms_preset = excluded.terms_preset,
			updated_at = excluded.updated_at`),
		args...,
	)
	if err != nil {
		return fmt.Errorf("save processing log %s: %w", l.LessonID, err)
	}
	return nil
}

// ListByBatch はバッチに属する処理ログ一覧を取得
func (r *ProcessingLogRepository) ListByBatch(ctx context.Context, batchID string) ([]models.ProcessingLog, error) {
	rows, err := r.q.QueryContext(ctx, r.db.Rebind(`SELECT `+logColumns+` FROM processing_logs WHERE batch_id = ? ORDER BY created_at, lesson_id`), batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.ProcessingLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *l)
	}
	return logs, rows.Err()
}

// CountByStatus はバッチ内のステータスごとの件数を取得
func (r *ProcessingLogRepository) CountByStatus(ctx context.Context, batchID string) (map[models.UnitStatus]int, error) {
	rows, err := r.q.QueryContext(ctx, r.db.Rebind(`
		SELECT status, COUNT(*) FROM processing_logs WHERE batch_id = ? GROUP BY status`), batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.UnitStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.UnitStatus(status)] = n
	}
	return counts, rows.Err()
}

// AppendEvent は処理イベントを追記する
func (r *ProcessingLogRepository) AppendEvent(ctx context.Context, e *models.ProcessingEvent) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.db.Now()
	}
	err := r.q.QueryRowContext(ctx, r.db.Rebind(`
		INSERT INTO processing_events (lesson_id, batch_id, kind, status, stage, preset, error_message, duration_seconds, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		e.LessonID, nullString(e.BatchID), string(e.Kind), string(e.Status), string(e.Stage), e.Preset,
		e.ErrorMessage, e.DurationSeconds, toMillis(e.OccurredAt),
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("append processing event: %w", err)
	}
	return nil
}

// ListEvents は期間 [from, to) の処理イベントを取得する。バッチサイズは結合して埋める
func (r *ProcessingLogRepository) ListEvents(ctx context.Context, from, to time.Time) ([]models.ProcessingEvent, error) {
	rows, err := r.q.QueryContext(ctx, r.db.Rebind(`
		SELECT e.id, e.lesson_id, e.batch_id, e.kind, e.status, e.stage, e.preset, e.error_message,
			e.duration_seconds, e.occurred_at, COALESCE(b.total_units, 0)
		FROM processing_events e
		LEFT JOIN batches b ON b.id = e.batch_id
		WHERE e.occurred_at >= ? AND e.occurred_at < ?
		ORDER BY e.occurred_at, e.id`),
		toMillis(from), toMillis(to),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.ProcessingEvent
	for rows.Next() {
		var (
			e       models.ProcessingEvent
			batchID sql.NullString
			kind    string
			status  string
			stage   string
			at      int64
		)
		if err := rows.Scan(&e.ID, &e.LessonID, &batchID, &kind, &status, &stage, &e.Preset, &e.ErrorMessage,
			&e.DurationSeconds, &at, &e.BatchSize); err != nil {
			return nil, err
		}
		e.BatchID = fromNullString(batchID)
		e.Kind = models.EventKind(kind)
		e.Status = models.UnitStatus(status)
		e.Stage = models.Stage(stage)
		e.OccurredAt = fromMillis(at)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListEventsByLesson はレッスンの処理イベント履歴を取得
func (r *ProcessingLogRepository) ListEventsByLesson(ctx context.Context, lessonID string) ([]models.ProcessingEvent, error) {
	rows, err := r.q.QueryContext(ctx, r.db.Rebind(`
		SELECT id, lesson_id, batch_id, kind, status, stage, preset, error_message, duration_seconds, occurred_at
		FROM processing_events WHERE lesson_id = ? ORDER BY id`), lessonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.ProcessingEvent
	for rows.Next() {
		var (
			e       models.ProcessingEvent
			batchID sql.NullString
			kind    string
			status  string
			stage   string
			at      int64
		)
		if err := rows.Scan(&e.ID, &e.LessonID, &batchID, &kind, &status, &stage, &e.Preset, &e.ErrorMessage,
			&e.DurationSeconds, &at); err != nil {
			return nil, err
		}
		e.BatchID = fromNullString(batchID)
		e.Kind = models.EventKind(kind)
		e.Status = models.UnitStatus(status)
		e.Stage = models.Stage(stage)
		e.OccurredAt = fromMillis(at)
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanLog(s rowScanner) (*models.ProcessingLog, error) {
	var (
		l       models.ProcessingLog
		batchID sql.NullString
		status  string
		created int64
		updated int64
	)
	var (
		started   [3]sql.NullInt64
		completed [3]sql.NullInt64
		duration  [3]sql.NullFloat64
		preset    [3]string
	)
	if err := s.Scan(&l.LessonID, &batchID, &status, &l.ErrorMessage, &l.RetryCount,
		&started[0], &completed[0], &duration[0], &preset[0],
		&started[1], &completed[1], &duration[1], &preset[1],
		&started[2], &completed[2], &duration[2], &preset[2],
		&created, &updated); err != nil {
		return nil, err
	}
	l.BatchID = fromNullString(batchID)
	l.Status = models.UnitStatus(status)
	for i, t := range []*models.StageTiming{&l.Extract, &l.Transcribe, &l.Terms} {
		t.StartedAt = fromNullMillis(started[i])
		t.CompletedAt = fromNullMillis(completed[i])
		t.DurationSeconds = fromNullFloat(duration[i])
		t.Preset = preset[i]
	}
	l.CreatedAt = fromMillis(created)
	l.UpdatedAt = fromMillis(updated)
	return &l, nil
}
