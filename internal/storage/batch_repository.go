package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"lessonflow/internal/models"
)

// BatchRepository はバッチのデータアクセス層
type BatchRepository struct {
	db *DB
	q  querier
}

// NewBatchRepository は新しいBatchRepositoryを作成
func NewBatchRepository(db *DB) *BatchRepository {
	return &BatchRepository{db: db, q: db.DB}
}

const batchColumns = `id, name, total_units, concurrency_cap, priority, fail_fast, status, in_flight, created_at, updated_at`

// Create は新しいバッチを作成
func (r *BatchRepository) Create(ctx context.Context, b *models.Batch) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	now := r.db.Now()
	b.CreatedAt = now
	b.UpdatedAt = now
	if b.Status == "" {
		b.Status = models.BatchStatusPending
	}

	_, err := r.q.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO batches (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`),
		b.ID, b.Name, b.TotalUnits, b.ConcurrencyCap, b.Priority, b.FailFast, string(b.Status),
		toMillis(now), toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	b.InFlight = 0
	return nil
}

// GetByID はIDでバッチを取得
func (r *BatchRepository) GetByID(ctx context.Context, id string) (*models.Batch, error) {
	b, err := scanBatch(r.q.QueryRowContext(ctx, r.db.Rebind(`SELECT `+batchColumns+` FROM batches WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// List は最近のバッチ一覧を取得
func (r *BatchRepository) List(ctx context.Context, limit int) ([]models.Batch, error) {
	if limit == 0 {
		limit = 50
	}
	rows, err := r.q.QueryContext(ctx, r.db.Rebind(`SELECT `+batchColumns+` FROM batches ORDER BY created_at DESC, id LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []models.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

// UpdateStatus はバッチのステータスを更新する。キャンセル済みのバッチは変更しない
func (r *BatchRepository) UpdateStatus(ctx context.Context, id string, status models.BatchStatus) (bool, error) {
	res, err := r.q.ExecContext(ctx, r.db.Rebind(`
		UPDATE batches SET status = ?, updated_at = ?
		WHERE id = ? AND status <> ?`),
		string(status), toMillis(r.db.Now()), id, string(models.BatchStatusCancelled),
	)
	if err != nil {
		return false, fmt.Errorf("update batch %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TryAcquireSlot は in_flight が上限未満なら1つ増やす。増やせた場合 true
func (r *BatchRepository) TryAcquireSlot(ctx context.Context, id string) (bool, error) {
	res, err := r.q.ExecContext(ctx, r.db.Rebind(`
		UPDATE batches
		SET in_flight = in_flight + 1,
			status = CASE WHEN status = ? THEN ? ELSE status END,
			updated_at = ?
		WHERE id = ? AND in_flight < concurrency_cap AND status <> ?`),
		string(models.BatchStatusPending), string(models.BatchStatusProcessing), toMillis(r.db.Now()),
		id, string(models.BatchStatusCancelled),
	)
	if err != nil {
		return false, fmt.Errorf("acquire slot of batch %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseSlot は in_flight を1つ減らす
func (r *BatchRepository) ReleaseSlot(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx, r.db.Rebind(`
		UPDATE batches SET in_flight = in_flight - 1, updated_at = ?
		WHERE id = ? AND in_flight > 0`),
		toMillis(r.db.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("release slot of batch %s: %w", id, err)
	}
	return nil
}

// ListSaturated は同時実行数が上限に達したバッチのIDを返す
//
// キャンセル済みのバッチは含めない。残ったジョブは取り出されて停止処理される。
func (r *BatchRepository) ListSaturated(ctx context.Context) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id FROM batches
		WHERE in_flight >= concurrency_cap
		AND EXISTS (SELECT 1 FROM jobs WHERE jobs.batch_id = batches.id AND jobs.reserved_at IS NULL)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReconcileInFlight は in_flight を実際の予約数に合わせ直す
func (r *BatchRepository) ReconcileInFlight(ctx context.Context) (int64, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE batches SET in_flight = (
			SELECT COUNT(*) FROM jobs
			WHERE jobs.batch_id = batches.id AND jobs.reserved_at IS NOT NULL
		)
		WHERE in_flight <> (
			SELECT COUNT(*) FROM jobs
			WHERE jobs.batch_id = batches.id AND jobs.reserved_at IS NOT NULL
		)`)
	if err != nil {
		return 0, fmt.Errorf("reconcile in-flight counters: %w", err)
	}
	return res.RowsAffected()
}

// Delete はバッチを削除（キュー内のジョブはカスケード削除される）
func (r *BatchRepository) Delete(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx, r.db.Rebind(`DELETE FROM batches WHERE id = ?`), id)
	return err
}

func scanBatch(s rowScanner) (*models.Batch, error) {
	var (
		b       models.Batch
		status  string
		created int64
		updated int64
	)
	if err := s.Scan(&b.ID, &b.Name, &b.TotalUnits, &b.ConcurrencyCap, &b.Priority, &b.FailFast,
		&status, &b.InFlight, &created, &updated); err != nil {
		return nil, err
	}
	b.Status = models.BatchStatus(status)
	b.CreatedAt = fromMillis(created)
	b.UpdatedAt = fromMillis(updated)
	return &b, nil
}
