package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"lessonflow/internal/models"
)

// LessonRepository はレッスン（外部から見えるユニット）のデータアクセス層
type LessonRepository struct {
	db *DB
	q  querier
}

// NewLessonRepository は新しいLessonRepositoryを作成
func NewLessonRepository(db *DB) *LessonRepository {
	return &LessonRepository{db: db, q: db.DB}
}

const lessonColumns = `id, title, course, source_path, status, response_data, error_message, completed_at, created_at`

// Create は新しいレッスンを作成
func (r *LessonRepository) Create(ctx context.Context, lesson *models.Lesson) error {
	if lesson.ID == "" {
		lesson.ID = uuid.New().String()
	}
	lesson.CreatedAt = r.db.Now()
	if lesson.Status == "" {
		lesson.Status = string(models.StatusQueued)
	}

	_, err := r.q.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO lessons (`+lessonColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		lesson.ID, lesson.Title, lesson.Course, lesson.SourcePath, lesson.Status,
		lesson.ResponseData, lesson.ErrorMessage, nullMillis(lesson.CompletedAt), toMillis(lesson.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create lesson: %w", err)
	}
	return nil
}

// GetByID はIDでレッスンを取得
func (r *LessonRepository) GetByID(ctx context.Context, id string) (*models.Lesson, error) {
	var (
		l         models.Lesson
		completed sql.NullInt64
		created   int64
	)
	err := r.q.QueryRowContext(ctx, r.db.Rebind(`SELECT `+lessonColumns+` FROM lessons WHERE id = ?`), id).Scan(
		&l.ID, &l.Title, &l.Course, &l.SourcePath, &l.Status, &l.ResponseData, &l.ErrorMessage, &completed, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.CompletedAt = fromNullMillis(completed)
	l.CreatedAt = fromMillis(created)
	return &l, nil
}

// StatusUpdate はステージ完了ごとに外部向けレコードへ反映する内容
type StatusUpdate struct {
	Status       string
	ResponseData string
	ErrorMessage string
	CompletedAt  *time.Time
}

// ApplyStatus はレッスンのステータスを更新する。空のフィールドは既存値を保持する
func (r *LessonRepository) ApplyStatus(ctx context.Context, id string, u StatusUpdate) error {
	_, err := r.q.ExecContext(ctx, r.db.Rebind(`
		UPDATE lessons SET
			status = ?,
			response_data = CASE WHEN ? = '' THEN response_data ELSE ? END,
			error_message = ?,
			completed_at = COALESCE(?, completed_at)
		WHERE id = ?`),
		u.Status, u.ResponseData, u.ResponseData, u.ErrorMessage, nullMillis(u.CompletedAt), id,
	)
	if err != nil {
		return fmt.Errorf("update lesson %s status: %w", id, err)
	}
	return nil
}

// Delete はレッスンを削除
func (r *LessonRepository) Delete(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx, r.db.Rebind(`DELETE FROM lessons WHERE id = ?`), id)
	return err
}
