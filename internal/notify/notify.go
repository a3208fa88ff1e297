// Package notify delivers stage status updates of lessons to interested
// parties. Delivery is best effort: callers log failures and carry on.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"lessonflow/internal/storage"
)

// DefaultChannel is the Redis channel status updates are published on.
const DefaultChannel = "lessonflow:status"

// StatusUpdate reports the outcome of one stage attempt. Status is the stage
// name while the lesson advances, or a terminal status.
type StatusUpdate struct {
	LessonID     string         `json:"lesson_id"`
	BatchID      *string        `json:"batch_id,omitempty"`
	Status       string         `json:"status"`
	ResponseData map[string]any `json:"response_data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// Notifier receives status updates.
type Notifier interface {
	Notify(ctx context.Context, u StatusUpdate) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, u StatusUpdate) error

func (f Func) Notify(ctx context.Context, u StatusUpdate) error {
	return f(ctx, u)
}

// Multi fans an update out to every notifier. All notifiers are called even
// when some fail; the errors are combined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, u StatusUpdate) error {
	var err error
	for _, n := range m {
		if n == nil {
			continue
		}
		err = multierr.Append(err, n.Notify(ctx, u))
	}
	return err
}

// LessonNotifier writes updates to the lesson record.
type LessonNotifier struct {
	lessons *storage.LessonRepository
}

// NewLessonNotifier creates a LessonNotifier.
func NewLessonNotifier(lessons *storage.LessonRepository) *LessonNotifier {
	return &LessonNotifier{lessons: lessons}
}

func (n *LessonNotifier) Notify(ctx context.Context, u StatusUpdate) error {
	var data string
	if len(u.ResponseData) > 0 {
		b, err := json.Marshal(u.ResponseData)
		if err != nil {
			return fmt.Errorf("encode response data: %w", err)
		}
		data = string(b)
	}
	return n.lessons.ApplyStatus(ctx, u.LessonID, storage.StatusUpdate{
		Status:       u.Status,
		ResponseData: data,
		ErrorMessage: u.ErrorMessage,
		CompletedAt:  u.CompletedAt,
	})
}

// RedisNotifier publishes updates as JSON on a Redis channel.
type RedisNotifier struct {
	rdb     *redis.Client
	channel string
}

// NewRedisNotifier creates a RedisNotifier. An empty channel uses DefaultChannel.
func NewRedisNotifier(rdb *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{rdb: rdb, channel: channel}
}

// Channel returns the channel updates are published on.
func (n *RedisNotifier) Channel() string {
	return n.channel
}

func (n *RedisNotifier) Notify(ctx context.Context, u StatusUpdate) error {
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode status update: %w", err)
	}
	if err := n.rdb.Publish(ctx, n.channel, b).Err(); err != nil {
		return fmt.Errorf("publish status of %s: %w", u.LessonID, err)
	}
	return nil
}

// LogNotifier logs every update at debug level.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, u StatusUpdate) error {
	n.logger.DebugContext(ctx, "lesson status", "lesson_id", u.LessonID, "status", u.Status, "error", u.ErrorMessage)
	return nil
}
