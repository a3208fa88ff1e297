package models

import (
	"encoding/json"
	"time"
)

// Lesson は処理対象の講義動画（外部から見えるユニットのレコード）
type Lesson struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Course       string     `json:"course,omitempty"`
	SourcePath   string     `json:"source_path"`
	Status       string     `json:"status"`
	ResponseData string     `json:"response_data,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// GetResponseData はレスポンスデータをmapとして取得
func (l *Lesson) GetResponseData() (map[string]any, error) {
	if l.ResponseData == "" {
		return nil, nil
	}
	var m map[string]any
	err := json.Unmarshal([]byte(l.ResponseData), &m)
	return m, err
}

// SetResponseData はレスポンスデータをJSON文字列として設定
func (l *Lesson) SetResponseData(m map[string]any) error {
	if m == nil {
		l.ResponseData = ""
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	l.ResponseData = string(data)
	return nil
}
