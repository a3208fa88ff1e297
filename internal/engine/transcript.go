package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Segment is a timestamped span of a transcript.
type Segment struct {
	Text      string  `json:"text"`
	StartTime float64 `json:"start_time"` // seconds
	EndTime   float64 `json:"end_time"`   // seconds
}

// Transcript is whisper's segmented output.
type Transcript struct {
	Language string    `json:"language,omitempty"`
	Segments []Segment `json:"segments"`
}

// whisperJSON is the subset of whisper.cpp's -oj output we read.
type whisperJSON struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"` // ms
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

// ParseWhisperJSON decodes whisper.cpp JSON output. Empty segments are dropped.
func ParseWhisperJSON(data []byte) (*Transcript, error) {
	var raw whisperJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse whisper output: %w", err)
	}
	t := &Transcript{Language: raw.Result.Language, Segments: []Segment{}}
	for _, s := range raw.Transcription {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		t.Segments = append(t.Segments, Segment{
			Text:      text,
			StartTime: float64(s.Offsets.From) / 1000,
			EndTime:   float64(s.Offsets.To) / 1000,
		})
	}
	return t, nil
}

// Text joins the segment texts.
func (t *Transcript) Text() string {
	parts := make([]string, len(t.Segments))
	for i, s := range t.Segments {
		parts[i] = s.Text
	}
	return strings.Join(parts, " ")
}

// SRT renders the transcript as SubRip subtitles.
func (t *Transcript) SRT() string {
	var b strings.Builder
	for i, seg := range t.Segments {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n", i+1, formatSRTTime(seg.StartTime), formatSRTTime(seg.EndTime), seg.Text)
	}
	return b.String()
}

// formatSRTTime formats seconds as HH:MM:SS,mmm.
func formatSRTTime(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second)).Round(time.Millisecond)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// writeSubtitles converts base.json into base.srt and returns the number of
// segments written. A missing JSON file is not an error.
func writeSubtitles(base string) (int, error) {
	data, err := os.ReadFile(base + ".json")
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	t, err := ParseWhisperJSON(data)
	if err != nil {
		return 0, err
	}
	if len(t.Segments) == 0 {
		return 0, nil
	}
	if err := os.WriteFile(base+".srt", []byte(t.SRT()), 0644); err != nil {
		return 0, fmt.Errorf("failed to write subtitles: %w", err)
	}
	return len(t.Segments), nil
}
