package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWhisperJSON(t *testing.T) {
	tr, err := ParseWhisperJSON([]byte(whisperOutput))
	require.NoError(t, err)

	assert.Equal(t, "en", tr.Language)
	require.Len(t, tr.Segments, 2)
	assert.Equal(t, Segment{Text: "Today we cover Kubernetes pods", StartTime: 0, EndTime: 2.5}, tr.Segments[0])
	assert.InDelta(t, 65.04, tr.Segments[1].EndTime, 1e-9)
	assert.Equal(t, "Today we cover Kubernetes pods and kubernetes services.", tr.Text())

	_, err = ParseWhisperJSON([]byte("not json"))
	assert.Error(t, err)
}

func TestTranscript_SRT(t *testing.T) {
	tr := &Transcript{Segments: []Segment{
		{Text: "first", StartTime: 0, EndTime: 1.25},
		{Text: "second", StartTime: 3661.5, EndTime: 3662},
	}}
	want := "1\n00:00:00,000 --> 00:00:01,250\nfirst\n" +
		"\n" +
		"2\n01:01:01,500 --> 01:01:02,000\nsecond\n"
	assert.Equal(t, want, tr.SRT())

	assert.Empty(t, (&Transcript{}).SRT())
}

func TestWriteSubtitles(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, TranscriptBase)

	n, err := writeSubtitles(base)
	require.NoError(t, err)
	assert.Zero(t, n, "missing json is skipped")

	require.NoError(t, os.WriteFile(base+".json", []byte(`{"transcription": []}`), 0644))
	n, err = writeSubtitles(base)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoFileExists(t, base+".srt")

	require.NoError(t, os.WriteFile(base+".json", []byte("{"), 0644))
	_, err = writeSubtitles(base)
	assert.Error(t, err)
}
