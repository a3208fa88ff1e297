// Package ingestion turns media files into batch units.
package ingestion

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"lessonflow/internal/batch"
	"lessonflow/internal/models"
)

// SupportedFormats lists the media extensions ffmpeg is expected to decode.
var SupportedFormats = []string{
	".mp4", ".mkv", ".mov", ".webm", ".avi", ".m4v",
	".mp3", ".m4a", ".aac", ".ogg", ".flac", ".wav", ".opus",
}

// ErrNoMedia is returned when nothing ingestible was found.
var ErrNoMedia = errors.New("no supported media files")

// IsSupportedFormat checks if the file extension is a supported media format
func IsSupportedFormat(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, format := range SupportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}

// ScanOptions controls directory scanning.
type ScanOptions struct {
	Recursive bool
	// Course is used for every unit; empty means the containing directory name.
	Course   string
	Speaker  string
	Keywords []string
}

// Scan lists the supported media files under dir as units, sorted by path.
// Lesson titles come from the file names.
func Scan(dir string, opts ScanOptions) ([]batch.Unit, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && (!opts.Recursive || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if IsSupportedFormat(d.Name()) && !strings.HasPrefix(d.Name(), ".") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoMedia, dir)
	}
	sort.Strings(paths)

	units := make([]batch.Unit, len(paths))
	for i, p := range paths {
		units[i] = newUnit(p, opts)
	}
	return units, nil
}

// UnitFor builds a unit for a single media file.
func UnitFor(path string, opts ScanOptions) (batch.Unit, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return batch.Unit{}, err
	}
	if !IsSupportedFormat(abs) {
		return batch.Unit{}, fmt.Errorf("unsupported media format: %s", path)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return batch.Unit{}, err
	}
	if info.IsDir() {
		return batch.Unit{}, fmt.Errorf("%s is a directory", path)
	}
	return newUnit(abs, opts), nil
}

// File is an uploaded media file.
type File struct {
	Filename string
	Reader   io.Reader
}

// Save stores uploaded files under dataDir/sources/<id>/ and returns a unit
// per file.
func Save(dataDir string, files []File, opts ScanOptions) ([]batch.Unit, error) {
	if len(files) == 0 {
		return nil, ErrNoMedia
	}
	for _, f := range files {
		if !IsSupportedFormat(f.Filename) {
			return nil, fmt.Errorf("unsupported media format: %s", f.Filename)
		}
	}

	sourceDir := filepath.Join(dataDir, "sources", uuid.New().String())
	if err := os.MkdirAll(sourceDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create source directory: %w", err)
	}

	units := make([]batch.Unit, 0, len(files))
	for _, f := range files {
		// アップロード名からディレクトリ成分を除去
		destPath := filepath.Join(sourceDir, filepath.Base(f.Filename))
		if err := saveFile(destPath, f.Reader); err != nil {
			os.RemoveAll(sourceDir)
			return nil, err
		}
		u := newUnit(destPath, opts)
		if opts.Course == "" {
			u.Course = ""
			u.Context.CourseTitle = ""
		}
		units = append(units, u)
	}
	return units, nil
}

func saveFile(path string, r io.Reader) error {
	dest, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	_, err = io.Copy(dest, r)
	if cerr := dest.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to save file: %w", err)
	}
	return nil
}

func newUnit(path string, opts ScanOptions) batch.Unit {
	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	course := opts.Course
	if course == "" {
		course = filepath.Base(filepath.Dir(path))
	}
	return batch.Unit{
		Title:      title,
		Course:     course,
		SourcePath: path,
		Context: models.LessonContext{
			CourseTitle: course,
			LessonTitle: title,
			Speaker:     opts.Speaker,
			Keywords:    opts.Keywords,
		},
	}
}
