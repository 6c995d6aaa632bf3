package auditlog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// Pagination bounds for Read.
const (
	MinReadLines     = 1
	MaxReadLines     = 500
	DefaultReadLines = 100
)

var (
	// ErrInvalidFilename is returned for names that are not PyRunner log files.
	ErrInvalidFilename = errors.New("invalid log filename")
	// ErrNotFound is returned when the named log file does not exist.
	ErrNotFound = errors.New("log file not found")
)

// logFileRe matches canonical day files and their rotated variants.
// The anchored pattern also rejects path separators and traversal.
var logFileRe = regexp.MustCompile(`^pyrunner-\d{4}-\d{2}-\d{2}\.log(\.\d+)?$`)

// FileInfo describes one log file on disk.
type FileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// ReadResult is one page of log lines, most recent first.
type ReadResult struct {
	Entries []string `json:"entries"`
	Total   int      `json:"total"`
	File    string   `json:"file"`
	Offset  int      `json:"offset"`
}

// ListFiles returns every log file in the configured directory, most
// recently modified first.
func (l *Logger) ListFiles() ([]FileInfo, error) {
	dir := l.Current().Directory
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []FileInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading log directory %s: %w", dir, err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !logFileRe.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Name:     e.Name(),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Modified.After(files[j].Modified)
	})
	return files, nil
}

// Read returns a page of lines from the named log file, most recent first.
// An empty file name selects the most recently modified log file. maxLines
// is clamped to [1, 500]; with total lines T and offset O, the window is
// [max(0, T-O-N), T-O), reversed so the newest requested line comes first.
func (l *Logger) Read(file string, maxLines, offset int) (*ReadResult, error) {
	if file == "" {
		files, err := l.ListFiles()
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, ErrNotFound
		}
		file = files[0].Name
	} else if !logFileRe.MatchString(file) {
		return nil, ErrInvalidFilename
	}

	if maxLines < MinReadLines {
		maxLines = MinReadLines
	}
	if maxLines > MaxReadLines {
		maxLines = MaxReadLines
	}
	if offset < 0 {
		offset = 0
	}

	path := filepath.Join(l.Current().Directory, file)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	total := len(lines)
	hi := total - offset
	if hi < 0 {
		hi = 0
	}
	lo := hi - maxLines
	if lo < 0 {
		lo = 0
	}

	entries := make([]string, 0, hi-lo)
	for i := hi - 1; i >= lo; i-- {
		entries = append(entries, lines[i])
	}

	return &ReadResult{
		Entries: entries,
		Total:   total,
		File:    file,
		Offset:  offset,
	}, nil
}

// DeleteFile removes the named log file from the configured directory.
func (l *Logger) DeleteFile(name string) error {
	if !logFileRe.MatchString(name) {
		return ErrInvalidFilename
	}
	path := filepath.Join(l.Current().Directory, name)
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	return nil
}

// Prune removes rotated log files older than maxAge. The canonical day
// files are kept regardless of age; only rotated files (those with a
// uniqueness suffix) are eligible. Returns the number of files removed.
func (l *Logger) Prune(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	files, err := l.ListFiles()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	dir := l.Current().Directory
	removed := 0
	for _, fi := range files {
		if filepath.Ext(fi.Name) == ".log" {
			continue // canonical day file
		}
		if fi.Modified.After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, fi.Name)); err != nil {
			return removed, fmt.Errorf("pruning %s: %w", fi.Name, err)
		}
		removed++
	}
	return removed, nil
}
