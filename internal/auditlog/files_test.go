package auditlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeLogFile drops a raw log file into the configured directory.
func writeLogFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestListFilesSortedMostRecentFirst(t *testing.T) {
	l, dir := newTestLogger(t)

	writeLogFile(t, dir, "pyrunner-2026-08-29.log", "a\n")
	writeLogFile(t, dir, "pyrunner-2026-08-30.log", "b\n")
	writeLogFile(t, dir, "notes.txt", "ignored\n")

	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "pyrunner-2026-08-29.log"), old, old); err != nil {
		t.Fatal(err)
	}

	files, err := l.ListFiles()
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}
	if files[0].Name != "pyrunner-2026-08-30.log" {
		t.Errorf("first file = %q, want newest", files[0].Name)
	}
	if files[0].Size != 2 {
		t.Errorf("Size = %d, want 2", files[0].Size)
	}
}

func TestReadPagination(t *testing.T) {
	l, dir := newTestLogger(t)

	var sb strings.Builder
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&sb, "line-%d\n", i)
	}
	writeLogFile(t, dir, "pyrunner-2026-08-30.log", sb.String())

	tests := []struct {
		name    string
		lines   int
		offset  int
		want    []string
		total   int
	}{
		{"latest three", 3, 0, []string{"line-9", "line-8", "line-7"}, 10},
		{"offset skips newest", 3, 2, []string{"line-7", "line-6", "line-5"}, 10},
		{"window clipped at start", 5, 8, []string{"line-1", "line-0"}, 10},
		{"offset beyond total", 3, 20, []string{}, 10},
		{"lines clamped up from zero", 0, 9, []string{"line-0"}, 10},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := l.Read("pyrunner-2026-08-30.log", tc.lines, tc.offset)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if res.Total != tc.total {
				t.Errorf("Total = %d, want %d", res.Total, tc.total)
			}
			if len(res.Entries) != len(tc.want) {
				t.Fatalf("Entries = %v, want %v", res.Entries, tc.want)
			}
			for i := range tc.want {
				if res.Entries[i] != tc.want[i] {
					t.Errorf("Entries[%d] = %q, want %q", i, res.Entries[i], tc.want[i])
				}
			}
		})
	}
}

func TestReadDefaultsToMostRecentFile(t *testing.T) {
	l, dir := newTestLogger(t)

	writeLogFile(t, dir, "pyrunner-2026-08-29.log", "old\n")
	writeLogFile(t, dir, "pyrunner-2026-08-30.log", "new\n")
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "pyrunner-2026-08-29.log"), old, old); err != nil {
		t.Fatal(err)
	}

	res, err := l.Read("", 10, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if res.File != "pyrunner-2026-08-30.log" {
		t.Errorf("File = %q, want newest", res.File)
	}
	if len(res.Entries) != 1 || res.Entries[0] != "new" {
		t.Errorf("Entries = %v", res.Entries)
	}
}

func TestReadRejectsBadNames(t *testing.T) {
	l, _ := newTestLogger(t)

	for _, name := range []string{"../etc/passwd", "pyrunner.log", "foo/pyrunner-2026-08-30.log"} {
		if _, err := l.Read(name, 10, 0); !errors.Is(err, ErrInvalidFilename) {
			t.Errorf("Read(%q) err = %v, want ErrInvalidFilename", name, err)
		}
	}
}

func TestDeleteFile(t *testing.T) {
	l, dir := newTestLogger(t)
	writeLogFile(t, dir, "pyrunner-2026-08-30.log", "x\n")

	if err := l.DeleteFile("pyrunner-2026-08-30.log"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "pyrunner-2026-08-30.log")); !os.IsNotExist(err) {
		t.Error("file still present")
	}

	if err := l.DeleteFile("pyrunner-2026-08-30.log"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
	if err := l.DeleteFile("../escape.log"); !errors.Is(err, ErrInvalidFilename) {
		t.Errorf("traversal delete err = %v, want ErrInvalidFilename", err)
	}
}

func TestPruneRemovesOnlyOldRotatedFiles(t *testing.T) {
	l, dir := newTestLogger(t)

	writeLogFile(t, dir, "pyrunner-2026-08-01.log", "canonical old\n")
	writeLogFile(t, dir, "pyrunner-2026-08-01.log.1754000000000000000", "rotated old\n")
	writeLogFile(t, dir, "pyrunner-2026-08-30.log.1756500000000000000", "rotated new\n")

	old := time.Now().Add(-30 * 24 * time.Hour)
	for _, name := range []string{"pyrunner-2026-08-01.log", "pyrunner-2026-08-01.log.1754000000000000000"} {
		if err := os.Chtimes(filepath.Join(dir, name), old, old); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := l.Prune(7 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(filepath.Join(dir, "pyrunner-2026-08-01.log")); err != nil {
		t.Error("canonical day file was pruned")
	}
	if _, err := os.Stat(filepath.Join(dir, "pyrunner-2026-08-30.log.1756500000000000000")); err != nil {
		t.Error("recent rotated file was pruned")
	}
}
