package auditlog

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	tmp := t.TempDir()
	dir := filepath.Join(tmp, "logs")
	l, err := New(filepath.Join(tmp, "logconfig.json"), dir, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(l.Close)
	return l, dir
}

// readAllRecords parses every record in every log file under dir.
func readAllRecords(t *testing.T, dir string) []Record {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	var records []Record
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			if line == "" {
				continue
			}
			var rec Record
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				t.Fatalf("bad record line %q: %v", line, err)
			}
			records = append(records, rec)
		}
	}
	return records
}

func TestNewPersistsDefaultConfig(t *testing.T) {
	tmp := t.TempDir()
	configPath := filepath.Join(tmp, "logconfig.json")
	dir := filepath.Join(tmp, "logs")

	l, err := New(configPath, dir, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	if _, err := os.Stat(configPath); err != nil {
		t.Errorf("config not persisted: %v", err)
	}

	cfg := l.Current()
	if !cfg.Enabled {
		t.Error("default config not enabled")
	}
	if cfg.Directory != dir {
		t.Errorf("Directory = %q, want %q", cfg.Directory, dir)
	}
	if cfg.MaxFileSizeBytes != DefaultMaxFileSize {
		t.Errorf("MaxFileSizeBytes = %d, want %d", cfg.MaxFileSizeBytes, DefaultMaxFileSize)
	}
	for _, lv := range Levels {
		if !cfg.Levels[lv] {
			t.Errorf("level %s not enabled by default", lv)
		}
	}
}

func TestRecordWritesJSONL(t *testing.T) {
	l, dir := newTestLogger(t)

	l.Record(LevelInfo, CategoryScript, "script executed", map[string]any{"env": "default"})
	l.Flush()

	records := readAllRecords(t, dir)
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	rec := records[0]
	if rec.Level != LevelInfo || rec.Category != CategoryScript {
		t.Errorf("record = %+v", rec)
	}
	if rec.Message != "script executed" {
		t.Errorf("Message = %q", rec.Message)
	}
	if rec.Details["env"] != "default" {
		t.Errorf("Details = %v", rec.Details)
	}
	if rec.Timestamp.IsZero() {
		t.Error("zero timestamp")
	}
}

func TestRecordRespectsEnabled(t *testing.T) {
	l, dir := newTestLogger(t)

	off := false
	if _, err := l.Update(Patch{Enabled: &off}); err != nil {
		t.Fatal(err)
	}

	l.Record(LevelError, CategorySystem, "should not appear", nil)
	l.Flush()

	if records := readAllRecords(t, dir); len(records) != 0 {
		t.Errorf("got %d records with logging disabled", len(records))
	}
}

func TestRecordRespectsLevelFilter(t *testing.T) {
	l, dir := newTestLogger(t)

	if _, err := l.Update(Patch{Levels: map[Level]bool{LevelDebug: false}}); err != nil {
		t.Fatal(err)
	}

	l.Record(LevelDebug, CategorySystem, "debug", nil)
	l.Record(LevelInfo, CategorySystem, "info", nil)
	l.Flush()

	records := readAllRecords(t, dir)
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].Level != LevelInfo {
		t.Errorf("surviving record level = %s", records[0].Level)
	}
}

func TestUpdateMergesAndPersists(t *testing.T) {
	tmp := t.TempDir()
	configPath := filepath.Join(tmp, "logconfig.json")
	dir := filepath.Join(tmp, "logs")

	l, err := New(configPath, dir, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	size := int64(4096)
	got, err := l.Update(Patch{
		MaxFileSizeBytes: &size,
		Levels:           map[Level]bool{LevelDebug: false},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Patched fields reflect the patch.
	if got.MaxFileSizeBytes != 4096 {
		t.Errorf("MaxFileSizeBytes = %d, want 4096", got.MaxFileSizeBytes)
	}
	if got.Levels[LevelDebug] {
		t.Error("DEBUG still enabled after patch")
	}
	// Untouched fields unchanged.
	if !got.Enabled || got.Directory != dir {
		t.Errorf("untouched fields changed: %+v", got)
	}
	if !got.Levels[LevelInfo] {
		t.Error("INFO disabled by unrelated patch")
	}
	l.Close()

	// A fresh Logger sees the persisted merge.
	l2, err := New(configPath, dir, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()
	cfg := l2.Current()
	if cfg.MaxFileSizeBytes != 4096 || cfg.Levels[LevelDebug] {
		t.Errorf("persisted config = %+v", cfg)
	}
}

func TestRotationLosesNoRecord(t *testing.T) {
	l, dir := newTestLogger(t)

	// Rotate on every append after the first.
	size := int64(1)
	if _, err := l.Update(Patch{MaxFileSizeBytes: &size}); err != nil {
		t.Fatal(err)
	}

	const n = 5
	for i := 0; i < n; i++ {
		l.Record(LevelInfo, CategorySystem, "r", map[string]any{"i": i})
	}
	l.Flush()

	records := readAllRecords(t, dir)
	if len(records) != n {
		t.Fatalf("got %d records across all files, want %d", len(records), n)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	rotated := 0
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".log") {
			rotated++
		}
	}
	if rotated != n-1 {
		t.Errorf("got %d rotated files, want %d", rotated, n-1)
	}

	// The canonical day file holds exactly the newest record.
	day := fileForDay(time.Now())
	data, err := os.ReadFile(filepath.Join(dir, day))
	if err != nil {
		t.Fatalf("canonical day file missing: %v", err)
	}
	if got := strings.Count(string(data), "\n"); got != 1 {
		t.Errorf("canonical file has %d records, want 1", got)
	}
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	l, dir := newTestLogger(t)
	l.Close()

	// Must not panic.
	l.Record(LevelInfo, CategorySystem, "after close", nil)
	l.Flush()

	if records := readAllRecords(t, dir); len(records) != 0 {
		t.Errorf("got %d records after Close", len(records))
	}
}
