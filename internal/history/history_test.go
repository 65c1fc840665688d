package history

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tokenflow/tokenbridge/internal/model"
)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	w := NewWriter(t.TempDir(), zerolog.Nop())
	t.Cleanup(w.Close)
	return w
}

func snap(tokens map[string]any) *model.Snapshot {
	return &model.Snapshot{
		Filtered: &model.FilteredTokens{
			TokenStudio: map[string]string{},
			Variables:   map[string]model.Variable{},
			Styles:      map[string]model.Style{},
			CleanTokens: tokens,
		},
		Metadata:    map[string]any{"projectId": "demo"},
		ExtractedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestWriter_AppendAndLoadRoundTrip(t *testing.T) {
	w := newTestWriter(t)

	want := snap(map[string]any{"color.primary": "#667eea"})
	filename, err := w.Append("demo", want)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	w.Flush()

	got, err := w.Load("demo", filename)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(got.Filtered, want.Filtered) {
		t.Fatalf("replay mismatch: got %#v, want %#v", got.Filtered, want.Filtered)
	}
	if !got.ExtractedAt.Equal(want.ExtractedAt) {
		t.Fatalf("timestamp mismatch: %v vs %v", got.ExtractedAt, want.ExtractedAt)
	}
}

func TestWriter_ListNewestFirst(t *testing.T) {
	w := newTestWriter(t)

	var names []string
	for i := 0; i < 5; i++ {
		name, err := w.Append("demo", snap(map[string]any{"n": i}))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		names = append(names, name)
	}
	w.Flush()

	entries, err := w.List("demo", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Filename != names[len(names)-1-i] {
			t.Fatalf("entry %d = %s, want %s (newest first)", i, e.Filename, names[len(names)-1-i])
		}
		if e.Size == 0 {
			t.Fatalf("entry %d has zero size", i)
		}
	}
}

func TestWriter_ListHonorsLimit(t *testing.T) {
	w := newTestWriter(t)
	for i := 0; i < 4; i++ {
		if _, err := w.Append("demo", snap(map[string]any{"n": i})); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	w.Flush()

	entries, err := w.List("demo", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected capped list of 2, got %d", len(entries))
	}
}

func TestWriter_ListUnknownProjectIsEmpty(t *testing.T) {
	w := newTestWriter(t)
	entries, err := w.List("never-seen", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty history, got %d entries", len(entries))
	}
}

func TestWriter_ProjectIsolation(t *testing.T) {
	w := newTestWriter(t)
	if _, err := w.Append("a", snap(map[string]any{"x": "1"})); err != nil {
		t.Fatalf("append a: %v", err)
	}
	if _, err := w.Append("b", snap(map[string]any{"y": "2"})); err != nil {
		t.Fatalf("append b: %v", err)
	}
	w.Flush()

	entries, err := w.List("a", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("project a should have exactly 1 entry, got %d", len(entries))
	}
}

func TestWriter_LoadMissingEntry(t *testing.T) {
	w := newTestWriter(t)
	if _, err := w.Load("demo", "tokens-123.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWriter_LoadRejectsForeignFilenames(t *testing.T) {
	w := newTestWriter(t)
	for _, name := range []string{"../secrets.json", "notes.txt", "tokens-abc.json", ""} {
		if _, err := w.Load("demo", name); !errors.Is(err, ErrNotFound) {
			t.Fatalf("filename %q: expected ErrNotFound, got %v", name, err)
		}
	}
}

func TestWriter_LoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, zerolog.Nop())
	defer w.Close()

	projectDir := filepath.Join(dir, "demo")
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(projectDir, "tokens-42.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := w.Load("demo", "tokens-42.json"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestWriter_AppendAfterCloseWritesSynchronously(t *testing.T) {
	w := NewWriter(t.TempDir(), zerolog.Nop())
	w.Close()

	// In-flight ingestions can still append while the server drains;
	// the write must land on disk without the background goroutine.
	want := snap(map[string]any{"a": "1"})
	filename, err := w.Append("demo", want)
	if err != nil {
		t.Fatalf("append after close: %v", err)
	}
	got, err := w.Load("demo", filename)
	if err != nil {
		t.Fatalf("load after close: %v", err)
	}
	if !reflect.DeepEqual(got.Filtered, want.Filtered) {
		t.Fatalf("replay mismatch: %#v", got.Filtered)
	}

	// Flush and a second Close stay no-ops.
	w.Flush()
	w.Close()
}

func TestWriter_LastErrorClearsAfterSuccess(t *testing.T) {
	w := newTestWriter(t)

	w.write(filepath.Join(t.TempDir(), "missing", "tokens-1.json"), []byte("{}"))
	if w.LastError() == nil {
		t.Fatal("expected LastError after a failed write")
	}

	if _, err := w.Append("demo", snap(map[string]any{"a": "1"})); err != nil {
		t.Fatalf("append: %v", err)
	}
	w.Flush()
	if err := w.LastError(); err != nil {
		t.Fatalf("LastError should clear after a successful write, got %v", err)
	}
}

func TestWriter_RejectsTraversalProjectIDs(t *testing.T) {
	w := newTestWriter(t)
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, err := w.Append(id, snap(nil)); err == nil {
			t.Fatalf("project id %q: expected error", id)
		}
	}
}
