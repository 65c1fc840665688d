// Package history appends every committed snapshot to a per-project,
// timestamp-named JSON file store and reads it back for replay. It is
// never consulted on the ingestion hot path.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tokenflow/tokenbridge/internal/model"
)

// ErrNotFound is returned when a project directory or history file
// does not exist.
var ErrNotFound = errors.New("history entry not found")

var filenamePattern = regexp.MustCompile(`^tokens-(\d+)\.json$`)

const queueSize = 64

type job struct {
	path string
	data []byte
	ack  chan struct{} // flush marker when path is empty
}

// Writer persists snapshots under <dataDir>/<projectID>/tokens-<ms>.json.
// Append reserves the name and directory synchronously; the file write
// itself runs on a single background goroutine, which preserves append
// order. Write failures never roll back the in-memory commit.
type Writer struct {
	dataDir string
	logger  zerolog.Logger

	jobs chan job
	done chan struct{}

	// sendMu guards sends on jobs against Close; the worker never takes it.
	sendMu sync.Mutex
	closed bool

	mu        sync.Mutex
	lastStamp int64
	lastErr   error

	closeOnce sync.Once
}

// NewWriter returns a Writer rooted at dataDir and starts its background
// flush goroutine.
func NewWriter(dataDir string, logger zerolog.Logger) *Writer {
	w := &Writer{
		dataDir: dataDir,
		logger:  logger,
		jobs:    make(chan job, queueSize),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) run() {
	defer close(w.done)
	for j := range w.jobs {
		if j.path == "" {
			close(j.ack)
			continue
		}
		w.write(j.path, j.data)
	}
}

func (w *Writer) write(path string, data []byte) {
	err := os.WriteFile(path, data, 0o644)
	if err != nil {
		w.logger.Error().Err(err).Str("path", path).Msg("history write failed")
	}
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
}

// Append serializes the snapshot and schedules it for writing. It returns
// the filename the snapshot is (or will be) stored under. Directory and
// serialization failures surface immediately; the write itself is
// best-effort and reported via LastError.
func (w *Writer) Append(projectID string, snap *model.Snapshot) (string, error) {
	if err := validateProjectID(projectID); err != nil {
		return "", err
	}
	dir := filepath.Join(w.dataDir, projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create project dir: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serialize snapshot: %w", err)
	}

	filename := fmt.Sprintf("tokens-%d.json", w.nextStamp())
	w.enqueue(job{path: filepath.Join(dir, filename), data: data})
	return filename, nil
}

// enqueue hands the write to the background goroutine. A full queue or a
// closed writer (in-flight requests during shutdown) falls back to
// writing on the caller's goroutine rather than dropping history.
func (w *Writer) enqueue(j job) {
	w.sendMu.Lock()
	if w.closed {
		w.sendMu.Unlock()
		w.write(j.path, j.data)
		return
	}
	select {
	case w.jobs <- j:
		w.sendMu.Unlock()
	default:
		w.sendMu.Unlock()
		w.write(j.path, j.data)
	}
}

// nextStamp returns a strictly increasing millisecond timestamp so two
// appends in the same millisecond never collide.
func (w *Writer) nextStamp() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	stamp := time.Now().UnixMilli()
	if stamp <= w.lastStamp {
		stamp = w.lastStamp + 1
	}
	w.lastStamp = stamp
	return stamp
}

// LastError returns the write failure from the most recent attempt, or
// nil once a later write has succeeded.
func (w *Writer) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Flush blocks until every append scheduled before the call has been
// written out. After Close there is nothing left to wait for.
func (w *Writer) Flush() {
	w.sendMu.Lock()
	if w.closed {
		w.sendMu.Unlock()
		return
	}
	ack := make(chan struct{})
	w.jobs <- job{ack: ack}
	w.sendMu.Unlock()
	<-ack
}

// Close drains pending writes and stops the background goroutine. Appends
// arriving afterwards are written synchronously.
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		w.sendMu.Lock()
		w.closed = true
		close(w.jobs)
		w.sendMu.Unlock()
		<-w.done
	})
}

// List returns up to limit history entries for the project, newest first.
// Ordering follows the numeric time component in the filename; ties and
// equal stamps keep a stable order. A project with no history yields an
// empty list, not an error.
func (w *Writer) List(projectID string, limit int) ([]model.HistoryEntry, error) {
	if err := validateProjectID(projectID); err != nil {
		return nil, err
	}
	dir := filepath.Join(w.dataDir, projectID)
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []model.HistoryEntry{}, nil
		}
		return nil, fmt.Errorf("read history dir: %w", err)
	}

	type stamped struct {
		entry model.HistoryEntry
		ms    int64
	}
	var files []stamped
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		m := filenamePattern.FindStringSubmatch(de.Name())
		if m == nil {
			continue
		}
		ms, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		files = append(files, stamped{
			entry: model.HistoryEntry{
				Filename:  de.Name(),
				Timestamp: time.UnixMilli(ms).UTC(),
				Size:      info.Size(),
			},
			ms: ms,
		})
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].ms > files[j].ms })
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	out := make([]model.HistoryEntry, 0, len(files))
	for _, f := range files {
		out = append(out, f.entry)
	}
	return out, nil
}

// Load reads one persisted snapshot back. Returns ErrNotFound for unknown
// projects or filenames; a file that exists but does not parse is an
// internal error.
func (w *Writer) Load(projectID, filename string) (*model.Snapshot, error) {
	if err := validateProjectID(projectID); err != nil {
		return nil, err
	}
	if !filenamePattern.MatchString(filename) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(w.dataDir, projectID, filename))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read history file: %w", err)
	}
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse history file %s: %w", filename, err)
	}
	return &snap, nil
}

// validateProjectID rejects ids that could escape the data directory.
func validateProjectID(projectID string) error {
	if projectID == "" {
		return errors.New("empty project id")
	}
	if strings.ContainsAny(projectID, `/\`) || projectID == "." || projectID == ".." {
		return fmt.Errorf("invalid project id %q", projectID)
	}
	return nil
}
