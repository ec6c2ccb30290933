// Package state persists the metadata coordination snapshot
// (metadata_state.json): per-title cooldowns and the sticky FlareSolverr
// deadline. Reads never fail after startup; corrupt files are quarantined
// and replaced by the empty snapshot.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/jpillora/backoff"
)

// maxReadAttempts bounds parse retries; a reader racing the atomic rename
// can observe a partial file briefly.
const maxReadAttempts = 3

// Snapshot mirrors the on-disk JSON shape. The sticky field is always
// serialized, null when unset.
type Snapshot struct {
	TitleCooldownsUtc          map[string]time.Time `json:"titleCooldownsUtc"`
	StickyFlaresolverrUntilUtc *time.Time           `json:"stickyFlaresolverrUntilUtc"`
}

// Empty returns a fresh zero snapshot with a usable cooldown map.
func Empty() Snapshot {
	return Snapshot{TitleCooldownsUtc: make(map[string]time.Time)}
}

// normalized forces every timestamp to UTC so round-trips are stable no
// matter which zone produced them.
func (s Snapshot) normalized() Snapshot {
	out := Snapshot{TitleCooldownsUtc: make(map[string]time.Time, len(s.TitleCooldownsUtc))}

	for key, t := range s.TitleCooldownsUtc {
		out.TitleCooldownsUtc[key] = t.UTC()
	}

	if s.StickyFlaresolverrUntilUtc != nil {
		utc := s.StickyFlaresolverrUntilUtc.UTC()
		out.StickyFlaresolverrUntilUtc = &utc
	}

	return out
}

// Config configures NewStore.
type Config struct {
	// Path locates metadata_state.json; the write lock and quarantine files
	// are siblings.
	Path string
	// Logger receives store events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Store owns the snapshot file. Writes serialize on an in-process mutex
// plus a sibling flock so a second daemon instance cannot interleave.
type Store struct {
	path   string
	logger *slog.Logger

	writeMu  sync.Mutex
	fileLock *flock.Flock
}

// NewStore builds a Store for the given path.
func NewStore(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		path:     cfg.Path,
		logger:   logger,
		fileLock: flock.New(cfg.Path + ".lock"),
	}
}

// Read returns the current snapshot. It never fails: missing files yield
// Empty, unreadable or corrupt files are quarantined and yield Empty.
func (s *Store) Read() Snapshot {
	retry := &backoff.Backoff{
		Min:    10 * time.Millisecond,
		Max:    100 * time.Millisecond,
		Jitter: true,
	}

	var lastParseErr error

	for attempt := 0; attempt < maxReadAttempts; attempt++ {
		data, readErr := os.ReadFile(s.path)
		if readErr != nil {
			if errors.Is(readErr, fs.ErrNotExist) {
				return Empty()
			}

			if s.directoryAtPath() {
				s.quarantine("metadata_state.corrupt.dir", readErr)

				return Empty()
			}

			s.logger.Warn("state.read_failed",
				slog.String("path", s.path),
				slog.String("error", readErr.Error()))

			return Empty()
		}

		var snap Snapshot

		lastParseErr = json.Unmarshal(data, &snap)
		if lastParseErr == nil {
			if snap.TitleCooldownsUtc == nil {
				snap.TitleCooldownsUtc = make(map[string]time.Time)
			}

			return snap.normalized()
		}

		time.Sleep(retry.Duration())
	}

	s.quarantine("metadata_state.corrupt.json", lastParseErr)

	return Empty()
}

// Transform reads the on-disk snapshot, applies fn and persists the result
// atomically (temp file in the same directory, then rename).
func (s *Store) Transform(fn func(Snapshot) Snapshot) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	dir := filepath.Dir(s.path)

	mkdirErr := os.MkdirAll(dir, 0o755)
	if mkdirErr != nil {
		return fmt.Errorf("create state dir: %w", mkdirErr)
	}

	lockErr := s.fileLock.Lock()
	if lockErr != nil {
		// A failed advisory lock degrades to in-process serialization only.
		s.logger.Warn("state.lock_failed",
			slog.String("path", s.path),
			slog.String("error", lockErr.Error()))
	} else {
		defer func() { _ = s.fileLock.Unlock() }()
	}

	next := fn(s.Read()).normalized()

	data, marshalErr := json.MarshalIndent(next, "", "  ")
	if marshalErr != nil {
		return fmt.Errorf("marshal state: %w", marshalErr)
	}

	tmp, tempErr := os.CreateTemp(dir, ".metadata_state-*.tmp")
	if tempErr != nil {
		return fmt.Errorf("create temp state: %w", tempErr)
	}

	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)

	syncErr := tmp.Sync()
	closeErr := tmp.Close()

	if writeErr != nil || syncErr != nil || closeErr != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("write temp state: %w", errors.Join(writeErr, syncErr, closeErr))
	}

	renameErr := os.Rename(tmpName, s.path)
	if renameErr != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("replace state: %w", renameErr)
	}

	return nil
}

func (s *Store) directoryAtPath() bool {
	info, statErr := os.Stat(s.path)

	return statErr == nil && info.IsDir()
}

// quarantine moves the unusable state file (or directory) aside so the next
// write starts clean. An older quarantine at the destination is replaced.
func (s *Store) quarantine(name string, cause error) {
	dest := filepath.Join(filepath.Dir(s.path), name)

	_ = os.RemoveAll(dest)

	renameErr := os.Rename(s.path, dest)
	if renameErr != nil {
		s.logger.Warn("state.quarantine_failed",
			slog.String("path", s.path),
			slog.String("error", renameErr.Error()))

		return
	}

	errText := ""
	if cause != nil {
		errText = cause.Error()
	}

	s.logger.Warn("state.corrupt.quarantined",
		slog.String("path", s.path),
		slog.String("quarantine", dest),
		slog.String("error", errText))
}
