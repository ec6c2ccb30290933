package trigger

import (
	"log/slog"
	"os"
	"sync"
	"time"
)

// defaultSettleWindow is how long a chapter directory must stay unchanged
// before the queue considers its rename finished.
const defaultSettleWindow = 30 * time.Second

// renameEntry is one queued chapter directory.
type renameEntry struct {
	path       string
	enqueuedAt time.Time
}

// ProcessStats summarizes one rename-queue pass.
type ProcessStats struct {
	// Settled counts entries that finished: the directory vanished or its
	// modification time went quiet for the settle window.
	Settled int

	// Expired counts entries dropped because they never settled within the
	// maximum age.
	Expired int

	// Remaining is the queue length after the pass.
	Remaining int
}

// RenameQueueConfig configures a RenameQueue.
type RenameQueueConfig struct {
	// MaxAge drops entries that never settle.
	MaxAge time.Duration

	// SettleWindow is the quiet period after the last write. Zero uses the
	// default.
	SettleWindow time.Duration

	Logger *slog.Logger
}

// RenameQueue tracks chapter directories that recently changed so a merge
// is requested only once they stop moving. Entries are deduplicated by path
// and processed in enqueue order.
type RenameQueue struct {
	mu           sync.Mutex
	maxAge       time.Duration
	settleWindow time.Duration
	logger       *slog.Logger

	entries []renameEntry
	queued  map[string]struct{}
}

// NewRenameQueue builds an empty queue.
func NewRenameQueue(cfg RenameQueueConfig) *RenameQueue {
	settle := cfg.SettleWindow
	if settle <= 0 {
		settle = defaultSettleWindow
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RenameQueue{
		maxAge:       cfg.MaxAge,
		settleWindow: settle,
		logger:       logger,
		queued:       make(map[string]struct{}),
	}
}

// Enqueue adds a chapter directory unless it is already queued. Returns
// whether the path was newly added.
func (q *RenameQueue) Enqueue(path string, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.queued[path]; dup {
		return false
	}

	q.queued[path] = struct{}{}
	q.entries = append(q.entries, renameEntry{path: path, enqueuedAt: now})

	return true
}

// Len reports the queue length.
func (q *RenameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// ProcessOnce runs one pass over the queue. A vanished directory counts as
// settled (it was renamed away or removed); an existing directory settles
// once its modification time has been quiet for the settle window; entries
// older than the maximum age are dropped with a warning.
func (q *RenameQueue) ProcessOnce(now time.Time) ProcessStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stats ProcessStats

	kept := q.entries[:0]

	for _, entry := range q.entries {
		info, statErr := os.Stat(entry.path)

		switch {
		case statErr != nil:
			stats.Settled++
			delete(q.queued, entry.path)

			q.logger.Debug("trigger.rename.settled",
				slog.String("path", entry.path),
				slog.Bool("vanished", true))
		case now.Sub(info.ModTime()) >= q.settleWindow:
			stats.Settled++
			delete(q.queued, entry.path)

			q.logger.Debug("trigger.rename.settled",
				slog.String("path", entry.path),
				slog.Bool("vanished", false))
		case q.maxAge > 0 && now.Sub(entry.enqueuedAt) >= q.maxAge:
			stats.Expired++
			delete(q.queued, entry.path)

			q.logger.Warn("trigger.rename.expired",
				slog.String("path", entry.path),
				slog.Time("enqueued_at", entry.enqueuedAt))
		default:
			kept = append(kept, entry)
		}
	}

	q.entries = kept
	stats.Remaining = len(kept)

	return stats
}
