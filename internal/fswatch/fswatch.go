// Package fswatch maintains long-running filesystem watch sessions over the
// source and override roots and exposes their coalesced events through a
// bounded Poll call.
package fswatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sawamura-io/ssmerge/internal/pathutil"
	"github.com/sawamura-io/ssmerge/internal/procs"
	"github.com/sawamura-io/ssmerge/internal/volumes"
)

// PollOutcome classifies one Poll call.
type PollOutcome int

const (
	// PollSuccess means at least one event was delivered.
	PollSuccess PollOutcome = iota
	// PollTimedOut means the timeout elapsed with no events ready.
	PollTimedOut
	// PollToolNotFound means a session start failed because the watch
	// binary is absent.
	PollToolNotFound
	// PollCommandFailed means a session start failed for another reason.
	PollCommandFailed
)

// String implements fmt.Stringer.
func (o PollOutcome) String() string {
	switch o {
	case PollSuccess:
		return "success"
	case PollTimedOut:
		return "timed_out"
	case PollToolNotFound:
		return "tool_not_found"
	case PollCommandFailed:
		return "command_failed"
	default:
		return "unknown"
	}
}

// PollResult carries the drained events and warnings of one Poll.
type PollResult struct {
	Outcome  PollOutcome
	Events   []Event
	Warnings []string
}

// StartupMode selects how sessions cover the watch roots.
type StartupMode int

const (
	// ModeFull starts one recursive session per root.
	ModeFull StartupMode = iota
	// ModeProgressive starts shallow sessions per root and grows deep
	// sessions for child directories a few per poll.
	ModeProgressive
)

// ModeFromString maps the configuration value onto a StartupMode.
func ModeFromString(s string) StartupMode {
	if s == "progressive" {
		return ModeProgressive
	}

	return ModeFull
}

// Backend selects the watch implementation.
type Backend int

const (
	// BackendInotifywait shells out to one inotifywait per session.
	BackendInotifywait Backend = iota
	// BackendFsnotify watches in-process; used when the binary is absent
	// and the fallback is enabled.
	BackendFsnotify
)

// PickBackend returns the fsnotify fallback when inotifywait is missing
// from PATH and the fallback is allowed; otherwise the inotifywait backend.
func PickBackend(allowFallback bool) Backend {
	if _, err := exec.LookPath("inotifywait"); err != nil && allowFallback {
		return BackendFsnotify
	}

	return BackendInotifywait
}

type startFunc func(path string, recursive bool, wake func()) (stream, error)

type session struct {
	key       string
	path      string
	recursive bool
	stream    stream
}

// Config configures NewMonitor.
type Config struct {
	Mode    StartupMode
	Backend Backend
	// StartCooldown delays session restart after a failed start or an
	// unexpected exit. Defaults to 5s.
	StartCooldown time.Duration
	// MaxDeepStartsPerPoll bounds progressive deep-session starts per
	// Poll. Defaults to 3.
	MaxDeepStartsPerPoll int
	// Logger receives session lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Monitor owns the watch sessions. One Poll drains every session queue; the
// caller decides what the events mean.
type Monitor struct {
	logger        *slog.Logger
	mode          StartupMode
	start         startFunc
	cooldown      time.Duration
	maxDeepStarts int
	now           func() time.Time

	wakeCh chan struct{}

	mu          sync.Mutex
	sessions    map[string]*session
	retryAt     map[string]time.Time
	roots       map[string]struct{}
	seeded      map[string]struct{}
	pendingDeep []string
	deepSeen    map[string]struct{}
}

// NewMonitor builds a Monitor for the configured backend.
func NewMonitor(cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cooldown := cfg.StartCooldown
	if cooldown <= 0 {
		cooldown = 5 * time.Second
	}

	maxDeep := cfg.MaxDeepStartsPerPoll
	if maxDeep <= 0 {
		maxDeep = 3
	}

	start := startInotifyStream
	if cfg.Backend == BackendFsnotify {
		start = startFsnotifyStream
	}

	return &Monitor{
		logger:        logger,
		mode:          cfg.Mode,
		start:         start,
		cooldown:      cooldown,
		maxDeepStarts: maxDeep,
		now:           time.Now,
		wakeCh:        make(chan struct{}, 1),
		sessions:      make(map[string]*session),
		retryAt:       make(map[string]time.Time),
		seeded:        make(map[string]struct{}),
		deepSeen:      make(map[string]struct{}),
	}
}

// Poll reconciles sessions against watchRoots, drains queued events and,
// when none are ready, blocks up to timeout for the first arrival.
func (m *Monitor) Poll(ctx context.Context, watchRoots []string, timeout time.Duration) PollResult {
	var result PollResult

	toolMissing, startFailed, syncWarnings := m.syncSessions(watchRoots)
	result.Warnings = append(result.Warnings, syncWarnings...)

	events, warnings := m.drainAll()
	result.Warnings = append(result.Warnings, warnings...)

	if len(events) == 0 && !toolMissing && !startFailed && timeout > 0 {
		// Clear a wake left over from an earlier drain, then re-drain to
		// close the race before blocking.
		select {
		case <-m.wakeCh:
		default:
		}

		events, warnings = m.drainAll()
		result.Warnings = append(result.Warnings, warnings...)

		if len(events) == 0 {
			timer := time.NewTimer(timeout)

			select {
			case <-ctx.Done():
			case <-timer.C:
			case <-m.wakeCh:
				events, warnings = m.drainAll()
				result.Warnings = append(result.Warnings, warnings...)
			}

			timer.Stop()
		}
	}

	m.noteDeepRoots(events)

	result.Events = events

	switch {
	case toolMissing:
		result.Outcome = PollToolNotFound
	case startFailed:
		result.Outcome = PollCommandFailed
	case len(events) > 0:
		result.Outcome = PollSuccess
	default:
		result.Outcome = PollTimedOut
	}

	return result
}

// Close disposes every session.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, sess := range m.sessions {
		sess.stream.Close()
		delete(m.sessions, key)
	}
}

func (m *Monitor) signal() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// syncSessions reaps dead sessions, disposes undesired ones, ensures root
// sessions and starts a bounded number of pending deep sessions.
func (m *Monitor) syncSessions(watchRoots []string) (toolMissing, startFailed bool, warnings []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	roots := make(map[string]struct{}, len(watchRoots))
	for _, root := range watchRoots {
		roots[pathutil.Normalize(root)] = struct{}{}
	}

	m.roots = roots

	for key, sess := range m.sessions {
		if sess.stream.Alive() {
			continue
		}

		sess.stream.Close()
		delete(m.sessions, key)
		m.retryAt[key] = now.Add(m.cooldown)

		warnings = append(warnings, "watch session exited: "+key)
		m.logger.Warn("watch.session.exited", slog.String("key", key))

		// A dead deep session goes back on the queue while its directory
		// still exists.
		if m.mode == ModeProgressive && sess.recursive {
			if _, isRoot := roots[sess.path]; !isRoot {
				if info, statErr := os.Stat(sess.path); statErr == nil && info.IsDir() {
					m.pendingDeep = append(m.pendingDeep, sess.path)
				} else {
					delete(m.deepSeen, sess.path)
				}
			}
		}
	}

	for key, sess := range m.sessions {
		if m.desiredLocked(roots, sess) {
			continue
		}

		sess.stream.Close()
		delete(m.sessions, key)
		delete(m.deepSeen, sess.path)
		m.logger.Debug("watch.session.disposed", slog.String("key", key))
	}

	for root := range roots {
		key, recursive := "r:"+root, true
		if m.mode == ModeProgressive {
			key, recursive = "s:"+root, false
		}

		missing, failed, warning := m.ensureLocked(now, key, root, recursive)
		toolMissing = toolMissing || missing
		startFailed = startFailed || failed

		if warning != "" {
			warnings = append(warnings, warning)
		}

		if m.mode == ModeProgressive {
			warnings = append(warnings, m.seedPendingLocked(root)...)
		}
	}

	if m.mode == ModeProgressive {
		missing, failed, deepWarnings := m.startPendingDeepLocked(now)
		toolMissing = toolMissing || missing
		startFailed = startFailed || failed
		warnings = append(warnings, deepWarnings...)
	}

	return toolMissing, startFailed, warnings
}

// ensureLocked starts the session for key unless it is running or cooling
// down after a recent failure.
func (m *Monitor) ensureLocked(now time.Time, key, path string, recursive bool) (toolMissing, startFailed bool, warning string) {
	if _, exists := m.sessions[key]; exists {
		return false, false, ""
	}

	if until, cooling := m.retryAt[key]; cooling && now.Before(until) {
		return false, false, ""
	}

	strm, startErr := m.start(path, recursive, m.signal)
	if startErr != nil {
		m.retryAt[key] = now.Add(m.cooldown)

		m.logger.Warn("watch.session.start_failed",
			slog.String("key", key),
			slog.String("error", startErr.Error()))

		if procs.IsToolNotFound(startErr) {
			return true, false, fmt.Sprintf("start watch %s: %v", key, startErr)
		}

		return false, true, fmt.Sprintf("start watch %s: %v", key, startErr)
	}

	delete(m.retryAt, key)
	m.sessions[key] = &session{key: key, path: path, recursive: recursive, stream: strm}
	m.logger.Debug("watch.session.started", slog.String("key", key))

	return false, false, ""
}

// seedPendingLocked enqueues a root's direct child directories as deep-watch
// candidates the first time the root is seen.
func (m *Monitor) seedPendingLocked(root string) []string {
	if _, done := m.seeded[root]; done {
		return nil
	}

	m.seeded[root] = struct{}{}

	names, warnings := volumes.SubdirNames(root)
	for _, name := range names {
		m.addPendingDeepLocked(filepath.Join(root, name))
	}

	return warnings
}

func (m *Monitor) addPendingDeepLocked(path string) {
	normalized := pathutil.Normalize(path)

	if _, seen := m.deepSeen[normalized]; seen {
		return
	}

	m.deepSeen[normalized] = struct{}{}
	m.pendingDeep = append(m.pendingDeep, normalized)
}

// startPendingDeepLocked starts queued deep sessions, attempting at most
// maxDeepStarts per poll. Candidates whose directory vanished are dropped.
func (m *Monitor) startPendingDeepLocked(now time.Time) (toolMissing, startFailed bool, warnings []string) {
	attempts := 0
	remaining := m.pendingDeep[:0]

	for i, path := range m.pendingDeep {
		if attempts >= m.maxDeepStarts {
			remaining = append(remaining, m.pendingDeep[i:]...)

			break
		}

		key := "r:" + path

		if _, exists := m.sessions[key]; exists {
			continue
		}

		if until, cooling := m.retryAt[key]; cooling && now.Before(until) {
			remaining = append(remaining, path)

			continue
		}

		if info, statErr := os.Stat(path); statErr != nil || !info.IsDir() {
			delete(m.deepSeen, path)

			continue
		}

		attempts++

		missing, failed, warning := m.ensureLocked(now, key, path, true)
		toolMissing = toolMissing || missing
		startFailed = startFailed || failed

		if warning != "" {
			warnings = append(warnings, warning)
			remaining = append(remaining, path)
		}
	}

	m.pendingDeep = remaining

	return toolMissing, startFailed, warnings
}

// desiredLocked reports whether a session still belongs to the requested
// root set.
func (m *Monitor) desiredLocked(roots map[string]struct{}, sess *session) bool {
	if m.mode == ModeFull {
		_, ok := roots[sess.path]

		return ok && sess.recursive
	}

	if !sess.recursive {
		_, ok := roots[sess.path]

		return ok
	}

	for root := range roots {
		if pathutil.IsStrictChild(root, sess.path) {
			return true
		}
	}

	return false
}

func (m *Monitor) drainAll() ([]Event, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		events   []Event
		warnings []string
	)

	for _, sess := range m.sessions {
		sessEvents, sessWarnings := sess.stream.Drain()
		events = append(events, sessEvents...)
		warnings = append(warnings, sessWarnings...)
	}

	return events, warnings
}

// noteDeepRoots enqueues directories referenced by shallow root events as
// new deep-watch candidates.
func (m *Monitor) noteDeepRoots(events []Event) {
	if m.mode != ModeProgressive {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, event := range events {
		if !event.IsDir() {
			continue
		}

		parent := pathutil.Normalize(filepath.Dir(event.Path))
		if _, isRoot := m.roots[parent]; isRoot {
			m.addPendingDeepLocked(event.Path)
		}
	}
}
