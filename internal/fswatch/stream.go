package fswatch

import (
	"bufio"
	"fmt"
	"strings"
	"sync"

	"github.com/sawamura-io/ssmerge/internal/procs"
)

// watchEventList is the fixed inotify mask every session subscribes to.
const watchEventList = "create,moved_to,close_write,attrib,delete,moved_from"

// maxQueuedEvents bounds one session's backlog between polls; a mass rename
// beyond this drops events and reports the count as a warning.
const maxQueuedEvents = 16384

// Event is one typed filesystem notification.
type Event struct {
	// Path is the absolute path the event refers to.
	Path string
	// Mask is the comma-joined inotify event list, e.g. "CREATE,ISDIR".
	Mask string
}

// IsDir reports whether the event refers to a directory.
func (e Event) IsDir() bool {
	return strings.Contains(e.Mask, "ISDIR")
}

// stream is one live watch session delivering into drainable queues.
type stream interface {
	Drain() ([]Event, []string)
	Alive() bool
	Close()
}

// eventQueue is the lock-protected event/warning buffer shared by both
// stream backends. wake is signalled after each enqueue so a blocked Poll
// can return early.
type eventQueue struct {
	mu       sync.Mutex
	events   []Event
	warnings []string
	dropped  int

	wake func()
}

func (q *eventQueue) pushEvent(e Event) {
	q.mu.Lock()

	if len(q.events) >= maxQueuedEvents {
		q.dropped++
		q.mu.Unlock()

		return
	}

	q.events = append(q.events, e)
	q.mu.Unlock()

	if q.wake != nil {
		q.wake()
	}
}

func (q *eventQueue) pushWarning(w string) {
	q.mu.Lock()
	q.warnings = append(q.warnings, w)
	q.mu.Unlock()
}

func (q *eventQueue) drain() ([]Event, []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	events := q.events
	warnings := q.warnings

	if q.dropped > 0 {
		warnings = append(warnings,
			fmt.Sprintf("event queue overflow: dropped %d events", q.dropped))
		q.dropped = 0
	}

	q.events = nil
	q.warnings = nil

	return events, warnings
}

// inotifyStream runs one long-lived `inotifywait -m` and parses its output
// into the queue. The --format keeps the mask first so paths containing the
// separator still parse.
type inotifyStream struct {
	queue eventQueue
	proc  *procs.Session
}

func startInotifyStream(path string, recursive bool, wake func()) (stream, error) {
	args := []string{"-m", "-q"}
	if recursive {
		args = append(args, "-r")
	}

	args = append(args, "-e", watchEventList, "--format", "%e|%w%f", "--", path)

	proc, err := procs.StartSession(procs.Spec{Tool: "inotifywait", Args: args})
	if err != nil {
		return nil, err
	}

	s := &inotifyStream{proc: proc}
	s.queue.wake = wake

	go s.readEvents()
	go s.readWarnings()

	return s, nil
}

func (s *inotifyStream) readEvents() {
	scanner := bufio.NewScanner(s.proc.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		mask, path, ok := strings.Cut(line, "|")
		if !ok || path == "" {
			s.queue.pushWarning("unparseable inotifywait line: " + line)

			continue
		}

		s.queue.pushEvent(Event{Path: path, Mask: mask})
	}
}

func (s *inotifyStream) readWarnings() {
	scanner := bufio.NewScanner(s.proc.Stderr())

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			s.queue.pushWarning("inotifywait: " + line)
		}
	}
}

func (s *inotifyStream) Drain() ([]Event, []string) { return s.queue.drain() }

func (s *inotifyStream) Alive() bool { return !s.proc.Exited() }

func (s *inotifyStream) Close() { s.proc.Close() }
