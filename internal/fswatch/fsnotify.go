package fswatch

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// fsnotifyStream is the in-process fallback backend used when the
// inotifywait binary is unavailable. Recursion is emulated by adding every
// subdirectory, including ones created while watching.
type fsnotifyStream struct {
	queue     eventQueue
	watcher   *fsnotify.Watcher
	recursive bool
	done      chan struct{}
}

func startFsnotifyStream(path string, recursive bool, wake func()) (stream, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	s := &fsnotifyStream{
		watcher:   watcher,
		recursive: recursive,
		done:      make(chan struct{}),
	}
	s.queue.wake = wake

	addErr := s.addTree(path)
	if addErr != nil {
		_ = watcher.Close()

		return nil, addErr
	}

	go s.run()

	return s, nil
}

// addTree registers path and, for recursive sessions, every directory below
// it. Unreadable subtrees degrade to warnings.
func (s *fsnotifyStream) addTree(root string) error {
	addErr := s.watcher.Add(root)
	if addErr != nil {
		return addErr
	}

	if !s.recursive {
		return nil
	}

	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			s.queue.pushWarning("watch walk: " + err.Error())

			return fs.SkipDir
		}

		if !d.IsDir() || p == root {
			return nil
		}

		if addErr := s.watcher.Add(p); addErr != nil {
			s.queue.pushWarning("watch add: " + addErr.Error())
		}

		return nil
	})
	if walkErr != nil {
		s.queue.pushWarning("watch walk: " + walkErr.Error())
	}

	return nil
}

func (s *fsnotifyStream) run() {
	defer close(s.done)

	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}

			s.handle(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}

			s.queue.pushWarning("fsnotify: " + err.Error())
		}
	}
}

func (s *fsnotifyStream) handle(ev fsnotify.Event) {
	mask := maskFromOp(ev.Op)

	isDir := false
	if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Chmod) {
		info, statErr := os.Stat(ev.Name)
		isDir = statErr == nil && info.IsDir()
	}

	if isDir {
		mask += ",ISDIR"

		if s.recursive && ev.Op.Has(fsnotify.Create) {
			if addErr := s.addTree(ev.Name); addErr != nil {
				s.queue.pushWarning("watch add: " + addErr.Error())
			}
		}
	}

	s.queue.pushEvent(Event{Path: ev.Name, Mask: mask})
}

// maskFromOp maps fsnotify ops onto the inotifywait mask vocabulary so the
// trigger pipeline never cares which backend produced an event.
func maskFromOp(op fsnotify.Op) string {
	var parts []string

	if op.Has(fsnotify.Create) {
		parts = append(parts, "CREATE")
	}

	if op.Has(fsnotify.Write) {
		parts = append(parts, "CLOSE_WRITE")
	}

	if op.Has(fsnotify.Remove) {
		parts = append(parts, "DELETE")
	}

	if op.Has(fsnotify.Rename) {
		parts = append(parts, "MOVED_FROM")
	}

	if op.Has(fsnotify.Chmod) {
		parts = append(parts, "ATTRIB")
	}

	if len(parts) == 0 {
		return "UNKNOWN"
	}

	return strings.Join(parts, ",")
}

func (s *fsnotifyStream) Drain() ([]Event, []string) { return s.queue.drain() }

func (s *fsnotifyStream) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *fsnotifyStream) Close() {
	_ = s.watcher.Close()
	<-s.done
}
