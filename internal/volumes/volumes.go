// Package volumes enumerates the per-backing-disk child directories under a
// sources or override root.
package volumes

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Volume is one backing directory directly under a discovery root.
type Volume struct {
	// Name is the directory name, used as the volume label.
	Name string

	// Path is the absolute path of the volume directory.
	Path string
}

// Discover lists the child directories of root in name order. Failures are
// non-fatal: a missing or unreadable root yields no volumes plus a warning,
// and unreadable entries are skipped with a warning each.
func Discover(root string) ([]Volume, []string) {
	var warnings []string

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			warnings = append(warnings, fmt.Sprintf("volume root %s does not exist", root))
		} else {
			warnings = append(warnings, fmt.Sprintf("enumerate volume root %s: %v", root, err))
		}

		return nil, warnings
	}

	discovered := make([]Volume, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		if !entry.IsDir() {
			// Symlinked volumes are common in container layouts; resolve
			// through the link before deciding this is not a directory.
			info, statErr := os.Stat(filepath.Join(root, name))
			if statErr != nil || !info.IsDir() {
				continue
			}
		}

		discovered = append(discovered, Volume{
			Name: name,
			Path: filepath.Join(root, name),
		})
	}

	sort.Slice(discovered, func(i, j int) bool { return discovered[i].Name < discovered[j].Name })

	return discovered, warnings
}

// SubdirNames lists child directory names of dir in name order, with
// non-fatal warnings. Used for per-volume source and title enumeration.
func SubdirNames(dir string) ([]string, []string) {
	var warnings []string

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			warnings = append(warnings, fmt.Sprintf("enumerate %s: %v", dir, err))
		}

		return nil, warnings
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		names = append(names, entry.Name())
	}

	sort.Strings(names)

	return names, warnings
}
