// Package override maintains the per-title override artifacts cover.jpg and
// details.json: existence probes, download/convert/generate pipelines and
// atomic non-overwriting placement.
package override

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Artifact file names inside an override title directory.
const (
	CoverFileName   = "cover.jpg"
	DetailsFileName = "details.json"
)

// FindArtifact returns the first directory holding name: the preferred
// directory is checked first, then the remaining directories in caller
// order.
func FindArtifact(name, preferredDir string, allDirs []string) (string, bool) {
	seen := make(map[string]struct{}, len(allDirs)+1)

	ordered := make([]string, 0, len(allDirs)+1)
	if preferredDir != "" {
		ordered = append(ordered, preferredDir)
	}

	ordered = append(ordered, allDirs...)

	for _, dir := range ordered {
		if dir == "" {
			continue
		}

		if _, dup := seen[dir]; dup {
			continue
		}

		seen[dir] = struct{}{}

		candidate := filepath.Join(dir, name)

		info, statErr := os.Stat(candidate)
		if statErr == nil && info.Mode().IsRegular() {
			return candidate, true
		}
	}

	return "", false
}

// FindCover locates an existing cover.jpg.
func FindCover(preferredDir string, allDirs []string) (string, bool) {
	return FindArtifact(CoverFileName, preferredDir, allDirs)
}

// FindDetails locates an existing details.json.
func FindDetails(preferredDir string, allDirs []string) (string, bool) {
	return FindArtifact(DetailsFileName, preferredDir, allDirs)
}

// ErrDestinationExists reports a non-overwriting place losing the race.
var ErrDestinationExists = errors.New("destination already exists")

// placeNonOverwriting writes data to <dir>/<name> atomically without ever
// replacing an existing destination: the payload goes to a unique temp file
// in the same directory, then a hard link publishes it. The temp file is
// removed on every exit path.
func placeNonOverwriting(dir, name string, data []byte) (string, error) {
	tmpName := filepath.Join(dir, fmt.Sprintf("%s.%s.tmp", name, randomHex(8)))

	writeErr := os.WriteFile(tmpName, data, 0o644)
	if writeErr != nil {
		return "", fmt.Errorf("write temp artifact: %w", writeErr)
	}

	defer func() { _ = os.Remove(tmpName) }()

	dest := filepath.Join(dir, name)

	linkErr := os.Link(tmpName, dest)
	if linkErr != nil {
		if errors.Is(linkErr, fs.ErrExist) {
			return dest, ErrDestinationExists
		}

		return "", fmt.Errorf("place artifact: %w", linkErr)
	}

	return dest, nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)

	return hex.EncodeToString(buf)
}
