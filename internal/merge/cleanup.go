package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/sawamura-io/ssmerge/internal/errkind"
)

// quarantineTimeFormat names quarantine directories sortably.
const quarantineTimeFormat = "20060102T150405Z"

// CleanupStats reports one residual cleanup sweep over the merged root.
type CleanupStats struct {
	RemovedEmptyDirectories  int
	MovedNonEmptyDirectories int

	// SkippedDueToActiveMounts is true when the sweep did not run because
	// managed mounts were still present.
	SkippedDueToActiveMounts bool
}

// CleanerConfig wires a Cleaner.
type CleanerConfig struct {
	// MergedRoot is the directory swept for residuals.
	MergedRoot string

	// QuarantineRoot receives relocated residual entries.
	QuarantineRoot string

	// Logger receives cleanup events. Defaults to slog.Default().
	Logger *slog.Logger

	// Now overrides the clock; used by tests. Defaults to time.Now.
	Now func() time.Time

	// NewGUID overrides quarantine name generation; used by tests.
	// Defaults to uuid.NewString.
	NewGUID func() string
}

// Cleaner quarantines whatever is left under the merged root once every
// managed mount is gone. Anything still there is residual data written
// while a mount was missing, and silently deleting it would lose chapters.
type Cleaner struct {
	mergedRoot     string
	quarantineRoot string
	logger         *slog.Logger
	now            func() time.Time
	newGUID        func() string
}

// NewCleaner builds a Cleaner.
func NewCleaner(cfg CleanerConfig) *Cleaner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	newGUID := cfg.NewGUID
	if newGUID == nil {
		newGUID = uuid.NewString
	}

	return &Cleaner{
		mergedRoot:     cfg.MergedRoot,
		quarantineRoot: cfg.QuarantineRoot,
		logger:         logger,
		now:            now,
		newGUID:        newGUID,
	}
}

// Run sweeps the merged root: empty directories are removed deepest-first,
// then every top-level entry still present is relocated into a fresh
// quarantine directory, by rename when possible and by copy-then-delete
// across filesystem boundaries. The sweep is best-effort; failures become
// warnings and never fail the merge pass.
func (c *Cleaner) Run(ctx context.Context, phase string, activeMounts int) CleanupStats {
	if activeMounts > 0 {
		c.logger.Debug("merge.cleanup.skipped",
			slog.String("reason", "active_mounts"),
			slog.Int("active_mounts", activeMounts))

		return CleanupStats{SkippedDueToActiveMounts: true}
	}

	var stats CleanupStats

	c.removeEmptyDirs(ctx, &stats)

	if ctx.Err() != nil {
		return stats
	}

	c.quarantineResiduals(ctx, phase, &stats)

	return stats
}

// removeEmptyDirs deletes empty directories under the merged root, children
// before parents so emptied subtrees collapse in one sweep.
func (c *Cleaner) removeEmptyDirs(ctx context.Context, stats *CleanupStats) {
	var dirs []string

	walkErr := filepath.WalkDir(c.mergedRoot, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if !os.IsNotExist(err) {
				c.logger.Warn("merge.cleanup.failed",
					slog.String("path", path),
					slog.String("error", err.Error()),
					slog.String("error_kind", errkind.ClassifyFilesystem(err).String()))
			}

			return nil
		}

		if entry.IsDir() && path != c.mergedRoot {
			dirs = append(dirs, path)
		}

		return nil
	})
	if walkErr != nil {
		c.logger.Warn("merge.cleanup.failed",
			slog.String("path", c.mergedRoot),
			slog.String("error", walkErr.Error()))

		return
	}

	// Reverse lexical order lists every directory before its parent.
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))

	for _, dir := range dirs {
		if ctx.Err() != nil {
			return
		}

		if removeErr := os.Remove(dir); removeErr == nil {
			stats.RemovedEmptyDirectories++

			c.logger.Debug("merge.cleanup.removed_empty", slog.String("path", dir))
		}
	}
}

// quarantineResiduals relocates every remaining top-level merged entry into
// a timestamped quarantine directory.
func (c *Cleaner) quarantineResiduals(ctx context.Context, phase string, stats *CleanupStats) {
	entries, readErr := os.ReadDir(c.mergedRoot)
	if readErr != nil {
		if !os.IsNotExist(readErr) {
			c.logger.Warn("merge.cleanup.failed",
				slog.String("path", c.mergedRoot),
				slog.String("error", readErr.Error()),
				slog.String("error_kind", errkind.ClassifyFilesystem(readErr).String()))
		}

		return
	}

	if len(entries) == 0 {
		return
	}

	quarantineDir := filepath.Join(c.quarantineRoot,
		fmt.Sprintf("%s_%s_%s", c.now().UTC().Format(quarantineTimeFormat), phase, c.newGUID()))

	if mkdirErr := os.MkdirAll(quarantineDir, 0o755); mkdirErr != nil {
		c.logger.Warn("merge.cleanup.failed",
			slog.String("path", quarantineDir),
			slog.String("error", mkdirErr.Error()),
			slog.String("error_kind", errkind.ClassifyFilesystem(mkdirErr).String()))

		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}

		src := filepath.Join(c.mergedRoot, entry.Name())
		dst := uniqueDestination(quarantineDir, entry.Name())

		mode, size, relocateErr := relocate(src, dst)
		if relocateErr != nil {
			c.logger.Warn("merge.cleanup.failed",
				slog.String("path", src),
				slog.String("error", relocateErr.Error()),
				slog.String("error_kind", errkind.ClassifyFilesystem(relocateErr).String()))

			continue
		}

		stats.MovedNonEmptyDirectories++

		c.logger.Warn("merge.cleanup",
			slog.String("path", src),
			slog.String("destination", dst),
			slog.String("relocation_mode", mode),
			slog.String("size", humanize.IBytes(uint64(size))),
			slog.String("phase", phase))
	}
}

// relocate moves src to dst, degrading to copy-then-delete when the rename
// crosses a filesystem boundary.
func relocate(src, dst string) (string, int64, error) {
	renameErr := os.Rename(src, dst)
	if renameErr == nil {
		return "move", treeSize(dst), nil
	}

	if !errors.Is(renameErr, syscall.EXDEV) {
		return "", 0, fmt.Errorf("move residual: %w", renameErr)
	}

	size, copyErr := copyTree(src, dst)
	if copyErr != nil {
		return "", 0, fmt.Errorf("copy residual: %w", copyErr)
	}

	if removeErr := os.RemoveAll(src); removeErr != nil {
		return "", 0, fmt.Errorf("remove residual source: %w", removeErr)
	}

	return "copy_delete", size, nil
}

// copyTree replicates src at dst (directories, regular files and symlinks)
// and returns the copied byte count.
func copyTree(src, dst string) (int64, error) {
	var total int64

	walkErr := filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}

		target := filepath.Join(dst, rel)

		info, infoErr := entry.Info()
		if infoErr != nil {
			return infoErr
		}

		switch {
		case entry.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&fs.ModeSymlink != 0:
			linkTarget, linkErr := os.Readlink(path)
			if linkErr != nil {
				return linkErr
			}

			return os.Symlink(linkTarget, target)
		default:
			copied, copyErr := copyFile(path, target, info.Mode().Perm())
			total += copied

			return copyErr
		}
	})
	if walkErr != nil {
		return total, walkErr
	}

	return total, nil
}

func copyFile(src, dst string, perm fs.FileMode) (int64, error) {
	in, openErr := os.Open(src)
	if openErr != nil {
		return 0, openErr
	}
	defer in.Close()

	out, createErr := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if createErr != nil {
		return 0, createErr
	}

	copied, copyErr := io.Copy(out, in)
	if copyErr != nil {
		out.Close()

		return copied, copyErr
	}

	return copied, out.Close()
}

// uniqueDestination appends _N to the name until it does not collide.
func uniqueDestination(dir, name string) string {
	candidate := filepath.Join(dir, name)

	for n := 1; ; n++ {
		if _, statErr := os.Lstat(candidate); os.IsNotExist(statErr) {
			return candidate
		}

		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d", name, n))
	}
}

// treeSize totals the regular-file bytes under path. Best-effort: errors
// produce a partial total.
func treeSize(path string) int64 {
	var total int64

	_ = filepath.WalkDir(path, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return nil
		}

		if info, infoErr := entry.Info(); infoErr == nil {
			total += info.Size()
		}

		return nil
	})

	return total
}
