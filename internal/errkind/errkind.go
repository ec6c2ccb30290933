// Package errkind classifies errors into the coarse kinds the daemon's
// outcome mapping cares about: transport, filesystem, process, cancellation,
// and the handful of conditions that must never be swallowed.
package errkind

import (
	"context"
	"errors"
	"io/fs"
	"runtime"
	"syscall"
)

// Kind is the coarse error classification used at component boundaries.
type Kind int

// Error kind constants.
const (
	KindUnknown Kind = iota
	KindConfiguration
	KindTransport
	KindCloudflare
	KindParse
	KindFilesystem
	KindProcess
	KindCancellation
	KindConflict
	KindFatal
)

// String returns the lowercase name of the kind for log attributes.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransport:
		return "transport"
	case KindCloudflare:
		return "cloudflare"
	case KindParse:
		return "parse"
	case KindFilesystem:
		return "filesystem"
	case KindProcess:
		return "process"
	case KindCancellation:
		return "cancellation"
	case KindConflict:
		return "conflict"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// FilesystemClass sub-classifies filesystem failures for operator-facing
// diagnostics.
type FilesystemClass int

// Filesystem failure classes.
const (
	FSClassIO FilesystemClass = iota
	FSClassPermission
	FSClassPath
)

// String returns the diagnostic label for the class.
func (c FilesystemClass) String() string {
	switch c {
	case FSClassPermission:
		return "permission"
	case FSClassPath:
		return "path"
	default:
		return "io"
	}
}

// ClassifyFilesystem maps a filesystem error to its diagnostic class.
// Unrecognized errors fall back to the I/O class.
func ClassifyFilesystem(err error) FilesystemClass {
	switch {
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES):
		return FSClassPermission
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrExist),
		errors.Is(err, syscall.ENOTDIR), errors.Is(err, syscall.ENAMETOOLONG):
		return FSClassPath
	default:
		return FSClassIO
	}
}

// IsCooperativeCancellation reports whether err is a cancellation that the
// caller asked for: the error chain carries a context error and ctx itself
// is done. Cancellations that arrive without the caller's token tripping are
// non-cooperative and must be downgraded by the caller.
func IsCooperativeCancellation(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}

	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	return ctx.Err() != nil
}

// IsFatal reports whether err belongs to the fatal set that propagates
// unchanged through every boundary. Go surfaces the conditions the daemon
// treats as fatal (out-of-memory, stack exhaustion, memory faults) as
// runtime errors or signals rather than recoverable error values, so the
// check covers the few that can appear as errors.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var runtimeErr runtime.Error
	if errors.As(err, &runtimeErr) {
		return true
	}

	return errors.Is(err, syscall.ENOMEM)
}
