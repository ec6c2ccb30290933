package mounts

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sawamura-io/ssmerge/internal/pathutil"
	"github.com/sawamura-io/ssmerge/internal/procs"
)

// mergerfsFSType is the fstype findmnt reports for mergerfs mounts.
const mergerfsFSType = "fuse.mergerfs"

const findmntTool = "findmnt"

// scanner buffer bounds for findmnt output; branch strings can make the
// OPTIONS column very long.
const (
	findmntScanBuffer  = 64 * 1024
	findmntScanMaxLine = 1024 * 1024
)

// Entry is one parsed findmnt line.
type Entry struct {
	Target  string
	FSType  string
	Source  string
	Options string
}

// Identity returns the fsname token stamped at mount time. FUSE surfaces
// fsname as the mount source, so the options string is checked first and the
// source column second.
func (e Entry) Identity() string {
	if value, found := OptionValue(e.Options, "fsname"); found {
		return value
	}

	return e.Source
}

// ParseLine parses one `findmnt -P` line of KEY="value" pairs. TARGET and
// FSTYPE are required; SOURCE and OPTIONS are optional.
func ParseLine(line string) (Entry, error) {
	fields, parseErr := parsePairs(line)
	if parseErr != nil {
		return Entry{}, parseErr
	}

	target, hasTarget := fields["TARGET"]
	fstype, hasType := fields["FSTYPE"]

	if !hasTarget || !hasType {
		return Entry{}, fmt.Errorf("missing TARGET or FSTYPE in %q", line)
	}

	return Entry{
		Target:  target,
		FSType:  fstype,
		Source:  fields["SOURCE"],
		Options: fields["OPTIONS"],
	}, nil
}

// parsePairs splits KEY="value" tokens. A double quote terminates a value
// only when preceded by an even number of backslashes; an odd run means the
// quote itself is escaped.
func parsePairs(line string) (map[string]string, error) {
	fields := make(map[string]string, 4)

	i := 0
	for i < len(line) {
		for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
			i++
		}

		if i >= len(line) {
			break
		}

		eq := strings.IndexByte(line[i:], '=')
		if eq < 0 {
			return nil, fmt.Errorf("token without '=' at offset %d", i)
		}

		key := line[i : i+eq]
		if key == "" || strings.ContainsAny(key, " \t\"") {
			return nil, fmt.Errorf("malformed key %q", key)
		}

		i += eq + 1

		if i >= len(line) || line[i] != '"' {
			return nil, fmt.Errorf("unquoted value for %s", key)
		}

		i++
		start := i
		end := -1
		backslashes := 0

		for i < len(line) {
			switch line[i] {
			case '\\':
				backslashes++
				i++

				continue
			case '"':
				if backslashes%2 == 0 {
					end = i
				}
			}

			if end >= 0 {
				break
			}

			backslashes = 0
			i++
		}

		if end < 0 {
			return nil, fmt.Errorf("unterminated value for %s", key)
		}

		fields[key] = decodeEscapes(line[start:end])
		i = end + 1
	}

	return fields, nil
}

// decodeEscapes expands the escapes findmnt emits: octal \NNN (up to three
// digits), hex \xNN, and the named set \n \r \t \\ \". Unrecognized escapes
// pass through verbatim.
func decodeEscapes(raw string) string {
	var b strings.Builder

	b.Grow(len(raw))

	for i := 0; i < len(raw); {
		c := raw[i]
		if c != '\\' || i+1 >= len(raw) {
			b.WriteByte(c)
			i++

			continue
		}

		next := raw[i+1]

		switch {
		case next == 'x' && i+3 < len(raw) && isHexDigit(raw[i+2]) && isHexDigit(raw[i+3]):
			b.WriteByte(hexValue(raw[i+2])<<4 | hexValue(raw[i+3]))

			i += 4
		case next >= '0' && next <= '7':
			value := byte(0)
			j := i + 1

			for j < len(raw) && j < i+4 && raw[j] >= '0' && raw[j] <= '7' {
				value = value<<3 | (raw[j] - '0')
				j++
			}

			b.WriteByte(value)

			i = j
		case next == 'n':
			b.WriteByte('\n')

			i += 2
		case next == 'r':
			b.WriteByte('\r')

			i += 2
		case next == 't':
			b.WriteByte('\t')

			i += 2
		case next == '\\', next == '"':
			b.WriteByte(next)

			i += 2
		default:
			b.WriteByte('\\')
			b.WriteByte(next)

			i += 2
		}
	}

	return b.String()
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexValue(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

// OptionValue extracts one key=value token from a mount option string.
func OptionValue(options, key string) (string, bool) {
	prefix := key + "="

	for _, token := range strings.Split(options, ",") {
		if value, found := strings.CutPrefix(token, prefix); found {
			return value, true
		}
	}

	return "", false
}

// ManagedMounts filters a snapshot down to the mergerfs mounts living
// strictly under the merged root. Everything else on the host is ignored.
func ManagedMounts(entries []Entry, mergedRoot string) []Entry {
	managed := make([]Entry, 0, len(entries))

	for _, entry := range entries {
		if entry.FSType != mergerfsFSType {
			continue
		}

		if !pathutil.IsStrictChild(mergedRoot, entry.Target) {
			continue
		}

		managed = append(managed, entry)
	}

	return managed
}

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	// Runner launches findmnt. Nil uses ExecRunner.
	Runner procs.Runner

	// Timeout bounds the invocation.
	Timeout time.Duration

	Logger *slog.Logger
}

// Reader snapshots the mount table through findmnt.
type Reader struct {
	runner  procs.Runner
	timeout time.Duration
	logger  *slog.Logger
}

// NewReader builds a Reader.
func NewReader(cfg ReaderConfig) *Reader {
	runner := cfg.Runner
	if runner == nil {
		runner = procs.ExecRunner{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Reader{runner: runner, timeout: cfg.Timeout, logger: logger}
}

// Snapshot lists the current mount table. Malformed lines are logged and
// dropped rather than failing the snapshot.
func (r *Reader) Snapshot(ctx context.Context) ([]Entry, error) {
	spec := procs.Spec{
		Tool:    findmntTool,
		Args:    []string{"-P", "-o", "TARGET,SOURCE,FSTYPE,OPTIONS"},
		Timeout: r.timeout,
	}

	result := r.runner.Run(ctx, spec)

	switch result.Outcome {
	case procs.OutcomeSuccess:
	case procs.OutcomeCancelled:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("findmnt interrupted: %w", result.Err)
	default:
		return nil, fmt.Errorf("findmnt %s: %s", result.Outcome, diagnostic(result))
	}

	var entries []Entry

	scanner := bufio.NewScanner(strings.NewReader(result.Stdout))
	scanner.Buffer(make([]byte, 0, findmntScanBuffer), findmntScanMaxLine)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		entry, parseErr := ParseLine(line)
		if parseErr != nil {
			r.logger.Warn("mounts.findmnt.malformed_line",
				slog.String("line", procs.Snippet(line)),
				slog.String("error", parseErr.Error()))

			continue
		}

		entries = append(entries, entry)
	}

	if scanErr := scanner.Err(); scanErr != nil {
		return entries, fmt.Errorf("scan findmnt output: %w", scanErr)
	}

	return entries, nil
}
