package trigger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogCapture() (*slog.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	handler := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})

	return slog.New(handler), buf
}

func TestRenameQueueDeduplicatesByPath(t *testing.T) {
	t.Parallel()

	q := NewRenameQueue(RenameQueueConfig{MaxAge: time.Hour})

	now := time.Now()

	assert.True(t, q.Enqueue("/src/v/s/Title/ch1", now))
	assert.False(t, q.Enqueue("/src/v/s/Title/ch1", now.Add(time.Second)))
	assert.True(t, q.Enqueue("/src/v/s/Title/ch2", now))

	assert.Equal(t, 2, q.Len())
}

func TestRenameQueueSettlesVanishedPath(t *testing.T) {
	t.Parallel()

	logger, logs := newLogCapture()
	q := NewRenameQueue(RenameQueueConfig{MaxAge: time.Hour, Logger: logger})

	q.Enqueue(filepath.Join(t.TempDir(), "gone"), time.Now())

	stats := q.ProcessOnce(time.Now())

	assert.Equal(t, 1, stats.Settled)
	assert.Equal(t, 0, stats.Expired)
	assert.Equal(t, 0, stats.Remaining)
	assert.Equal(t, 0, q.Len())

	assert.Contains(t, logs.String(), "trigger.rename.settled")
	assert.Contains(t, logs.String(), "vanished=true")
}

func TestRenameQueueSettlesQuietDirectory(t *testing.T) {
	t.Parallel()

	q := NewRenameQueue(RenameQueueConfig{MaxAge: time.Hour, SettleWindow: 30 * time.Second})

	dir := t.TempDir()
	now := time.Now()

	q.Enqueue(dir, now)

	// Fresh modification time: the entry stays queued.
	stats := q.ProcessOnce(now)
	assert.Equal(t, 0, stats.Settled)
	assert.Equal(t, 1, stats.Remaining)

	// Once the quiet period passes, the entry settles.
	stats = q.ProcessOnce(now.Add(31 * time.Second))
	assert.Equal(t, 1, stats.Settled)
	assert.Equal(t, 0, stats.Remaining)
}

func TestRenameQueueExpiresStuckEntry(t *testing.T) {
	t.Parallel()

	logger, logs := newLogCapture()
	q := NewRenameQueue(RenameQueueConfig{
		MaxAge:       48 * time.Hour,
		SettleWindow: 30 * time.Second,
		Logger:       logger,
	})

	dir := t.TempDir()
	enqueuedAt := time.Now()
	processAt := enqueuedAt.Add(48 * time.Hour)

	// Keep the directory "busy" relative to the future clock so the settle
	// branch never fires and only the age check applies.
	require.NoError(t, os.Chtimes(dir, processAt, processAt))

	q.Enqueue(dir, enqueuedAt)

	stats := q.ProcessOnce(processAt)

	assert.Equal(t, 0, stats.Settled)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 0, stats.Remaining)

	assert.Contains(t, logs.String(), "trigger.rename.expired")
}

func TestRenameQueueProcessesInEnqueueOrder(t *testing.T) {
	t.Parallel()

	q := NewRenameQueue(RenameQueueConfig{MaxAge: time.Hour})

	base := t.TempDir()
	first := filepath.Join(base, "a")
	second := filepath.Join(base, "b")
	require.NoError(t, os.Mkdir(first, 0o755))
	require.NoError(t, os.Mkdir(second, 0o755))

	now := time.Now()
	q.Enqueue(first, now)
	q.Enqueue(second, now)

	// Both survive a fresh pass, stay deduplicated, and the queue length is
	// stable across repeated passes.
	for range 3 {
		stats := q.ProcessOnce(now)
		assert.Equal(t, 2, stats.Remaining)
	}
}
