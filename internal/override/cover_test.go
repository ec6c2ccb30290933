package override

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeJpeg() []byte {
	return append(append([]byte{}, jpegMagic...), []byte("payload")...)
}

func fakePng(t *testing.T) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	return buf.Bytes()
}

func newCoverServer(t *testing.T, status int, body []byte, gotPath *string) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotPath != nil {
			*gotPath = r.URL.Path
		}

		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))

	t.Cleanup(server.Close)

	return server
}

func TestEnsureCoverJpgAlreadyExists(t *testing.T) {
	t.Parallel()

	preferred := t.TempDir()
	other := t.TempDir()

	existing := filepath.Join(other, CoverFileName)
	require.NoError(t, os.WriteFile(existing, fakeJpeg(), 0o644))

	svc := NewCoverService(CoverServiceConfig{BaseURL: "http://127.0.0.1:1/covers"})

	result := svc.EnsureCoverJpg(context.Background(), CoverRequest{
		PreferredDir:    preferred,
		AllOverrideDirs: []string{preferred, other},
		CoverKey:        "whatever.jpg",
	})

	assert.Equal(t, CoverAlreadyExists, result.Outcome)
	assert.Equal(t, existing, result.Path)
}

func TestEnsureCoverJpgDownloadsJpegVerbatim(t *testing.T) {
	t.Parallel()

	var gotPath string

	server := newCoverServer(t, http.StatusOK, fakeJpeg(), &gotPath)

	preferred := t.TempDir()

	svc := NewCoverService(CoverServiceConfig{BaseURL: server.URL + "/covers"})

	result := svc.EnsureCoverJpg(context.Background(), CoverRequest{
		PreferredDir:    preferred,
		AllOverrideDirs: []string{preferred},
		CoverKey:        "abc123.jpg",
	})

	require.Equal(t, CoverWrittenDownloadedJpeg, result.Outcome, "diagnostic: %s", result.Diagnostic)
	assert.Equal(t, "/covers/abc123.jpg", gotPath)

	written, readErr := os.ReadFile(result.Path)
	require.NoError(t, readErr)
	assert.Equal(t, fakeJpeg(), written)

	entries, readDirErr := os.ReadDir(preferred)
	require.NoError(t, readDirErr)
	require.Len(t, entries, 1, "temp files must be cleaned up")
	assert.Equal(t, CoverFileName, entries[0].Name())
}

func TestEnsureCoverJpgAbsoluteURI(t *testing.T) {
	t.Parallel()

	var gotPath string

	server := newCoverServer(t, http.StatusOK, fakeJpeg(), &gotPath)

	preferred := t.TempDir()

	// Base must be ignored for absolute keys.
	svc := NewCoverService(CoverServiceConfig{BaseURL: "http://127.0.0.1:1/other"})

	result := svc.EnsureCoverJpg(context.Background(), CoverRequest{
		PreferredDir:    preferred,
		AllOverrideDirs: []string{preferred},
		CoverKey:        server.URL + "/direct/key.jpg",
	})

	require.Equal(t, CoverWrittenDownloadedJpeg, result.Outcome, "diagnostic: %s", result.Diagnostic)
	assert.Equal(t, "/direct/key.jpg", gotPath)
}

func TestEnsureCoverJpgConvertsPng(t *testing.T) {
	t.Parallel()

	server := newCoverServer(t, http.StatusOK, fakePng(t), nil)

	preferred := t.TempDir()

	svc := NewCoverService(CoverServiceConfig{BaseURL: server.URL})

	result := svc.EnsureCoverJpg(context.Background(), CoverRequest{
		PreferredDir:    preferred,
		AllOverrideDirs: []string{preferred},
		CoverKey:        "art.png",
	})

	require.Equal(t, CoverWrittenConvertedJpeg, result.Outcome, "diagnostic: %s", result.Diagnostic)

	written, readErr := os.ReadFile(result.Path)
	require.NoError(t, readErr)
	assert.True(t, bytes.HasPrefix(written, jpegMagic), "converted payload must be JPEG")
}

func TestEnsureCoverJpgUnsupportedPayload(t *testing.T) {
	t.Parallel()

	server := newCoverServer(t, http.StatusOK, []byte("<html>not an image</html>"), nil)

	preferred := t.TempDir()

	svc := NewCoverService(CoverServiceConfig{BaseURL: server.URL})

	result := svc.EnsureCoverJpg(context.Background(), CoverRequest{
		PreferredDir:    preferred,
		AllOverrideDirs: []string{preferred},
		CoverKey:        "nope.bin",
	})

	assert.Equal(t, CoverUnsupportedImage, result.Outcome)
	assert.NoFileExists(t, filepath.Join(preferred, CoverFileName))
}

func TestEnsureCoverJpgDownloadFailures(t *testing.T) {
	t.Parallel()

	server := newCoverServer(t, http.StatusNotFound, nil, nil)

	preferred := t.TempDir()

	svc := NewCoverService(CoverServiceConfig{BaseURL: server.URL})

	notFound := svc.EnsureCoverJpg(context.Background(), CoverRequest{
		PreferredDir:    preferred,
		AllOverrideDirs: []string{preferred},
		CoverKey:        "gone.jpg",
	})

	assert.Equal(t, CoverDownloadFailed, notFound.Outcome)
	assert.Contains(t, notFound.Diagnostic, "http 404")

	empty := svc.EnsureCoverJpg(context.Background(), CoverRequest{
		PreferredDir:    preferred,
		AllOverrideDirs: []string{preferred},
		CoverKey:        "   ",
	})

	assert.Equal(t, CoverDownloadFailed, empty.Outcome)

	unreachable := NewCoverService(CoverServiceConfig{BaseURL: "http://127.0.0.1:1"})

	transport := unreachable.EnsureCoverJpg(context.Background(), CoverRequest{
		PreferredDir:    preferred,
		AllOverrideDirs: []string{preferred},
		CoverKey:        "x.jpg",
	})

	assert.Equal(t, CoverDownloadFailed, transport.Outcome)
}

func TestPlaceNonOverwritingRace(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	first, err := placeNonOverwriting(dir, CoverFileName, []byte("one"))
	require.NoError(t, err)

	second, err := placeNonOverwriting(dir, CoverFileName, []byte("two"))
	require.ErrorIs(t, err, ErrDestinationExists)
	assert.Equal(t, first, second)

	content, readErr := os.ReadFile(first)
	require.NoError(t, readErr)
	assert.Equal(t, "one", string(content), "existing artifact is never replaced")

	entries, readDirErr := os.ReadDir(dir)
	require.NoError(t, readDirErr)
	assert.Len(t, entries, 1, "losing temp file must be cleaned up")
}

func TestFindArtifactOrder(t *testing.T) {
	t.Parallel()

	a := t.TempDir()
	b := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(a, CoverFileName), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(b, CoverFileName), []byte("b"), 0o644))

	path, found := FindCover(b, []string{a, b})
	require.True(t, found)
	assert.Equal(t, filepath.Join(b, CoverFileName), path, "preferred dir wins")

	path, found = FindCover("", []string{a, b})
	require.True(t, found)
	assert.Equal(t, filepath.Join(a, CoverFileName), path)

	_, found = FindCover(t.TempDir(), nil)
	assert.False(t, found)
}
