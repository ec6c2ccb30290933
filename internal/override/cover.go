package override

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sawamura-io/ssmerge/internal/errkind"
)

// CoverOutcome classifies a single EnsureCoverJpg run.
type CoverOutcome int

const (
	CoverAlreadyExists CoverOutcome = iota
	CoverWrittenDownloadedJpeg
	CoverWrittenConvertedJpeg
	CoverDownloadFailed
	CoverUnsupportedImage
	CoverWriteFailed
)

func (o CoverOutcome) String() string {
	switch o {
	case CoverAlreadyExists:
		return "already_exists"
	case CoverWrittenDownloadedJpeg:
		return "written_downloaded_jpeg"
	case CoverWrittenConvertedJpeg:
		return "written_converted_jpeg"
	case CoverDownloadFailed:
		return "download_failed"
	case CoverUnsupportedImage:
		return "unsupported_image"
	case CoverWriteFailed:
		return "write_failed"
	default:
		return "unknown"
	}
}

// Written reports whether the run produced a new cover.jpg.
func (o CoverOutcome) Written() bool {
	return o == CoverWrittenDownloadedJpeg || o == CoverWrittenConvertedJpeg
}

const (
	maxCoverBytes      = 32 << 20
	coverJpegQuality   = 90
	defaultCoverClient = 30 * time.Second
)

// jpegMagic is the JPEG start-of-image marker.
var jpegMagic = []byte{0xFF, 0xD8, 0xFF}

// CoverRequest names the artifact placement and the image to fetch.
type CoverRequest struct {
	// PreferredDir is the override title directory new artifacts land in.
	PreferredDir string

	// AllOverrideDirs lists every candidate override title directory for
	// the group, used for the existence probe.
	AllOverrideDirs []string

	// CoverKey is either an absolute http(s) URI or a key resolved
	// against the configured cover base.
	CoverKey string
}

// CoverResult reports the outcome and, when an artifact exists or was
// written, its path.
type CoverResult struct {
	Outcome    CoverOutcome
	Path       string
	Diagnostic string
	FsClass    errkind.FilesystemClass
}

// CoverServiceConfig configures a CoverService.
type CoverServiceConfig struct {
	// BaseURL is the cover host relative keys resolve against.
	BaseURL string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// CoverService downloads cover images and places them as override
// artifacts. Downloads that are already JPEG are written verbatim; PNG and
// GIF payloads are re-encoded.
type CoverService struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

// NewCoverService builds a CoverService. The base URL is normalized to a
// trailing slash so relative keys join cleanly.
func NewCoverService(cfg CoverServiceConfig) *CoverService {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultCoverClient}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	if base != "" {
		base += "/"
	}

	return &CoverService{base: base, http: client, logger: logger}
}

// EnsureCoverJpg makes cover.jpg exist for the title. Concurrent writers
// are tolerated: losing the placement race reports CoverAlreadyExists.
func (s *CoverService) EnsureCoverJpg(ctx context.Context, req CoverRequest) CoverResult {
	if path, exists := FindCover(req.PreferredDir, req.AllOverrideDirs); exists {
		return CoverResult{Outcome: CoverAlreadyExists, Path: path}
	}

	target, resolveErr := s.resolveURI(req.CoverKey)
	if resolveErr != nil {
		return CoverResult{Outcome: CoverDownloadFailed, Diagnostic: resolveErr.Error()}
	}

	if mkdirErr := os.MkdirAll(req.PreferredDir, 0o755); mkdirErr != nil {
		return CoverResult{
			Outcome:    CoverWriteFailed,
			Diagnostic: fmt.Sprintf("create override dir: %v", mkdirErr),
			FsClass:    errkind.ClassifyFilesystem(mkdirErr),
		}
	}

	payload, downloadErr := s.download(ctx, target)
	if downloadErr != nil {
		return CoverResult{Outcome: CoverDownloadFailed, Diagnostic: downloadErr.Error()}
	}

	outcome := CoverWrittenDownloadedJpeg

	if !bytes.HasPrefix(payload, jpegMagic) {
		converted, convertErr := convertToJpeg(payload)
		if convertErr != nil {
			return CoverResult{Outcome: CoverUnsupportedImage, Diagnostic: convertErr.Error()}
		}

		payload = converted
		outcome = CoverWrittenConvertedJpeg
	}

	dest, placeErr := placeNonOverwriting(req.PreferredDir, CoverFileName, payload)
	if placeErr != nil {
		if errors.Is(placeErr, ErrDestinationExists) {
			return CoverResult{Outcome: CoverAlreadyExists, Path: dest}
		}

		return CoverResult{
			Outcome:    CoverWriteFailed,
			Diagnostic: placeErr.Error(),
			FsClass:    errkind.ClassifyFilesystem(placeErr),
		}
	}

	s.logger.Debug("event",
		slog.String("event_id", "override.cover.written"),
		slog.String("path", dest),
		slog.String("mode", outcome.String()))

	return CoverResult{Outcome: outcome, Path: dest}
}

// resolveURI turns a cover key into a fetchable URL. Absolute http(s) keys
// pass through untouched; anything else joins the configured base.
func (s *CoverService) resolveURI(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("empty cover key")
	}

	if strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://") {
		if _, parseErr := url.Parse(key); parseErr != nil {
			return "", fmt.Errorf("parse cover uri: %w", parseErr)
		}

		return key, nil
	}

	if s.base == "" {
		return "", errors.New("relative cover key without a cover base")
	}

	return s.base + strings.TrimLeft(key, "/"), nil
}

func (s *CoverService) download(ctx context.Context, target string) ([]byte, error) {
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if reqErr != nil {
		return nil, fmt.Errorf("build cover request: %w", reqErr)
	}

	resp, doErr := s.http.Do(req)
	if doErr != nil {
		return nil, fmt.Errorf("download cover: %w", doErr)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("download cover: http %d", resp.StatusCode)
	}

	payload, readErr := io.ReadAll(io.LimitReader(resp.Body, maxCoverBytes))
	if readErr != nil {
		return nil, fmt.Errorf("read cover body: %w", readErr)
	}

	if len(payload) == 0 {
		return nil, errors.New("empty cover body")
	}

	return payload, nil
}

// convertToJpeg decodes a non-JPEG payload and re-encodes it as JPEG.
func convertToJpeg(payload []byte) ([]byte, error) {
	img, format, decodeErr := image.Decode(bytes.NewReader(payload))
	if decodeErr != nil {
		return nil, fmt.Errorf("decode image: %w", decodeErr)
	}

	var buf bytes.Buffer

	if encodeErr := jpeg.Encode(&buf, img, &jpeg.Options{Quality: coverJpegQuality}); encodeErr != nil {
		return nil, fmt.Errorf("encode %s as jpeg: %w", format, encodeErr)
	}

	return buf.Bytes(), nil
}
