package override

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sawamura-io/ssmerge/internal/comick"
	"github.com/sawamura-io/ssmerge/internal/errkind"
)

// DetailsOutcome classifies a single EnsureDetailsJson run.
type DetailsOutcome int

const (
	DetailsAlreadyExists DetailsOutcome = iota
	DetailsCopiedFromSource
	DetailsGeneratedFromComick
	DetailsGeneratedFromComicInfo
	DetailsSkippedParseFailure
	DetailsSkippedNoComicInfo
	DetailsWriteFailed
)

func (o DetailsOutcome) String() string {
	switch o {
	case DetailsAlreadyExists:
		return "already_exists"
	case DetailsCopiedFromSource:
		return "copied_from_source"
	case DetailsGeneratedFromComick:
		return "generated_from_comick"
	case DetailsGeneratedFromComicInfo:
		return "generated_from_comicinfo"
	case DetailsSkippedParseFailure:
		return "skipped_parse_failure"
	case DetailsSkippedNoComicInfo:
		return "skipped_no_comicinfo"
	case DetailsWriteFailed:
		return "write_failed"
	default:
		return "unknown"
	}
}

// Written reports whether the run produced a new details.json.
func (o DetailsOutcome) Written() bool {
	return o == DetailsCopiedFromSource ||
		o == DetailsGeneratedFromComick ||
		o == DetailsGeneratedFromComicInfo
}

const (
	comicInfoFileName = "ComicInfo.xml"

	// Discovery bounds keep degenerate trees from stalling a pass.
	comicInfoMaxDepth     = 6
	comicInfoMaxPerSource = 30
)

// DetailsRequest names the artifact placement and the available inputs.
type DetailsRequest struct {
	// DisplayTitle becomes the document title.
	DisplayTitle string

	// PreferredDir is the override title directory new artifacts land in.
	PreferredDir string

	// AllOverrideDirs lists every candidate override title directory for
	// the group, used for the existence probe.
	AllOverrideDirs []string

	// SourceDirs are the per-source title directories in branch order.
	// They seed copies and host ComicInfo.xml discovery.
	SourceDirs []string

	// Comic is the matched Comick payload, nil when no match exists.
	Comic *comick.Comic
}

// DetailsResult reports the outcome, the artifact path when one exists, and
// the ComicInfo.xml that supplied values when a fallback was consumed.
type DetailsResult struct {
	Outcome          DetailsOutcome
	Path             string
	ComicInfoXmlPath string
	Diagnostic       string
	FsClass          errkind.FilesystemClass
}

// DetailsServiceConfig configures a DetailsService.
type DetailsServiceConfig struct {
	Logger *slog.Logger
}

// DetailsService generates details.json artifacts from source copies,
// Comick payloads and ComicInfo.xml fallbacks.
type DetailsService struct {
	logger *slog.Logger
}

// NewDetailsService builds a DetailsService.
func NewDetailsService(cfg DetailsServiceConfig) *DetailsService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &DetailsService{logger: logger}
}

// EnsureDetailsJson makes details.json exist for the title, walking the
// decision chain: existing artifact, source copy, Comick document,
// ComicInfo document. Concurrent writers are tolerated; losing a placement
// race reports DetailsAlreadyExists.
func (s *DetailsService) EnsureDetailsJson(ctx context.Context, req DetailsRequest) DetailsResult {
	if path, exists := FindDetails(req.PreferredDir, req.AllOverrideDirs); exists {
		return DetailsResult{Outcome: DetailsAlreadyExists, Path: path}
	}

	if mkdirErr := os.MkdirAll(req.PreferredDir, 0o755); mkdirErr != nil {
		return DetailsResult{
			Outcome:    DetailsWriteFailed,
			Diagnostic: fmt.Sprintf("create override dir: %v", mkdirErr),
			FsClass:    errkind.ClassifyFilesystem(mkdirErr),
		}
	}

	if result, copied := s.copyFromSources(req); copied {
		return result
	}

	if req.Comic != nil {
		return s.writeComickDocument(req)
	}

	return s.writeComicInfoDocument(ctx, req)
}

// copyFromSources seeds the artifact from the first source directory that
// already carries a details.json.
func (s *DetailsService) copyFromSources(req DetailsRequest) (DetailsResult, bool) {
	for _, sourceDir := range req.SourceDirs {
		candidate := filepath.Join(sourceDir, DetailsFileName)

		payload, readErr := os.ReadFile(candidate)
		if readErr != nil {
			if !errors.Is(readErr, fs.ErrNotExist) {
				s.logger.Warn("event",
					slog.String("event_id", "override.details.copy_read_failed"),
					slog.String("path", candidate),
					slog.String("error", readErr.Error()))
			}

			continue
		}

		dest, placeErr := placeNonOverwriting(req.PreferredDir, DetailsFileName, payload)
		if placeErr != nil {
			if errors.Is(placeErr, ErrDestinationExists) {
				return DetailsResult{Outcome: DetailsAlreadyExists, Path: dest}, true
			}

			return DetailsResult{
				Outcome:    DetailsWriteFailed,
				Diagnostic: placeErr.Error(),
				FsClass:    errkind.ClassifyFilesystem(placeErr),
			}, true
		}

		s.logger.Debug("event",
			slog.String("event_id", "override.details.copied"),
			slog.String("from", candidate),
			slog.String("to", dest))

		return DetailsResult{Outcome: DetailsCopiedFromSource, Path: dest}, true
	}

	return DetailsResult{}, false
}

// writeComickDocument builds the document from the matched comic, with a
// lazily resolved ComicInfo fallback for fields the API left empty.
func (s *DetailsService) writeComickDocument(req DetailsRequest) DetailsResult {
	fallback := &comicInfoSource{resolve: func() (ComicInfo, string, bool) {
		for _, candidate := range discoverComicInfo(req.SourceDirs) {
			info, ok := ParseComicInfoFile(candidate)
			if ok {
				return info, candidate, true
			}
		}

		return ComicInfo{}, "", false
	}}

	doc := buildComickDocument(req.DisplayTitle, req.Comic, fallback)

	result := s.placeDocument(req.PreferredDir, doc, DetailsGeneratedFromComick)
	if result.Outcome == DetailsGeneratedFromComick {
		result.ComicInfoXmlPath = fallback.consumedPath()
	}

	return result
}

// writeComicInfoDocument builds the document from the first parseable
// ComicInfo.xml when no Comick match exists.
func (s *DetailsService) writeComicInfoDocument(ctx context.Context, req DetailsRequest) DetailsResult {
	candidates := discoverComicInfo(req.SourceDirs)
	if len(candidates) == 0 {
		return DetailsResult{Outcome: DetailsSkippedNoComicInfo}
	}

	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return DetailsResult{Outcome: DetailsSkippedParseFailure, Diagnostic: ctx.Err().Error()}
		}

		info, ok := ParseComicInfoFile(candidate)
		if !ok {
			continue
		}

		doc := buildComicInfoDocument(req.DisplayTitle, info)

		result := s.placeDocument(req.PreferredDir, doc, DetailsGeneratedFromComicInfo)
		if result.Outcome == DetailsGeneratedFromComicInfo {
			result.ComicInfoXmlPath = candidate
		}

		return result
	}

	return DetailsResult{Outcome: DetailsSkippedParseFailure}
}

func (s *DetailsService) placeDocument(dir string, doc detailsDocument, written DetailsOutcome) DetailsResult {
	payload, encodeErr := encodeDetails(doc)
	if encodeErr != nil {
		return DetailsResult{Outcome: DetailsWriteFailed, Diagnostic: encodeErr.Error()}
	}

	dest, placeErr := placeNonOverwriting(dir, DetailsFileName, payload)
	if placeErr != nil {
		if errors.Is(placeErr, ErrDestinationExists) {
			return DetailsResult{Outcome: DetailsAlreadyExists, Path: dest}
		}

		return DetailsResult{
			Outcome:    DetailsWriteFailed,
			Diagnostic: placeErr.Error(),
			FsClass:    errkind.ClassifyFilesystem(placeErr),
		}
	}

	s.logger.Debug("event",
		slog.String("event_id", "override.details.written"),
		slog.String("path", dest),
		slog.String("mode", written.String()))

	return DetailsResult{Outcome: written, Path: dest}
}

// discoverComicInfo collects candidate ComicInfo.xml paths across the
// source directories: first the fast path, one candidate per source at
// chapter depth from the lexicographically smallest chapter, then a bounded
// deep walk excluding what the fast path already produced.
func discoverComicInfo(sourceDirs []string) []string {
	ordered := make([]string, 0, len(sourceDirs))
	seen := make(map[string]struct{})

	for _, sourceDir := range sourceDirs {
		if fast, ok := fastPathCandidate(sourceDir); ok {
			if _, dup := seen[fast]; !dup {
				seen[fast] = struct{}{}

				ordered = append(ordered, fast)
			}
		}
	}

	for _, sourceDir := range sourceDirs {
		for _, deep := range deepCandidates(sourceDir) {
			if _, dup := seen[deep]; dup {
				continue
			}

			seen[deep] = struct{}{}

			ordered = append(ordered, deep)
		}
	}

	return ordered
}

// fastPathCandidate probes the lexicographically smallest chapter directory
// for a ComicInfo.xml.
func fastPathCandidate(sourceDir string) (string, bool) {
	entries, readErr := os.ReadDir(sourceDir)
	if readErr != nil {
		return "", false
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}

	sort.Strings(names)

	for _, name := range names {
		candidate := filepath.Join(sourceDir, name, comicInfoFileName)

		info, statErr := os.Stat(candidate)
		if statErr == nil && info.Mode().IsRegular() {
			return candidate, true
		}

		// Fast path only probes the smallest chapter.
		return "", false
	}

	return "", false
}

// deepCandidates walks sourceDir up to the depth bound collecting
// ComicInfo.xml paths, capped per source. WalkDir visits entries in lexical
// order, which keeps the candidate order deterministic.
func deepCandidates(sourceDir string) []string {
	root := filepath.Clean(sourceDir)

	var found []string

	_ = filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if entry != nil && entry.IsDir() {
				return fs.SkipDir
			}

			return nil
		}

		if len(found) >= comicInfoMaxPerSource {
			return fs.SkipAll
		}

		depth := pathDepth(root, path)

		if entry.IsDir() {
			if depth >= comicInfoMaxDepth {
				return fs.SkipDir
			}

			return nil
		}

		if depth <= comicInfoMaxDepth && strings.EqualFold(entry.Name(), comicInfoFileName) {
			found = append(found, path)
		}

		return nil
	})

	return found
}

func pathDepth(root, path string) int {
	rel, relErr := filepath.Rel(root, path)
	if relErr != nil || rel == "." {
		return 0
	}

	return len(strings.Split(rel, string(filepath.Separator)))
}
