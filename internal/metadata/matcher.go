package metadata

import (
	"context"
	"log/slog"
	"sort"

	"github.com/agnivade/levenshtein"

	"github.com/sawamura-io/ssmerge/internal/comick"
	"github.com/sawamura-io/ssmerge/internal/normalize"
)

// DetailProber issues per-slug detail probes. *Gateway implements it;
// matcher tests substitute a recorder.
type DetailProber interface {
	Detail(ctx context.Context, slug string) comick.DetailResult
}

// MatchOutcome classifies one matcher run.
type MatchOutcome int

const (
	// MatchedCandidate means a probe's titles hit an expected key.
	MatchedCandidate MatchOutcome = iota
	// NoHighConfidenceMatch means every candidate was exhausted.
	NoHighConfidenceMatch
	// MatchCancelled means the caller's context tripped mid-walk.
	MatchCancelled
)

// String implements fmt.Stringer.
func (o MatchOutcome) String() string {
	switch o {
	case MatchedCandidate:
		return "matched"
	case NoHighConfidenceMatch:
		return "no_high_confidence_match"
	case MatchCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MatchResult is the matcher's verdict for one candidate list.
type MatchResult struct {
	Outcome MatchOutcome
	// Comic is the matched detail payload.
	Comic *comick.Comic
	// Slug identifies the matched candidate.
	Slug string
	// Score counts the distinct expected keys the matched detail hit.
	Score int
	// HadTopTie reports two or more candidates sharing the selected
	// candidate's positive ranking similarity.
	HadTopTie bool
	// ServiceInterrupted reports any probe lost to transport, HTTP,
	// Cloudflare or payload trouble.
	ServiceInterrupted bool
	// ProbeCount is the number of detail probes issued.
	ProbeCount int
}

// MatcherConfig configures NewMatcher.
type MatcherConfig struct {
	Prober DetailProber
	// Logger receives the ambiguity warning. Defaults to slog.Default().
	Logger *slog.Logger
}

// Matcher ranks search candidates by title similarity and probes them in
// order until one's detail titles hit an expected key.
type Matcher struct {
	prober DetailProber
	logger *slog.Logger
}

// NewMatcher builds a Matcher.
func NewMatcher(cfg MatcherConfig) *Matcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Matcher{prober: cfg.Prober, logger: logger}
}

type rankedCandidate struct {
	candidate  comick.Candidate
	index      int
	similarity float64
}

// Match walks candidates in ranked order. expectedKeys must already be
// normalized title keys, deduplicated by the caller.
func (m *Matcher) Match(ctx context.Context, candidates []comick.Candidate, expectedKeys []string) MatchResult {
	if len(expectedKeys) == 0 {
		return MatchResult{Outcome: NoHighConfidenceMatch}
	}

	ranked := rankCandidates(candidates, expectedKeys)

	expected := make(map[string]struct{}, len(expectedKeys))
	for _, key := range expectedKeys {
		expected[key] = struct{}{}
	}

	result := MatchResult{Outcome: NoHighConfidenceMatch}

	for _, entry := range ranked {
		if ctx.Err() != nil {
			result.Outcome = MatchCancelled

			return result
		}

		slug := entry.candidate.Slug
		if slug == "" {
			continue
		}

		probe := m.prober.Detail(ctx, slug)
		result.ProbeCount++

		switch probe.Outcome {
		case comick.FetchSuccess:
			score := matchScore(probe.Comic, expected)
			if score == 0 {
				continue
			}

			result.Outcome = MatchedCandidate
			result.Comic = probe.Comic
			result.Slug = slug
			result.Score = score
			result.HadTopTie = hasTopTie(ranked, entry.similarity)

			if result.HadTopTie {
				m.logger.Warn("metadata.candidate.ambiguity",
					slog.String("slug", slug),
					slog.Int("tied_candidate_count", countTies(ranked, entry.similarity)),
					slog.Float64("similarity", entry.similarity))
			}

			return result
		case comick.FetchCancelled:
			if ctx.Err() != nil {
				result.Outcome = MatchCancelled

				return result
			}

			result.ServiceInterrupted = true
		case comick.FetchCloudflareBlocked, comick.FetchTransportFailure,
			comick.FetchHTTPFailure, comick.FetchMalformedPayload:
			result.ServiceInterrupted = true
		case comick.FetchNotFound:
			// Keep walking.
		}
	}

	return result
}

// rankCandidates orders candidates by their best normalized similarity to
// any expected key, ties keeping original index order.
func rankCandidates(candidates []comick.Candidate, expectedKeys []string) []rankedCandidate {
	ranked := make([]rankedCandidate, 0, len(candidates))

	for i, candidate := range candidates {
		best := 0.0

		for _, title := range candidate.Titles() {
			key := normalize.TitleKey(title)
			if key == "" {
				continue
			}

			for _, expected := range expectedKeys {
				if sim := similarity(key, expected); sim > best {
					best = sim
				}
			}
		}

		ranked = append(ranked, rankedCandidate{candidate: candidate, index: i, similarity: best})
	}

	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].similarity > ranked[b].similarity
	})

	return ranked
}

// similarity is normalized Levenshtein: 1 − distance/maxRuneLen, zero for
// two empty keys so absent signal never counts as a perfect match.
func similarity(a, b string) float64 {
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}

	if longest == 0 {
		return 0
	}

	distance := levenshtein.ComputeDistance(a, b)

	return 1 - float64(distance)/float64(longest)
}

// matchScore counts distinct expected keys hit by the detail's titles.
func matchScore(comic *comick.Comic, expected map[string]struct{}) int {
	if comic == nil {
		return 0
	}

	hit := make(map[string]struct{})

	for _, title := range comic.Titles() {
		key := normalize.TitleKey(title)
		if _, ok := expected[key]; ok {
			hit[key] = struct{}{}
		}
	}

	return len(hit)
}

func countTies(ranked []rankedCandidate, selected float64) int {
	count := 0

	for _, entry := range ranked {
		if entry.similarity == selected {
			count++
		}
	}

	return count
}

func hasTopTie(ranked []rankedCandidate, selected float64) bool {
	return selected > 0 && countTies(ranked, selected) >= 2
}
