package override

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/sawamura-io/ssmerge/internal/comick"
)

// detailsDocument is the JSON payload written to details.json. The
// "_status values" legend ships with every document so readers can decode
// the status field without external docs.
type detailsDocument struct {
	Title        string   `json:"title"`
	Author       string   `json:"author"`
	Artist       string   `json:"artist"`
	Description  string   `json:"description"`
	Genre        []string `json:"genre"`
	Status       string   `json:"status"`
	StatusValues []string `json:"_status values"`
}

func statusLegend() []string {
	return []string{"0 = Unknown", "1 = Ongoing", "2 = Completed", "3 = Licensed"}
}

var (
	brTagPattern     = regexp.MustCompile(`(?i)<br\s*/?>`)
	pCloseTagPattern = regexp.MustCompile(`(?i)</p\s*>`)
)

var htmlStripPolicy = bluemonday.StrictPolicy()

// normalizeDescription converts an HTML-bearing description into readable
// plain text: <br> becomes a newline, closing </p> a blank line, remaining
// markup is stripped and entity references are decoded.
func normalizeDescription(raw string) string {
	text := brTagPattern.ReplaceAllString(raw, "\n")
	text = pCloseTagPattern.ReplaceAllString(text, "\n\n")
	text = htmlStripPolicy.Sanitize(text)
	text = html.UnescapeString(text)

	return strings.TrimSpace(text)
}

// statusFromKeyword maps a ComicInfo publishing status onto the numeric
// details status by case-insensitive keyword.
func statusFromKeyword(raw string) string {
	lower := strings.ToLower(raw)

	switch {
	case containsAny(lower, "ongoing", "publishing", "serialization"):
		return "1"
	case containsAny(lower, "completed", "complete", "finished", "ended"):
		return "2"
	case strings.Contains(lower, "licensed"):
		return "3"
	default:
		return "0"
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}

	return false
}

// comicInfoSource resolves a ComicInfo fallback lazily and at most once per
// details run, remembering which path supplied the values.
type comicInfoSource struct {
	resolve  func() (ComicInfo, string, bool)
	resolved bool
	info     ComicInfo
	path     string
	ok       bool
	consumed bool
}

func (s *comicInfoSource) get() (ComicInfo, bool) {
	if s == nil || s.resolve == nil {
		return ComicInfo{}, false
	}

	if !s.resolved {
		s.info, s.path, s.ok = s.resolve()
		s.resolved = true
	}

	return s.info, s.ok
}

// take returns the named fallback field and records consumption when the
// value is non-empty.
func (s *comicInfoSource) take(pick func(ComicInfo) string) string {
	info, ok := s.get()
	if !ok {
		return ""
	}

	value := pick(info)
	if value != "" {
		s.consumed = true
	}

	return value
}

func (s *comicInfoSource) consumedPath() string {
	if s != nil && s.consumed {
		return s.path
	}

	return ""
}

// buildComickDocument maps a matched comic onto the details document,
// consulting the ComicInfo fallback for fields the API left empty.
func buildComickDocument(displayTitle string, comic *comick.Comic, fallback *comicInfoSource) detailsDocument {
	doc := detailsDocument{
		Title:        displayTitle,
		StatusValues: statusLegend(),
	}

	doc.Author = joinDistinct(comic.Authors())
	if doc.Author == "" {
		doc.Author = strings.TrimSpace(fallback.take(func(ci ComicInfo) string { return ci.Writer }))
	}

	doc.Artist = joinDistinct(comic.Artists())
	if doc.Artist == "" {
		doc.Artist = strings.TrimSpace(fallback.take(func(ci ComicInfo) string { return ci.Penciller }))
	}

	doc.Description = normalizeDescription(comic.Description())
	if doc.Description == "" {
		doc.Description = strings.TrimSpace(fallback.take(func(ci ComicInfo) string { return ci.Summary }))
	}

	doc.Description = appendTitlesBlock(doc.Description, comic)

	doc.Genre = distinct(append(comic.Genres(), comic.PositiveCategories()...))

	if code, present := comic.Status(); present && code >= 1 && code <= 3 {
		doc.Status = strconv.Itoa(code)
	} else {
		keyword := fallback.take(func(ci ComicInfo) string { return ci.Status })
		doc.Status = statusFromKeyword(keyword)
	}

	return doc
}

// buildComicInfoDocument maps a parsed ComicInfo.xml onto the details
// document for titles with no Comick match.
func buildComicInfoDocument(displayTitle string, info ComicInfo) detailsDocument {
	return detailsDocument{
		Title:        displayTitle,
		Author:       strings.TrimSpace(info.Writer),
		Artist:       strings.TrimSpace(info.Penciller),
		Description:  strings.TrimSpace(info.Summary),
		Genre:        splitGenres(info.Genre),
		Status:       statusFromKeyword(info.Status),
		StatusValues: statusLegend(),
	}
}

// appendTitlesBlock extends the description with the full set of known
// titles, one "[lang] title" bullet per distinct line.
func appendTitlesBlock(description string, comic *comick.Comic) string {
	type langTitle struct {
		lang  string
		title string
	}

	entries := make([]langTitle, 0, 8)

	if main := strings.TrimSpace(comic.Title()); main != "" {
		entries = append(entries, langTitle{lang: comic.MainLanguage(), title: main})
	}

	for _, alias := range comic.Aliases() {
		title := strings.TrimSpace(alias.Title)
		if title == "" {
			continue
		}

		entries = append(entries, langTitle{lang: alias.Lang, title: title})
	}

	if len(entries) == 0 {
		return description
	}

	var builder strings.Builder

	if description != "" {
		builder.WriteString(description)
		builder.WriteString("\n\n")
	}

	builder.WriteString("Titles:")

	seen := make(map[string]struct{}, len(entries))

	for _, entry := range entries {
		lang := strings.TrimSpace(entry.lang)
		if lang == "" {
			lang = "unknown"
		}

		line := fmt.Sprintf("- [%s] %s", lang, entry.title)

		if _, dup := seen[line]; dup {
			continue
		}

		seen[line] = struct{}{}

		builder.WriteString("\n")
		builder.WriteString(line)
	}

	return builder.String()
}

func joinDistinct(names []string) string {
	return strings.Join(distinct(names), ", ")
}

func distinct(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))

	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		if _, dup := seen[value]; dup {
			continue
		}

		seen[value] = struct{}{}

		out = append(out, value)
	}

	return out
}

func splitGenres(raw string) []string {
	return distinct(strings.Split(raw, ","))
}

// encodeDetails renders the document as pretty-printed UTF-8 JSON with a
// trailing newline. HTML escaping stays off so titles and descriptions keep
// their literal characters.
func encodeDetails(doc detailsDocument) ([]byte, error) {
	var buf bytes.Buffer

	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")

	if encodeErr := encoder.Encode(doc); encodeErr != nil {
		return nil, fmt.Errorf("encode details document: %w", encodeErr)
	}

	return buf.Bytes(), nil
}
