package override

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"html"
	"io"
	"os"
	"strings"
)

// ComicInfo carries the subset of ComicInfo.xml fields consumed by the
// details document.
type ComicInfo struct {
	Series    string
	Writer    string
	Penciller string
	Summary   string
	Genre     string
	Status    string
}

// comicInfoFields are the element local names captured by both parser
// stages. PublishingStatusTachiyomi is handled separately as the status
// fallback.
var comicInfoFields = []string{"Series", "Writer", "Penciller", "Summary", "Genre", "Status"}

const statusFallbackElement = "PublishingStatusTachiyomi"

// ParseComicInfoFile reads path and extracts the supported fields. A strict
// XML pass runs first; if the document is not well formed, a tolerant
// line-oriented scan recovers what it can. The boolean is false when neither
// stage found any supported content.
func ParseComicInfoFile(path string) (ComicInfo, bool) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		return ComicInfo{}, false
	}

	return ParseComicInfo(data)
}

// ParseComicInfo extracts the supported ComicInfo fields from raw XML bytes.
func ParseComicInfo(data []byte) (ComicInfo, bool) {
	values, strictErr := parseStrict(data)
	if strictErr != nil {
		values = parseTolerant(data)
	}

	info := ComicInfo{
		Series:    values["series"],
		Writer:    values["writer"],
		Penciller: values["penciller"],
		Summary:   values["summary"],
		Genre:     values["genre"],
		Status:    values["status"],
	}

	if info.Status == "" {
		info.Status = values[strings.ToLower(statusFallbackElement)]
	}

	found := info.Series != "" || info.Writer != "" || info.Penciller != "" ||
		info.Summary != "" || info.Genre != "" || info.Status != ""

	return info, found
}

// parseStrict walks the token stream and keeps the first occurrence of each
// supported element, matched case-insensitively on the local name. Element
// text is preserved verbatim, whitespace included.
func parseStrict(data []byte) (map[string]string, error) {
	wanted := make(map[string]struct{}, len(comicInfoFields)+1)
	for _, field := range comicInfoFields {
		wanted[strings.ToLower(field)] = struct{}{}
	}

	wanted[strings.ToLower(statusFallbackElement)] = struct{}{}

	values := make(map[string]string, len(wanted))

	decoder := xml.NewDecoder(bytes.NewReader(data))

	for {
		token, tokenErr := decoder.Token()
		if tokenErr == io.EOF {
			return values, nil
		}

		if tokenErr != nil {
			return nil, tokenErr
		}

		start, isStart := token.(xml.StartElement)
		if !isStart {
			continue
		}

		key := strings.ToLower(start.Name.Local)

		if _, interesting := wanted[key]; !interesting {
			continue
		}

		if _, captured := values[key]; captured {
			if skipErr := decoder.Skip(); skipErr != nil {
				return nil, skipErr
			}

			continue
		}

		text, textErr := readElementText(decoder)
		if textErr != nil {
			return nil, textErr
		}

		values[key] = text
	}
}

// readElementText accumulates character data up to the matching end element,
// descending through any nested markup.
func readElementText(decoder *xml.Decoder) (string, error) {
	var builder strings.Builder

	depth := 1

	for depth > 0 {
		token, tokenErr := decoder.Token()
		if tokenErr != nil {
			return "", tokenErr
		}

		switch typed := token.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			builder.Write(typed)
		}
	}

	return builder.String(), nil
}

// parseTolerant recovers fields from malformed documents line by line.
// Scalar elements take the first occurrence, reading from the end of the
// opening tag to the closing tag when present on the same line, otherwise to
// the end of the line. Summary accumulates across lines until its closing
// tag or EOF. Entity references are decoded.
func parseTolerant(data []byte) map[string]string {
	values := make(map[string]string)

	scalarNames := []string{"Series", "Writer", "Penciller", "Genre", "Status", statusFallbackElement}

	var (
		summaryActive  bool
		summaryBuilder strings.Builder
	)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.ReplaceAll(scanner.Text(), "\r", "")

		if summaryActive {
			lower := strings.ToLower(line)

			closeIdx := strings.Index(lower, "</summary>")
			if closeIdx < 0 {
				summaryBuilder.WriteString("\n")
				summaryBuilder.WriteString(line)

				continue
			}

			summaryBuilder.WriteString("\n")
			summaryBuilder.WriteString(line[:closeIdx])

			values["summary"] = html.UnescapeString(summaryBuilder.String())
			summaryActive = false

			continue
		}

		if _, have := values["summary"]; !have {
			content, open, found := scanOpenTag(line, "Summary")
			if found {
				if open {
					summaryBuilder.Reset()
					summaryBuilder.WriteString(content)
					summaryActive = true
				} else {
					values["summary"] = html.UnescapeString(content)
				}

				continue
			}
		}

		for _, name := range scalarNames {
			key := strings.ToLower(name)

			if _, have := values[key]; have {
				continue
			}

			content, _, found := scanOpenTag(line, name)
			if found {
				values[key] = html.UnescapeString(content)
			}
		}
	}

	if summaryActive {
		values["summary"] = html.UnescapeString(summaryBuilder.String())
	}

	return values
}

// scanOpenTag looks for <name ...> in line, case-insensitively. It returns
// the content following the opening tag, whether the element is still open
// at end of line, and whether the tag was present at all. Self-closing tags
// yield empty closed content.
func scanOpenTag(line, name string) (content string, open, found bool) {
	lower := strings.ToLower(line)
	needle := "<" + strings.ToLower(name)

	idx := strings.Index(lower, needle)
	if idx < 0 {
		return "", false, false
	}

	rest := line[idx+len(needle):]

	// Reject prefixes of longer element names.
	if rest != "" && rest[0] != '>' && rest[0] != ' ' && rest[0] != '/' && rest[0] != '\t' {
		return "", false, false
	}

	gt := strings.IndexByte(rest, '>')
	if gt < 0 {
		return "", false, false
	}

	if gt > 0 && strings.HasSuffix(strings.TrimSpace(rest[:gt]), "/") {
		return "", false, true
	}

	body := rest[gt+1:]

	closeNeedle := "</" + strings.ToLower(name) + ">"

	closeIdx := strings.Index(strings.ToLower(body), closeNeedle)
	if closeIdx < 0 {
		return body, true, true
	}

	return body[:closeIdx], false, true
}
