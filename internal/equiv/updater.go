package equiv

import (
	"strings"

	"github.com/sawamura-io/ssmerge/internal/normalize"
)

// TitleEntry is one title with its ISO 639-1 language code, as delivered by
// the metadata provider.
type TitleEntry struct {
	Title    string
	Language string
}

// UpdateRequest describes the titles learned for one matched comic.
type UpdateRequest struct {
	// MainTitle is the provider's primary title for the comic.
	MainTitle string
	// MainLanguage is the language of MainTitle.
	MainLanguage string
	// Aliases are the provider's alternative titles.
	Aliases []TitleEntry
	// PreferredLanguage selects which title becomes canonical for new
	// groups.
	PreferredLanguage string
}

type applyResult int

const (
	applyNoChanges applyResult = iota
	applyUpdated
	applyConflict
)

// selectCanonical picks the canonical title for a new group: exact preferred
// language match first, then a two-letter language prefix match, then
// English, then the main title.
func selectCanonical(req UpdateRequest) string {
	entries := make([]TitleEntry, 0, len(req.Aliases)+1)
	entries = append(entries, TitleEntry{Title: req.MainTitle, Language: req.MainLanguage})
	entries = append(entries, req.Aliases...)

	preferred := strings.ToLower(strings.TrimSpace(req.PreferredLanguage))

	if preferred != "" {
		for _, entry := range entries {
			if entry.Title == "" {
				continue
			}

			if strings.EqualFold(entry.Language, preferred) {
				return entry.Title
			}
		}

		prefix := preferred
		if len(prefix) > 2 {
			prefix = prefix[:2]
		}

		for _, entry := range entries {
			if entry.Title == "" {
				continue
			}

			lang := strings.ToLower(entry.Language)
			if len(lang) >= 2 && lang[:2] == prefix {
				return entry.Title
			}
		}
	}

	for _, entry := range entries {
		if entry.Title != "" && strings.EqualFold(entry.Language, "en") {
			return entry.Title
		}
	}

	return req.MainTitle
}

// apply folds the request into the document. It locates every group any of
// the request's titles already belongs to: one group means the remaining
// titles join it as aliases, several distinct groups is a conflict, none
// means a new group is created around the selected canonical.
func apply(doc *Document, req UpdateRequest) applyResult {
	titles := make([]string, 0, len(req.Aliases)+1)
	if req.MainTitle != "" {
		titles = append(titles, req.MainTitle)
	}

	for _, alias := range req.Aliases {
		if alias.Title != "" {
			titles = append(titles, alias.Title)
		}
	}

	if len(titles) == 0 {
		return applyNoChanges
	}

	matched := matchGroups(doc, titles)

	if len(matched) > 1 {
		return applyConflict
	}

	if len(matched) == 1 {
		return mergeIntoGroup(&doc.Groups[matched[0]], titles)
	}

	canonical := selectCanonical(req)
	if canonical == "" {
		return applyNoChanges
	}

	group := Group{Canonical: canonical}
	canonicalKey := normalize.TitleKey(canonical)

	for _, title := range titles {
		key := normalize.TitleKey(title)
		if key == "" || key == canonicalKey {
			continue
		}

		if !containsKey(group.Aliases, key) {
			group.Aliases = append(group.Aliases, title)
		}
	}

	doc.Groups = append(doc.Groups, group)

	return applyUpdated
}

// matchGroups returns the indexes of groups owning any of the given titles,
// each index at most once.
func matchGroups(doc *Document, titles []string) []int {
	keys := make(map[string]struct{}, len(titles))
	for _, title := range titles {
		key := normalize.TitleKey(title)
		if key != "" {
			keys[key] = struct{}{}
		}
	}

	var matched []int

	for i, group := range doc.Groups {
		groupTitles := append([]string{group.Canonical}, group.Aliases...)

		for _, title := range groupTitles {
			if _, hit := keys[normalize.TitleKey(title)]; hit {
				matched = append(matched, i)

				break
			}
		}
	}

	return matched
}

// mergeIntoGroup adds any titles the group does not know yet as aliases.
func mergeIntoGroup(group *Group, titles []string) applyResult {
	known := make(map[string]struct{}, len(group.Aliases)+1)
	known[normalize.TitleKey(group.Canonical)] = struct{}{}

	for _, alias := range group.Aliases {
		known[normalize.TitleKey(alias)] = struct{}{}
	}

	result := applyNoChanges

	for _, title := range titles {
		key := normalize.TitleKey(title)
		if key == "" {
			continue
		}

		if _, exists := known[key]; exists {
			continue
		}

		group.Aliases = append(group.Aliases, title)
		known[key] = struct{}{}
		result = applyUpdated
	}

	return result
}

func containsKey(titles []string, key string) bool {
	for _, title := range titles {
		if normalize.TitleKey(title) == key {
			return true
		}
	}

	return false
}
