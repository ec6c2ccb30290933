package equiv

import "github.com/sawamura-io/ssmerge/internal/normalize"

// Snapshot is an immutable alias-key→canonical map built from a validated
// document. Lookups never mutate it, so concurrent readers share one
// instance without locking.
type Snapshot struct {
	canonicalByKey map[string]string
	groupTitles    map[string][]string
}

func buildSnapshot(doc *Document) *Snapshot {
	byKey := make(map[string]string)
	groups := make(map[string][]string)

	for _, group := range doc.Groups {
		canonicalKey := normalize.TitleKey(group.Canonical)
		titles := append([]string{group.Canonical}, group.Aliases...)

		for _, title := range titles {
			key := normalize.TitleKey(title)
			if key == "" {
				continue
			}

			// Validate already rejected cross-group duplicates; first
			// writer wins within a group.
			if _, exists := byKey[key]; !exists {
				byKey[key] = group.Canonical
				groups[canonicalKey] = append(groups[canonicalKey], title)
			}
		}
	}

	return &Snapshot{canonicalByKey: byKey, groupTitles: groups}
}

// Resolve maps a raw title to its canonical form. The second result reports
// whether the catalog knows the title.
func (s *Snapshot) Resolve(raw string) (string, bool) {
	if s == nil {
		return "", false
	}

	canonical, known := s.canonicalByKey[normalize.TitleKey(raw)]

	return canonical, known
}

// EquivalentTitles returns every title in raw's group, canonical included.
// Unknown titles yield nil.
func (s *Snapshot) EquivalentTitles(raw string) []string {
	if s == nil {
		return nil
	}

	canonical, known := s.canonicalByKey[normalize.TitleKey(raw)]
	if !known {
		return nil
	}

	return s.groupTitles[normalize.TitleKey(canonical)]
}

// Size reports the number of distinct resolvable keys.
func (s *Snapshot) Size() int {
	if s == nil {
		return 0
	}

	return len(s.canonicalByKey)
}
