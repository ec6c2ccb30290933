package normalize

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// sceneTagsDocument is the on-disk shape of scene_tags.yml.
type sceneTagsDocument struct {
	Tags []string `yaml:"tags"`
}

// SceneTagStripper removes release-group style suffixes ("[Official]",
// "(Digital)") from the tail of a title. A nil stripper strips nothing.
type SceneTagStripper struct {
	// tags are stored lowercased, longest first, so a tag that is a suffix
	// of another tag never shadows it.
	tags []string
}

// NewSceneTagStripper builds a stripper from literal tag strings. Empty and
// whitespace-only tags are ignored.
func NewSceneTagStripper(tags []string) *SceneTagStripper {
	cleaned := make([]string, 0, len(tags))

	for _, tag := range tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed != "" {
			cleaned = append(cleaned, strings.ToLower(trimmed))
		}
	}

	sort.Slice(cleaned, func(i, j int) bool {
		if len(cleaned[i]) != len(cleaned[j]) {
			return len(cleaned[i]) > len(cleaned[j])
		}

		return cleaned[i] < cleaned[j]
	})

	return &SceneTagStripper{tags: cleaned}
}

// LoadSceneTags reads scene_tags.yml. A missing file yields an empty
// stripper; a malformed file is an error because silently ignoring operator
// configuration hides grouping bugs.
func LoadSceneTags(path string) (*SceneTagStripper, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewSceneTagStripper(nil), nil
		}

		return nil, fmt.Errorf("read scene tags: %w", err)
	}

	var doc sceneTagsDocument

	unmarshalErr := yaml.Unmarshal(data, &doc)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("parse scene tags: %w", unmarshalErr)
	}

	return NewSceneTagStripper(doc.Tags), nil
}

// Strip removes every configured tag from the end of title, repeatedly, and
// reports whether anything was removed. Matching is case-insensitive;
// interior tags are left alone.
func (s *SceneTagStripper) Strip(title string) (string, bool) {
	if s == nil || len(s.tags) == 0 {
		return title, false
	}

	current := strings.TrimSpace(title)
	stripped := false

	for {
		matched := false

		for _, tag := range s.tags {
			if len(current) > len(tag) && strings.EqualFold(current[len(current)-len(tag):], tag) {
				current = strings.TrimSpace(current[:len(current)-len(tag)])
				matched = true
				stripped = true

				break
			}
		}

		if !matched || current == "" {
			break
		}
	}

	if current == "" {
		// A title consisting only of tags keeps its original name.
		return strings.TrimSpace(title), false
	}

	return current, stripped
}
