// Package priority ranks source names according to the operator-maintained
// source_priority.yml document. Higher-priority sources become earlier
// (read-preferred) mergerfs branches.
package priority

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// unrankedOffset keeps unlisted sources after every listed one while
// preserving a total order.
const unrankedOffset = 1 << 20

// priorityDocument is the on-disk shape of source_priority.yml.
type priorityDocument struct {
	Priority []string `yaml:"priority"`
}

// Service resolves a source name to its configured rank. The zero value
// ranks every source as unlisted.
type Service struct {
	ranks map[string]int
}

// NewService builds a Service from an ordered list of source names.
// Comparison is case-insensitive; duplicates keep their first position.
func NewService(ordered []string) *Service {
	ranks := make(map[string]int, len(ordered))

	for idx, name := range ordered {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}

		if _, exists := ranks[key]; !exists {
			ranks[key] = idx
		}
	}

	return &Service{ranks: ranks}
}

// Load reads source_priority.yml. A missing file yields an empty service.
func Load(path string) (*Service, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewService(nil), nil
		}

		return nil, fmt.Errorf("read source priority: %w", err)
	}

	var doc priorityDocument

	unmarshalErr := yaml.Unmarshal(data, &doc)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("parse source priority: %w", unmarshalErr)
	}

	return NewService(doc.Priority), nil
}

// Rank returns the sort rank for a source name. Listed sources get their
// configured position; everything else sorts after them.
func (s *Service) Rank(sourceName string) int {
	if s == nil || s.ranks == nil {
		return unrankedOffset
	}

	rank, ok := s.ranks[strings.ToLower(strings.TrimSpace(sourceName))]
	if !ok {
		return unrankedOffset
	}

	return rank
}
