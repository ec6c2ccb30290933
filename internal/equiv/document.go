// Package equiv maintains the alias→canonical title catalog backed by
// manga_equivalents.yml. Readers resolve against an immutable snapshot that
// is swapped atomically after a validated reload; writers serialize through
// the catalog's update lock.
package equiv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/sawamura-io/ssmerge/internal/normalize"
)

// Group is one canonical title with its known aliases.
type Group struct {
	Canonical string   `yaml:"canonical"`
	Aliases   []string `yaml:"aliases,omitempty"`
}

// Document is the on-disk shape of manga_equivalents.yml.
type Document struct {
	Groups []Group `yaml:"groups"`
}

// Validation errors.
var (
	// ErrEmptyCanonical indicates a group with no canonical title.
	ErrEmptyCanonical = errors.New("equivalents group has empty canonical title")
	// ErrAmbiguousAlias indicates one alias key resolving to two canonicals.
	ErrAmbiguousAlias = errors.New("alias maps to multiple canonical titles")
)

// LoadDocument reads and parses the YAML document. A missing file is an
// empty document.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Document{}, nil
		}

		return nil, fmt.Errorf("read equivalents: %w", err)
	}

	var doc Document

	unmarshalErr := yaml.Unmarshal(data, &doc)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("parse equivalents: %w", unmarshalErr)
	}

	return &doc, nil
}

// Validate checks document invariants: every group has a canonical title and
// no normalized alias key maps to two different canonicals.
func (d *Document) Validate() error {
	seen := make(map[string]string)

	for _, group := range d.Groups {
		canonicalKey := normalize.TitleKey(group.Canonical)
		if canonicalKey == "" {
			return fmt.Errorf("%w: %q", ErrEmptyCanonical, group.Canonical)
		}

		keys := append([]string{group.Canonical}, group.Aliases...)

		for _, title := range keys {
			key := normalize.TitleKey(title)
			if key == "" {
				continue
			}

			owner, exists := seen[key]
			if exists && owner != canonicalKey {
				return fmt.Errorf("%w: %q", ErrAmbiguousAlias, title)
			}

			seen[key] = canonicalKey
		}
	}

	return nil
}

// Save writes the document atomically: marshal to a temp file in the target
// directory, then rename over the destination.
func (d *Document) Save(path string) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal equivalents: %w", err)
	}

	dir := filepath.Dir(path)

	mkdirErr := os.MkdirAll(dir, 0o755)
	if mkdirErr != nil {
		return fmt.Errorf("create equivalents dir: %w", mkdirErr)
	}

	tmp, err := os.CreateTemp(dir, ".manga_equivalents-*.yml")
	if err != nil {
		return fmt.Errorf("create temp equivalents: %w", err)
	}

	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()

	if writeErr != nil || closeErr != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("write temp equivalents: %w", errors.Join(writeErr, closeErr))
	}

	renameErr := os.Rename(tmpName, path)
	if renameErr != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("replace equivalents: %w", renameErr)
	}

	return nil
}
