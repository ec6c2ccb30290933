package equiv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEquivalents(t *testing.T, dir, content string) string {
	t.Helper()

	path := filepath.Join(dir, "manga_equivalents.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestCatalogResolve(t *testing.T) {
	t.Parallel()

	path := writeEquivalents(t, t.TempDir(), `groups:
  - canonical: "One Piece"
    aliases:
      - "ワンピース"
      - "One Piece (Digital)"
  - canonical: "Berserk"
`)

	catalog, err := NewCatalog(CatalogConfig{Path: path})
	require.NoError(t, err)

	canonical, known := catalog.TryResolveCanonicalTitle("one piece (digital)")
	assert.True(t, known)
	assert.Equal(t, "One Piece", canonical)

	canonical, known = catalog.TryResolveCanonicalTitle("ONE PIECE")
	assert.True(t, known)
	assert.Equal(t, "One Piece", canonical)

	_, known = catalog.TryResolveCanonicalTitle("Naruto")
	assert.False(t, known)

	assert.Equal(t, "Naruto", catalog.ResolveCanonicalOrInput("Naruto"))
	assert.Equal(t, "Berserk", catalog.ResolveCanonicalOrInput("berserk"))
}

func TestCatalogMissingFileStartsEmpty(t *testing.T) {
	t.Parallel()

	catalog, err := NewCatalog(CatalogConfig{
		Path: filepath.Join(t.TempDir(), "missing.yml"),
	})
	require.NoError(t, err)

	_, known := catalog.TryResolveCanonicalTitle("anything")
	assert.False(t, known)
}

func TestCatalogMalformedFileStartsEmptyWithError(t *testing.T) {
	t.Parallel()

	path := writeEquivalents(t, t.TempDir(), "groups: [broken")

	catalog, err := NewCatalog(CatalogConfig{Path: path})
	require.Error(t, err)
	require.NotNil(t, catalog)

	_, known := catalog.TryResolveCanonicalTitle("anything")
	assert.False(t, known)
}

func TestCatalogUpdateCreatesGroup(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "manga_equivalents.yml")

	catalog, err := NewCatalog(CatalogConfig{Path: path})
	require.NoError(t, err)

	outcome := catalog.Update(UpdateRequest{
		MainTitle:    "Shingeki no Kyojin",
		MainLanguage: "ja",
		Aliases: []TitleEntry{
			{Title: "Attack on Titan", Language: "en"},
			{Title: "L'Attaque des Titans", Language: "fr"},
		},
		PreferredLanguage: "en",
	})
	require.Equal(t, Updated, outcome)

	canonical, known := catalog.TryResolveCanonicalTitle("shingeki no kyojin")
	require.True(t, known)
	assert.Equal(t, "Attack on Titan", canonical)

	canonical, known = catalog.TryResolveCanonicalTitle("l'attaque des titans")
	require.True(t, known)
	assert.Equal(t, "Attack on Titan", canonical)

	// Re-running the same request changes nothing.
	assert.Equal(t, UpdateNoChanges, catalog.Update(UpdateRequest{
		MainTitle:    "Shingeki no Kyojin",
		MainLanguage: "ja",
		Aliases: []TitleEntry{
			{Title: "Attack on Titan", Language: "en"},
		},
		PreferredLanguage: "en",
	}))
}

func TestCatalogUpdateExtendsExistingGroup(t *testing.T) {
	t.Parallel()

	path := writeEquivalents(t, t.TempDir(), `groups:
  - canonical: "Attack on Titan"
    aliases:
      - "Shingeki no Kyojin"
`)

	catalog, err := NewCatalog(CatalogConfig{Path: path})
	require.NoError(t, err)

	outcome := catalog.Update(UpdateRequest{
		MainTitle:    "Shingeki no Kyojin",
		MainLanguage: "ja",
		Aliases: []TitleEntry{
			{Title: "進撃の巨人", Language: "ja"},
		},
		PreferredLanguage: "en",
	})
	require.Equal(t, Updated, outcome)

	canonical, known := catalog.TryResolveCanonicalTitle("進撃の巨人")
	require.True(t, known)
	assert.Equal(t, "Attack on Titan", canonical)
}

func TestCatalogUpdateConflict(t *testing.T) {
	t.Parallel()

	path := writeEquivalents(t, t.TempDir(), `groups:
  - canonical: "Title A"
  - canonical: "Title B"
`)

	catalog, err := NewCatalog(CatalogConfig{Path: path})
	require.NoError(t, err)

	outcome := catalog.Update(UpdateRequest{
		MainTitle:    "Title A",
		MainLanguage: "en",
		Aliases: []TitleEntry{
			{Title: "Title B", Language: "en"},
		},
		PreferredLanguage: "en",
	})
	assert.Equal(t, Conflict, outcome)

	// Neither group changed.
	canonical, known := catalog.TryResolveCanonicalTitle("Title B")
	require.True(t, known)
	assert.Equal(t, "Title B", canonical)
}

func TestCatalogUpdatePersists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "manga_equivalents.yml")

	catalog, err := NewCatalog(CatalogConfig{Path: path})
	require.NoError(t, err)

	require.Equal(t, Updated, catalog.Update(UpdateRequest{
		MainTitle:         "Vinland Saga",
		MainLanguage:      "en",
		PreferredLanguage: "en",
	}))

	// A fresh catalog sees the written document.
	reloaded, err := NewCatalog(CatalogConfig{Path: path})
	require.NoError(t, err)

	canonical, known := reloaded.TryResolveCanonicalTitle("vinland saga")
	require.True(t, known)
	assert.Equal(t, "Vinland Saga", canonical)
}

func TestSelectCanonical(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  UpdateRequest
		want string
	}{
		{
			name: "exact preferred language",
			req: UpdateRequest{
				MainTitle:    "メイン",
				MainLanguage: "ja",
				Aliases: []TitleEntry{
					{Title: "Principal", Language: "pt-br"},
					{Title: "Main", Language: "en"},
				},
				PreferredLanguage: "pt-br",
			},
			want: "Principal",
		},
		{
			name: "two letter prefix fallback",
			req: UpdateRequest{
				MainTitle:    "メイン",
				MainLanguage: "ja",
				Aliases: []TitleEntry{
					{Title: "Principal", Language: "pt"},
					{Title: "Main", Language: "en"},
				},
				PreferredLanguage: "pt-br",
			},
			want: "Principal",
		},
		{
			name: "english fallback",
			req: UpdateRequest{
				MainTitle:    "メイン",
				MainLanguage: "ja",
				Aliases: []TitleEntry{
					{Title: "Main", Language: "en"},
				},
				PreferredLanguage: "de",
			},
			want: "Main",
		},
		{
			name: "main title fallback",
			req: UpdateRequest{
				MainTitle:         "メイン",
				MainLanguage:      "ja",
				PreferredLanguage: "de",
			},
			want: "メイン",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, selectCanonical(tc.req))
		})
	}
}

func TestCatalogEquivalentTitles(t *testing.T) {
	t.Parallel()

	path := writeEquivalents(t, t.TempDir(), `groups:
  - canonical: "Attack on Titan"
    aliases:
      - "Shingeki no Kyojin"
      - "進撃の巨人"
`)

	catalog, err := NewCatalog(CatalogConfig{Path: path})
	require.NoError(t, err)

	titles := catalog.EquivalentTitles("shingeki no kyojin")
	assert.Equal(t, []string{"Attack on Titan", "Shingeki no Kyojin", "進撃の巨人"}, titles)

	assert.Nil(t, catalog.EquivalentTitles("unknown"))
}

func TestDocumentValidate(t *testing.T) {
	t.Parallel()

	valid := &Document{Groups: []Group{
		{Canonical: "A", Aliases: []string{"a2"}},
		{Canonical: "B"},
	}}
	require.NoError(t, valid.Validate())

	empty := &Document{Groups: []Group{{Canonical: "  "}}}
	assert.ErrorIs(t, empty.Validate(), ErrEmptyCanonical)

	ambiguous := &Document{Groups: []Group{
		{Canonical: "A", Aliases: []string{"shared"}},
		{Canonical: "B", Aliases: []string{"Shared"}},
	}}
	assert.ErrorIs(t, ambiguous.Validate(), ErrAmbiguousAlias)
}
