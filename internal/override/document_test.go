package override

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawamura-io/ssmerge/internal/comick"
)

const comickDocumentPayload = `{
  "comic": {
    "title": "Sousou no Frieren",
    "slug": "frieren",
    "iso639_1": "ja",
    "status": 1,
    "desc": "<p>An elf mage outlives her party.</p><p>Journey &amp; memory.<br/>A second line.</p>",
    "md_titles": [
      {"title": "Frieren: Beyond Journey's End", "lang": "en"},
      {"title": "Frieren: Beyond Journey's End", "lang": "en"},
      {"title": "Фрирен", "lang": ""}
    ],
    "md_covers": [{"b2key": "frieren-cover.jpg"}],
    "md_comic_md_genres": [
      {"md_genres": {"name": "Fantasy"}},
      {"md_genres": {"name": "Adventure"}}
    ],
    "mu_comics": {
      "mu_comic_categories": [
        {"mu_categories": {"title": "Elves"}, "positive_vote": 9, "negative_vote": 1},
        {"mu_categories": {"title": "Losers"}, "positive_vote": 1, "negative_vote": 5},
        {"mu_categories": {"title": "Fantasy"}, "positive_vote": 4, "negative_vote": 0}
      ]
    }
  },
  "authors": [{"name": "Yamada Kanehito"}, {"name": "Yamada Kanehito"}],
  "artists": [{"name": "Abe Tsukasa"}]
}`

func decodeTestComic(t *testing.T, payload string) *comick.Comic {
	t.Helper()

	comic, err := comick.DecodeDetail([]byte(payload))
	require.NoError(t, err)

	return comic
}

func TestNormalizeDescription(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain text untouched", in: "Just words.", want: "Just words."},
		{name: "br becomes newline", in: "a<br>b<BR/>c", want: "a\nb\nc"},
		{name: "paragraph close becomes blank line", in: "<p>one</p><p>two</p>", want: "one\n\ntwo"},
		{name: "tags stripped entities decoded", in: "<b>bold</b> &amp; <i>quiet</i>", want: "bold & quiet"},
		{name: "empty stays empty", in: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, normalizeDescription(tt.in))
		})
	}
}

func TestStatusFromKeyword(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "Ongoing", want: "1"},
		{in: "Currently Publishing", want: "1"},
		{in: "In Serialization", want: "1"},
		{in: "Completed", want: "2"},
		{in: "complete", want: "2"},
		{in: "Finished Airing", want: "2"},
		{in: "Ended", want: "2"},
		{in: "Licensed", want: "3"},
		{in: "Hiatus", want: "0"},
		{in: "", want: "0"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFromKeyword(tt.in), "keyword %q", tt.in)
	}
}

func TestBuildComickDocument(t *testing.T) {
	t.Parallel()

	comic := decodeTestComic(t, comickDocumentPayload)

	fallback := &comicInfoSource{resolve: func() (ComicInfo, string, bool) {
		t.Fatal("fallback must not resolve when the comic covers every field")
		return ComicInfo{}, "", false
	}}

	doc := buildComickDocument("Frieren", comic, fallback)

	assert.Equal(t, "Frieren", doc.Title)
	assert.Equal(t, "Yamada Kanehito", doc.Author)
	assert.Equal(t, "Abe Tsukasa", doc.Artist)
	assert.Equal(t, "1", doc.Status)
	assert.Equal(t, []string{"Fantasy", "Adventure", "Elves"}, doc.Genre)
	assert.Equal(t, statusLegend(), doc.StatusValues)

	assert.True(t, strings.HasPrefix(doc.Description, "An elf mage outlives her party.\n\nJourney & memory.\nA second line."),
		"description %q", doc.Description)

	assert.Contains(t, doc.Description, "Titles:")
	assert.Contains(t, doc.Description, "- [ja] Sousou no Frieren")
	assert.Contains(t, doc.Description, "- [unknown] Фрирен")
	assert.Equal(t, 1, strings.Count(doc.Description, "Frieren: Beyond Journey's End"),
		"duplicate alias lines must collapse")

	assert.Empty(t, fallback.consumedPath())
}

func TestBuildComickDocumentFallbackConsumption(t *testing.T) {
	t.Parallel()

	sparse := `{
  "comic": {"title": "Bare", "slug": "bare", "iso639_1": "en", "status": 9},
  "authors": [],
  "artists": []
}`

	comic := decodeTestComic(t, sparse)

	resolved := 0
	fallback := &comicInfoSource{resolve: func() (ComicInfo, string, bool) {
		resolved++
		return ComicInfo{Writer: "W", Penciller: "P", Summary: "S", Status: "ongoing"}, "/src/a/ComicInfo.xml", true
	}}

	doc := buildComickDocument("Bare", comic, fallback)

	assert.Equal(t, 1, resolved, "fallback resolves at most once")
	assert.Equal(t, "W", doc.Author)
	assert.Equal(t, "P", doc.Artist)
	assert.Equal(t, "1", doc.Status)
	assert.Equal(t, "/src/a/ComicInfo.xml", fallback.consumedPath())

	assert.True(t, strings.HasPrefix(doc.Description, "S\n\nTitles:"), "description %q", doc.Description)
}

func TestBuildComickDocumentEmptyFallbackNotConsumed(t *testing.T) {
	t.Parallel()

	sparse := `{
  "comic": {"title": "Bare", "slug": "bare", "iso639_1": "en", "status": 2, "desc": "d"},
  "authors": [],
  "artists": []
}`

	comic := decodeTestComic(t, sparse)

	fallback := &comicInfoSource{resolve: func() (ComicInfo, string, bool) {
		return ComicInfo{}, "/src/a/ComicInfo.xml", true
	}}

	doc := buildComickDocument("Bare", comic, fallback)

	assert.Empty(t, doc.Author)
	assert.Empty(t, fallback.consumedPath(), "empty fallback fields are not a consumption")
	assert.Equal(t, "2", doc.Status)
}

func TestBuildComicInfoDocument(t *testing.T) {
	t.Parallel()

	doc := buildComicInfoDocument("Local Title", ComicInfo{
		Writer:    " Jane ",
		Penciller: "Joe",
		Summary:   " A summary. ",
		Genre:     "Action, Drama, , Action",
		Status:    "completed",
	})

	assert.Equal(t, "Local Title", doc.Title)
	assert.Equal(t, "Jane", doc.Author)
	assert.Equal(t, "Joe", doc.Artist)
	assert.Equal(t, "A summary.", doc.Description)
	assert.Equal(t, []string{"Action", "Drama"}, doc.Genre)
	assert.Equal(t, "2", doc.Status)
}

func TestEncodeDetails(t *testing.T) {
	t.Parallel()

	payload, err := encodeDetails(detailsDocument{
		Title:        "T & Co",
		Genre:        []string{},
		Status:       "0",
		StatusValues: statusLegend(),
	})
	require.NoError(t, err)

	text := string(payload)

	assert.Contains(t, text, `"_status values"`)
	assert.Contains(t, text, `"T & Co"`, "HTML escaping stays off")
	assert.True(t, strings.HasSuffix(text, "\n"))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "T & Co", decoded["title"])
}
