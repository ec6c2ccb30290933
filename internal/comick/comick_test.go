package comick

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const detailPayload = `{
  "comic": {
    "title": "Target Title",
    "slug": "target-title",
    "iso639_1": "ja",
    "status": 1,
    "desc": "A story.",
    "md_titles": [null, {"title": "ターゲット", "lang": "ja"}, {"title": "Target", "lang": "en"}],
    "md_covers": [null, {"b2key": "abc.jpg"}],
    "md_comic_md_genres": [null, {"md_genres": {"name": "Action"}}, {"md_genres": null}],
    "mu_comics": {
      "mu_comic_categories": [
        null,
        {"mu_categories": {"title": "Winner"}, "positive_vote": 5, "negative_vote": 1},
        {"mu_categories": {"title": "Loser"}, "positive_vote": 1, "negative_vote": 5},
        {"mu_categories": {"title": "NullVotes"}, "positive_vote": null, "negative_vote": 2}
      ]
    }
  },
  "authors": [{"name": "Author"}, null],
  "artists": []
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New(ClientConfig{BaseURL: server.URL})
	require.NoError(t, err)

	return client
}

func TestSearchDecodesCandidates(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.0/search/", r.URL.Path)
		assert.Equal(t, "one piece", r.URL.Query().Get("q"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))

		_, _ = w.Write([]byte(`[
			{"slug": "one-piece", "title": "One Piece", "md_titles": [{"title": "ワンピース"}], "md_covers": [{"b2key": "op.jpg"}]},
			null
		]`))
	})

	result := client.Search(context.Background(), "one piece")
	require.Equal(t, FetchSuccess, result.Outcome)
	require.Len(t, result.Candidates, 1)

	candidate := result.Candidates[0]
	assert.Equal(t, "one-piece", candidate.Slug)
	assert.Equal(t, []string{"One Piece", "ワンピース"}, candidate.Titles())
	assert.Equal(t, "op.jpg", candidate.FirstCoverKey())
}

func TestDetailDecodesComic(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/comic/target-title", r.URL.Path)
		_, _ = w.Write([]byte(detailPayload))
	})

	result := client.Detail(context.Background(), "target-title")
	require.Equal(t, FetchSuccess, result.Outcome)

	comic := result.Comic
	assert.Equal(t, "Target Title", comic.Title())
	assert.Equal(t, "ja", comic.MainLanguage())
	assert.Equal(t, "A story.", comic.Description())

	status, ok := comic.Status()
	require.True(t, ok)
	assert.Equal(t, 1, status)

	assert.Equal(t, []string{"Target Title", "ターゲット", "Target"}, comic.Titles())
	assert.Equal(t, []string{"Action"}, comic.Genres())
	assert.Equal(t, []string{"Winner"}, comic.PositiveCategories())
	assert.Equal(t, []string{"Author"}, comic.Authors())
	assert.Empty(t, comic.Artists())
	assert.Equal(t, "abc.jpg", comic.FirstCoverKey())
}

func TestDetailNotFound(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	result := client.Detail(context.Background(), "missing")
	assert.Equal(t, FetchNotFound, result.Outcome)
	assert.Equal(t, http.StatusNotFound, result.StatusCode)
}

func TestSearchHTTPFailure(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	result := client.Search(context.Background(), "x")
	assert.Equal(t, FetchHTTPFailure, result.Outcome)
	assert.Equal(t, http.StatusBadGateway, result.StatusCode)
}

func TestSearchMalformedPayload(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not": "an array"}`))
	})

	result := client.Search(context.Background(), "x")
	assert.Equal(t, FetchMalformedPayload, result.Outcome)
}

func TestSearchCloudflareBlockedByBodyMarker(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`<html><title>Just a moment...</title></html>`))
	})

	result := client.Search(context.Background(), "x")
	assert.Equal(t, FetchCloudflareBlocked, result.Outcome)
}

func TestSearchCloudflareBlockedByHeader(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("cf-mitigated", "challenge")
		w.WriteHeader(http.StatusForbidden)
	})

	result := client.Search(context.Background(), "x")
	assert.Equal(t, FetchCloudflareBlocked, result.Outcome)
}

func TestSearchCancelled(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := client.Search(ctx, "x")
	assert.Equal(t, FetchCancelled, result.Outcome)
}

func TestSearchTransportFailure(t *testing.T) {
	t.Parallel()

	client, err := New(ClientConfig{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	result := client.Search(context.Background(), "x")
	assert.Equal(t, FetchTransportFailure, result.Outcome)
}

func TestNewRejectsBadScheme(t *testing.T) {
	t.Parallel()

	_, err := New(ClientConfig{BaseURL: "ftp://example.com"})
	require.Error(t, err)
}

func TestBodyLooksBlocked(t *testing.T) {
	t.Parallel()

	assert.True(t, BodyLooksBlocked([]byte(`var _cf_chl_opt = {}`)))
	assert.False(t, BodyLooksBlocked([]byte(`[{"slug":"ok"}]`)))
}
