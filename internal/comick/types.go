package comick

// Wire types for the Comick API. Arrays tolerate null entries, so element
// types are pointers and the accessor helpers skip nils.

// AliasTitle is one alternative title with its ISO 639-1 language code.
type AliasTitle struct {
	Title string `json:"title"`
	Lang  string `json:"lang"`
}

// Cover is one cover image reference.
type Cover struct {
	B2Key string `json:"b2key"`
}

// Candidate is one search result row.
type Candidate struct {
	Slug     string        `json:"slug"`
	Title    string        `json:"title"`
	MdTitles []*AliasTitle `json:"md_titles"`
	MdCovers []*Cover      `json:"md_covers"`
}

// Titles returns the candidate's display title plus every non-null alias.
func (c *Candidate) Titles() []string {
	titles := make([]string, 0, len(c.MdTitles)+1)

	if c.Title != "" {
		titles = append(titles, c.Title)
	}

	for _, alias := range c.MdTitles {
		if alias != nil && alias.Title != "" {
			titles = append(titles, alias.Title)
		}
	}

	return titles
}

// genreEntry wraps the nested genre name.
type genreEntry struct {
	MdGenres *struct {
		Name string `json:"name"`
	} `json:"md_genres"`
}

// muCategory is one MangaUpdates category vote row.
type muCategory struct {
	MuCategories *struct {
		Title string `json:"title"`
	} `json:"mu_categories"`
	PositiveVote *int `json:"positive_vote"`
	NegativeVote *int `json:"negative_vote"`
}

// comicBody is the nested "comic" object of the detail payload.
type comicBody struct {
	Title    string        `json:"title"`
	Slug     string        `json:"slug"`
	ISO6391  string        `json:"iso639_1"`
	Status   *int          `json:"status"`
	Desc     string        `json:"desc"`
	MdTitles []*AliasTitle `json:"md_titles"`
	MdCovers []*Cover      `json:"md_covers"`
	MdGenres []*genreEntry `json:"md_comic_md_genres"`
	MuComics *struct {
		Categories []*muCategory `json:"mu_comic_categories"`
	} `json:"mu_comics"`
}

type person struct {
	Name string `json:"name"`
}

// Comic is the decoded detail payload for one slug.
type Comic struct {
	ComicBody comicBody `json:"comic"`
	AuthorsV  []*person `json:"authors"`
	ArtistsV  []*person `json:"artists"`
}

// Title returns the main display title.
func (c *Comic) Title() string { return c.ComicBody.Title }

// MainLanguage returns the ISO 639-1 code of the main title, or empty.
func (c *Comic) MainLanguage() string { return c.ComicBody.ISO6391 }

// Description returns the raw description text, possibly HTML.
func (c *Comic) Description() string { return c.ComicBody.Desc }

// Status returns the Comick integer status and whether it was present.
func (c *Comic) Status() (int, bool) {
	if c.ComicBody.Status == nil {
		return 0, false
	}

	return *c.ComicBody.Status, true
}

// Aliases returns the non-null alias titles.
func (c *Comic) Aliases() []AliasTitle {
	aliases := make([]AliasTitle, 0, len(c.ComicBody.MdTitles))

	for _, alias := range c.ComicBody.MdTitles {
		if alias != nil && alias.Title != "" {
			aliases = append(aliases, *alias)
		}
	}

	return aliases
}

// Titles returns the main title plus every alias title.
func (c *Comic) Titles() []string {
	titles := make([]string, 0, len(c.ComicBody.MdTitles)+1)

	if c.ComicBody.Title != "" {
		titles = append(titles, c.ComicBody.Title)
	}

	for _, alias := range c.Aliases() {
		titles = append(titles, alias.Title)
	}

	return titles
}

// Genres returns the plain Comick genre names, nulls skipped.
func (c *Comic) Genres() []string {
	genres := make([]string, 0, len(c.ComicBody.MdGenres))

	for _, entry := range c.ComicBody.MdGenres {
		if entry == nil || entry.MdGenres == nil || entry.MdGenres.Name == "" {
			continue
		}

		genres = append(genres, entry.MdGenres.Name)
	}

	return genres
}

// PositiveCategories returns MU category titles whose positive votes beat
// the negative ones. Rows with null votes or a null category are skipped.
func (c *Comic) PositiveCategories() []string {
	if c.ComicBody.MuComics == nil {
		return nil
	}

	var titles []string

	for _, row := range c.ComicBody.MuComics.Categories {
		if row == nil || row.MuCategories == nil || row.MuCategories.Title == "" {
			continue
		}

		if row.PositiveVote == nil || row.NegativeVote == nil {
			continue
		}

		if *row.PositiveVote > *row.NegativeVote {
			titles = append(titles, row.MuCategories.Title)
		}
	}

	return titles
}

// Authors returns the non-null author names.
func (c *Comic) Authors() []string { return names(c.AuthorsV) }

// Artists returns the non-null artist names.
func (c *Comic) Artists() []string { return names(c.ArtistsV) }

func names(people []*person) []string {
	out := make([]string, 0, len(people))

	for _, p := range people {
		if p != nil && p.Name != "" {
			out = append(out, p.Name)
		}
	}

	return out
}

// FirstCoverKey returns the first non-empty cover b2key of the comic.
func (c *Comic) FirstCoverKey() string {
	for _, cover := range c.ComicBody.MdCovers {
		if cover != nil && cover.B2Key != "" {
			return cover.B2Key
		}
	}

	return ""
}

// FirstCoverKey returns the first non-empty cover b2key of the candidate.
func (c *Candidate) FirstCoverKey() string {
	for _, cover := range c.MdCovers {
		if cover != nil && cover.B2Key != "" {
			return cover.B2Key
		}
	}

	return ""
}
