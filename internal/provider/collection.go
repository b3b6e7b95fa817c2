package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/renja-g/CrateSync/internal/transport"
)

// CollectionProvider is the provider key used for collection requests.
const CollectionProvider = "collection"

type Release struct {
	ID      int64     `json:"id"`
	Title   string    `json:"title"`
	Artists []string  `json:"artists"`
	Year    int       `json:"year,omitempty"`
	Genres  []string  `json:"genres,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

// Artist returns the joined artist credit.
func (r Release) Artist() string {
	return strings.Join(r.Artists, ", ")
}

type Page struct {
	Number     int
	TotalPages int
	TotalItems int
	Releases   []Release
}

type CollectionClient struct {
	baseURL  string
	user     string
	pageSize int
	http     *http.Client
}

// NewCollectionClient builds a client for user's collection. The token is
// sent on every request; client supplies transport, limits and timeouts.
func NewCollectionClient(baseURL, user, token string, pageSize int, client *http.Client, obs transport.UpstreamObserver) *CollectionClient {
	if client == nil {
		client = http.DefaultClient
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	authed := *client
	authed.Transport = transport.WithObserver(
		transport.WithHeader(base, "Authorization", "Discogs token="+token),
		CollectionProvider, obs,
	)
	if pageSize <= 0 {
		pageSize = 50
	}
	return &CollectionClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		user:     user,
		pageSize: pageSize,
		http:     &authed,
	}
}

type collectionResponse struct {
	Pagination struct {
		Page  int `json:"page"`
		Pages int `json:"pages"`
		Items int `json:"items"`
	} `json:"pagination"`
	Releases []struct {
		ID        int64     `json:"id"`
		DateAdded time.Time `json:"date_added"`
		Basic     struct {
			Title   string `json:"title"`
			Year    int    `json:"year"`
			Artists []struct {
				Name string `json:"name"`
			} `json:"artists"`
			Genres []string `json:"genres"`
		} `json:"basic_information"`
	} `json:"releases"`
}

// FetchPage fetches one 1-based page of the collection.
func (c *CollectionClient) FetchPage(ctx context.Context, page int) (Page, error) {
	if page < 1 {
		return Page{}, fmt.Errorf("collection: invalid page %d", page)
	}
	u := fmt.Sprintf("%s/users/%s/collection/releases?%s",
		c.baseURL,
		url.PathEscape(c.user),
		url.Values{
			"page":     {strconv.Itoa(page)},
			"per_page": {strconv.Itoa(c.pageSize)},
		}.Encode(),
	)

	var body collectionResponse
	if _, err := get(ctx, c.http, CollectionProvider, u, &body); err != nil {
		return Page{}, err
	}

	out := Page{
		Number:     body.Pagination.Page,
		TotalPages: body.Pagination.Pages,
		TotalItems: body.Pagination.Items,
		Releases:   make([]Release, 0, len(body.Releases)),
	}
	if out.Number == 0 {
		out.Number = page
	}
	for _, r := range body.Releases {
		artists := make([]string, 0, len(r.Basic.Artists))
		for _, a := range r.Basic.Artists {
			artists = append(artists, a.Name)
		}
		out.Releases = append(out.Releases, Release{
			ID:      r.ID,
			Title:   r.Basic.Title,
			Artists: artists,
			Year:    r.Basic.Year,
			Genres:  r.Basic.Genres,
			AddedAt: r.DateAdded,
		})
	}
	return out, nil
}
