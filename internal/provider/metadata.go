package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/renja-g/CrateSync/internal/fetch"
	"github.com/renja-g/CrateSync/internal/transport"
)

// Metadata is one provider's supplementary data for a release.
type Metadata struct {
	Provider  string    `json:"provider"`
	URL       string    `json:"url,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Score     float64   `json:"score,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

type MetadataClient struct {
	name    string
	baseURL string
	http    *http.Client
}

func NewMetadataClient(name, baseURL, token string, client *http.Client, obs transport.UpstreamObserver) *MetadataClient {
	if client == nil {
		client = http.DefaultClient
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	var authed http.RoundTripper = base
	if token != "" {
		authed = transport.WithHeader(base, "Authorization", "Bearer "+token)
	}
	c := *client
	c.Transport = transport.WithObserver(authed, name, obs)
	return &MetadataClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &c,
	}
}

func (c *MetadataClient) Name() string { return c.name }

type lookupResponse struct {
	URL   string   `json:"url"`
	Tags  []string `json:"tags"`
	Score float64  `json:"score"`
}

// Lookup returns nil, nil when the provider has no entry for r.
func (c *MetadataClient) Lookup(ctx context.Context, r Release) (*Metadata, error) {
	u := c.baseURL + "/lookup?" + url.Values{
		"artist": {r.Artist()},
		"title":  {r.Title},
	}.Encode()

	var body lookupResponse
	code, err := get(ctx, c.http, c.name, u, &body)
	if code == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Metadata{
		Provider:  c.name,
		URL:       body.URL,
		Tags:      body.Tags,
		Score:     body.Score,
		FetchedAt: time.Now().UTC(),
	}, nil
}

var ErrUnknownProvider = errors.New("unknown metadata provider")

// MetadataSet routes lookups to the client registered for each provider key.
type MetadataSet struct {
	clients map[string]*MetadataClient
	names   []string
}

func NewMetadataSet(clients ...*MetadataClient) *MetadataSet {
	s := &MetadataSet{clients: make(map[string]*MetadataClient, len(clients))}
	for _, c := range clients {
		s.clients[c.name] = c
		s.names = append(s.names, c.name)
	}
	slices.Sort(s.names)
	return s
}

// Names lists the registered provider keys in sorted order.
func (s *MetadataSet) Names() []string { return slices.Clone(s.names) }

func (s *MetadataSet) Has(name string) bool {
	_, ok := s.clients[name]
	return ok
}

// FetchMetadata fetches r's metadata from provider.
func (s *MetadataSet) FetchMetadata(ctx context.Context, r Release, provider string) (*Metadata, error) {
	c, ok := s.clients[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", provider, fetch.ErrAborted)
	}
	return c.Lookup(ctx, r)
}
