package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookmeta/internal/extract"
	collyfetcher "github.com/JakeFAU/bookmeta/internal/fetcher/colly"
	"github.com/JakeFAU/bookmeta/internal/lookup"
)

const (
	casperURL = "https://www.saxo.com/dk/casper_martin-kongstad_9788740065756"
	lydbogURL = "https://www.saxo.com/dk/casper-lydbog_martin-kongstad_9788740065763"
	ebogURL   = "https://www.saxo.com/dk/casper-e-bog_martin-kongstad_9788740065770"
	byenURL   = "https://www.saxo.com/dk/byen-og-havet_hanne-hansen_9788702123456"
)

func TestDiscoverFiltersAndLimits(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{body: readFixture(t)}
	s := newSearcher(t, Config{}, fetcher)

	urls, err := s.Discover(context.Background(), lookup.Query{
		Title:   "Casper",
		Authors: []string{"Martin Kongstad"},
	}, time.Second)
	require.NoError(t, err)
	require.Equal(t, []string{casperURL, lydbogURL}, urls)

	require.Equal(t,
		"https://html.duckduckgo.com/html/?q=Casper+Martin+Kongstad+site%3Asaxo.com",
		fetcher.lastURL(),
	)
}

func TestDiscoverHonorsLimit(t *testing.T) {
	t.Parallel()

	s := newSearcher(t, Config{Limit: 5}, &fakeFetcher{body: readFixture(t)})

	urls, err := s.Discover(context.Background(), lookup.Query{Title: "Casper"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, []string{casperURL, lydbogURL, ebogURL}, urls)
}

func TestDiscoverWithoutTitleSkipsFuzzyFilter(t *testing.T) {
	t.Parallel()

	s := newSearcher(t, Config{Limit: 5}, &fakeFetcher{body: readFixture(t)})

	urls, err := s.Discover(context.Background(), lookup.Query{Authors: []string{"Martin Kongstad"}}, time.Second)
	require.NoError(t, err)
	require.Equal(t, []string{casperURL, byenURL, lydbogURL, ebogURL}, urls)
}

func TestDiscoverMaxTitleDistance(t *testing.T) {
	t.Parallel()

	s := newSearcher(t, Config{Limit: 5, MaxTitleDistance: 1}, &fakeFetcher{body: readFixture(t)})

	urls, err := s.Discover(context.Background(), lookup.Query{Title: "Casper"}, time.Second)
	require.NoError(t, err)
	require.Empty(t, urls, "every result title is longer than the query")
}

func TestDiscoverEmptyQuery(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{body: readFixture(t)}
	s := newSearcher(t, Config{}, fetcher)

	urls, err := s.Discover(context.Background(), lookup.Query{Title: "  "}, time.Second)
	require.NoError(t, err)
	require.Nil(t, urls)
	require.Empty(t, fetcher.lastURL())
}

func TestDiscoverFetchFailure(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{result: lookup.Timeout("https://html.duckduckgo.com/html/")}
	s := newSearcher(t, Config{}, fetcher)

	_, err := s.Discover(context.Background(), lookup.Query{Title: "Casper"}, time.Second)
	require.ErrorIs(t, err, ErrSearchFailed)
	require.ErrorIs(t, err, lookup.ErrNetworkTimeout)
}

func TestDiscoverOverHTTP(t *testing.T) {
	t.Parallel()

	body := readFixture(t)
	var gotQuery string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotQuery = r.URL.Query().Get("q")
		mu.Unlock()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	fetcher := collyfetcher.New(collyfetcher.Config{UserAgent: "bookmeta-test"})
	s := newSearcher(t, Config{SearchURL: srv.URL + "/html/?q={query}"}, fetcher)

	urls, err := s.Discover(context.Background(), lookup.Query{Title: "Casper"}, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, []string{casperURL, lydbogURL}, urls)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "Casper site:saxo.com", gotQuery)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, extract.Saxo(), nil, nil)
	require.Error(t, err)

	_, err = New(Config{SearchURL: "https://search.example/"}, extract.Saxo(), &fakeFetcher{}, nil)
	require.ErrorContains(t, err, "{query}")

	profile := extract.Saxo()
	profile.ProductLinkPattern = "("
	_, err = New(Config{}, profile, &fakeFetcher{}, nil)
	require.ErrorContains(t, err, "product link pattern")
}

func TestUnwrap(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		href string
		want string
		ok   bool
	}{
		"redirect":      {"//duckduckgo.com/l/?uddg=https%3A%2F%2Fwww.saxo.com%2Fdk%2Fx_1234567890&rut=1", "https://www.saxo.com/dk/x_1234567890", true},
		"direct":        {"https://www.saxo.com/dk/x_1234567890#top", "https://www.saxo.com/dk/x_1234567890", true},
		"relative":      {"/dk/x", "", false},
		"javascript":    {"javascript:void(0)", "", false},
		"bad redirect":  {"https://duckduckgo.com/l/?uddg=%3A%2F%2F", "", false},
		"protocol-less": {"//www.saxo.com/dk/x_1234567890", "https://www.saxo.com/dk/x_1234567890", true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got, ok := unwrap(tc.href)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func newSearcher(t *testing.T, cfg Config, fetcher lookup.Fetcher) *Searcher {
	t.Helper()
	s, err := New(cfg, extract.Saxo(), fetcher, zap.NewNop())
	require.NoError(t, err)
	return s
}

func readFixture(t *testing.T) []byte {
	t.Helper()
	body, err := os.ReadFile(filepath.Join("testdata", "ddg_results.html"))
	require.NoError(t, err)
	return body
}

type fakeFetcher struct {
	mu     sync.Mutex
	body   []byte
	result lookup.FetchResult
	last   string
}

func (f *fakeFetcher) Fetch(_ context.Context, req lookup.FetchRequest) lookup.FetchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = req.URL
	if f.body == nil {
		return f.result
	}
	return lookup.Success(req.URL, f.body, "text/html")
}

func (f *fakeFetcher) lastURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}
