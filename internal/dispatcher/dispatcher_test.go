package dispatcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookmeta/internal/extract"
	"github.com/JakeFAU/bookmeta/internal/lookup"
	"github.com/JakeFAU/bookmeta/internal/progress"
	"github.com/JakeFAU/bookmeta/internal/sink"
	"github.com/JakeFAU/bookmeta/internal/worker"
)

const (
	casperISBN      = "9788740065756"
	casperDirectURL = "https://www.saxo.com/dk/products/search?query=9788740065756"
	discoveredURL   = "https://www.saxo.com/dk/casper_martin-kongstad_9788740065756"
	secondURL       = "https://www.saxo.com/dk/casper-lydbog_martin-kongstad_9788740065763"
	thirdURL        = "https://www.saxo.com/dk/casper-e-bog_martin-kongstad_9788740065770"
)

func TestIdentifyCasper(t *testing.T) {
	t.Parallel()

	body := readFixture(t, "casper.html")
	fetcher := newFakeFetcher(map[string]lookup.FetchResult{
		casperDirectURL: lookup.Success(casperDirectURL, body, "text/html"),
	})
	events := &fakeEmitter{}
	d := newDispatcher(t, Config{PollInterval: 10 * time.Millisecond}, fetcher, nil, events)
	results := sink.New(sink.Config{})

	report := d.Identify(context.Background(), isbnQuery(), lookup.NewAbortSignal(), time.Second, results)

	require.False(t, report.Aborted)
	require.Equal(t, 1, report.Started)
	require.NotEqual(t, uuid.Nil, report.LookupID)
	require.Equal(t, []lookup.Candidate{{URL: casperDirectURL, Source: lookup.SourceDirect, Rank: 0}}, report.Candidates)

	records := results.Drain()
	require.Len(t, records, 1)
	published := time.Date(2020, time.March, 12, 0, 0, 0, 0, time.UTC)
	want := lookup.Record{
		Title:         "Casper",
		Authors:       []string{"Martin Kongstad"},
		Rating:        4.2,
		ISBN:          casperISBN,
		Publisher:     "Rosinante",
		Language:      "dan",
		PublishedAt:   &published,
		CoverURL:      "https://imagesprod.saxo.com/pi/9788740065756.jpg",
		Description:   "Casper er en roman om venskab, kunst og København i firserne.",
		RelevanceRank: 0,
		SourceURL:     casperDirectURL,
		Identifiers:   map[string]string{lookup.IdentifierISBN: casperISBN},
	}
	if diff := cmp.Diff(want, records[0]); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}

	stages := events.stages()
	require.Equal(t, progress.StageLookupStart, stages[0])
	require.Equal(t, progress.StageLookupDone, stages[len(stages)-1])
}

func TestIdentifyRanksDiscoveredCandidates(t *testing.T) {
	t.Parallel()

	body := readFixture(t, "casper.html")
	fetcher := newFakeFetcher(map[string]lookup.FetchResult{
		casperDirectURL: lookup.Success(casperDirectURL, body, "text/html"),
		discoveredURL:   lookup.Success(discoveredURL, body, "text/html"),
	})
	searcher := &fakeSearcher{urls: []string{discoveredURL}}
	d := newDispatcher(t, Config{Stagger: -1, PollInterval: 10 * time.Millisecond}, fetcher, searcher, nil)
	results := sink.New(sink.Config{})

	query := isbnQuery()
	query.Title = "Casper"
	query.Authors = []string{"Martin Kongstad"}
	report := d.Identify(context.Background(), query, lookup.NewAbortSignal(), time.Second, results)

	require.Len(t, report.Candidates, 2)
	records := results.Drain()
	require.Len(t, records, 2)
	sink.SortByRelevance(records)
	require.Equal(t, 0, records[0].RelevanceRank)
	require.Equal(t, casperDirectURL, records[0].SourceURL)
	require.Equal(t, 1, records[1].RelevanceRank)
	require.Equal(t, discoveredURL, records[1].SourceURL)
}

func TestIdentifyStartsOneWorkerPerCandidate(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(nil)
	searcher := &fakeSearcher{urls: []string{discoveredURL, casperDirectURL, secondURL, thirdURL}}
	d := newDispatcher(t, Config{Stagger: -1, PollInterval: 10 * time.Millisecond}, fetcher, searcher, nil)

	query := isbnQuery()
	query.Title = "Casper"
	report := d.Identify(context.Background(), query, lookup.NewAbortSignal(), time.Second, sink.New(sink.Config{}))

	require.Equal(t, []lookup.Candidate{
		{URL: casperDirectURL, Source: lookup.SourceDirect, Rank: 0},
		{URL: discoveredURL, Source: lookup.SourceDiscovered, Rank: 1},
		{URL: secondURL, Source: lookup.SourceDiscovered, Rank: 2},
	}, report.Candidates, "duplicates are skipped and discovery is capped at two")
	require.Equal(t, 3, report.Started)
	require.ElementsMatch(t, []string{casperDirectURL, discoveredURL, secondURL}, fetcher.requested())
}

func TestIdentifyDiscoveryFailureIsIgnored(t *testing.T) {
	t.Parallel()

	body := readFixture(t, "casper.html")
	fetcher := newFakeFetcher(map[string]lookup.FetchResult{
		casperDirectURL: lookup.Success(casperDirectURL, body, "text/html"),
	})
	searcher := &fakeSearcher{err: errors.New("search engine unavailable")}
	d := newDispatcher(t, Config{PollInterval: 10 * time.Millisecond}, fetcher, searcher, nil)
	results := sink.New(sink.Config{})

	query := isbnQuery()
	query.Title = "Casper"
	report := d.Identify(context.Background(), query, lookup.NewAbortSignal(), time.Second, results)

	require.Len(t, report.Candidates, 1)
	require.Equal(t, 1, results.Len())
}

func TestIdentifyWithoutCandidates(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(nil)
	d := newDispatcher(t, Config{}, fetcher, nil, nil)

	report := d.Identify(context.Background(), lookup.Query{Title: "Casper"}, nil, time.Second, sink.New(sink.Config{}))

	require.Empty(t, report.Candidates)
	require.False(t, report.Aborted)
	require.Empty(t, fetcher.requested())
}

func TestIdentifyAbortAlreadySet(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(nil)
	searcher := &fakeSearcher{urls: []string{discoveredURL}}
	d := newDispatcher(t, Config{}, fetcher, searcher, nil)
	results := sink.New(sink.Config{})
	abort := lookup.NewAbortSignal()
	abort.Set()

	start := time.Now()
	query := isbnQuery()
	query.Title = "Casper"
	report := d.Identify(context.Background(), query, abort, time.Second, results)

	require.Less(t, time.Since(start), 200*time.Millisecond)
	require.True(t, report.Aborted)
	require.Zero(t, report.Started)
	require.Zero(t, results.Len())
	require.Empty(t, fetcher.requested())
	require.Zero(t, searcher.callCount())
}

func TestIdentifyAbortStopsWaiting(t *testing.T) {
	t.Parallel()

	fetcher := newBlockingFetcher()
	defer fetcher.releaseAll()
	d := newDispatcher(t, Config{PollInterval: 50 * time.Millisecond}, fetcher, nil, nil)
	abort := lookup.NewAbortSignal()

	done := make(chan Report, 1)
	go func() {
		done <- d.Identify(context.Background(), isbnQuery(), abort, time.Minute, sink.New(sink.Config{}))
	}()

	require.Eventually(t, func() bool { return fetcher.inFlight() == 1 }, time.Second, 5*time.Millisecond)
	abort.Set()

	select {
	case report := <-done:
		require.True(t, report.Aborted)
		require.Equal(t, 1, report.Started)
	case <-time.After(time.Second):
		t.Fatal("identify kept waiting after abort")
	}

	require.Never(t, func() bool { return fetcher.canceled() > 0 }, 100*time.Millisecond, 10*time.Millisecond,
		"in-flight fetches run to completion unless interrupt_on_abort is set")
}

func TestIdentifyInterruptOnAbortCancelsFetches(t *testing.T) {
	t.Parallel()

	fetcher := newBlockingFetcher()
	defer fetcher.releaseAll()
	d := newDispatcher(t, Config{PollInterval: 50 * time.Millisecond, InterruptOnAbort: true}, fetcher, nil, nil)
	abort := lookup.NewAbortSignal()

	done := make(chan Report, 1)
	go func() {
		done <- d.Identify(context.Background(), isbnQuery(), abort, time.Minute, sink.New(sink.Config{}))
	}()

	require.Eventually(t, func() bool { return fetcher.inFlight() == 1 }, time.Second, 5*time.Millisecond)
	abort.Set()

	report := <-done
	require.True(t, report.Aborted)
	require.Eventually(t, func() bool { return fetcher.canceled() == 1 }, time.Second, 5*time.Millisecond)
}

func TestIdentifyAbortDuringStagger(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(nil)
	searcher := &fakeSearcher{urls: []string{discoveredURL, secondURL}}
	d := newDispatcher(t, Config{Stagger: time.Minute, PollInterval: 10 * time.Millisecond}, fetcher, searcher, nil)
	abort := lookup.NewAbortSignal()

	done := make(chan Report, 1)
	go func() {
		query := isbnQuery()
		query.Title = "Casper"
		done <- d.Identify(context.Background(), query, abort, time.Second, sink.New(sink.Config{}))
	}()

	require.Eventually(t, func() bool { return len(fetcher.requested()) == 1 }, time.Second, 5*time.Millisecond)
	abort.Set()

	select {
	case report := <-done:
		require.True(t, report.Aborted)
		require.Len(t, report.Candidates, 3)
		require.Equal(t, 1, report.Started)
	case <-time.After(time.Second):
		t.Fatal("identify did not stop scheduling after abort")
	}
	require.Equal(t, []string{casperDirectURL}, fetcher.requested())
}

func TestIdentifyContextCancelStopsWaiting(t *testing.T) {
	t.Parallel()

	fetcher := newBlockingFetcher()
	defer fetcher.releaseAll()
	d := newDispatcher(t, Config{PollInterval: 50 * time.Millisecond}, fetcher, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Report, 1)
	go func() {
		done <- d.Identify(ctx, isbnQuery(), lookup.NewAbortSignal(), time.Minute, sink.New(sink.Config{}))
	}()

	require.Eventually(t, func() bool { return fetcher.inFlight() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case report := <-done:
		require.True(t, report.Aborted)
	case <-time.After(time.Second):
		t.Fatal("identify ignored context cancellation")
	}
}

func newDispatcher(
	t *testing.T,
	cfg Config,
	fetcher lookup.Fetcher,
	searcher lookup.Searcher,
	events progress.Emitter,
) *Dispatcher {
	t.Helper()

	profile := extract.Saxo()
	extractor, err := extract.New(profile, extract.NewLanguageMap(extract.DefaultLanguages()))
	require.NoError(t, err)

	deps := worker.Deps{
		Fetcher:   fetcher,
		Pages:     profile,
		Extractor: extractor,
		Progress:  events,
		Logger:    zap.NewNop(),
	}
	return New(cfg, profile, searcher, deps, nil)
}

func isbnQuery() lookup.Query {
	return lookup.Query{Identifiers: map[string]string{lookup.IdentifierISBN: casperISBN}}
}

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	body, err := os.ReadFile(filepath.Join("..", "extract", "testdata", name))
	require.NoError(t, err)
	return body
}

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]lookup.FetchResult
	urls      []string
}

func newFakeFetcher(responses map[string]lookup.FetchResult) *fakeFetcher {
	return &fakeFetcher{responses: responses}
}

func (f *fakeFetcher) Fetch(_ context.Context, req lookup.FetchRequest) lookup.FetchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, req.URL)
	if resp, ok := f.responses[req.URL]; ok {
		return resp
	}
	return lookup.NotFound(req.URL)
}

func (f *fakeFetcher) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

type blockingFetcher struct {
	release chan struct{}
	once    sync.Once

	mu        sync.Mutex
	active    int
	cancelled int
}

func newBlockingFetcher() *blockingFetcher {
	return &blockingFetcher{release: make(chan struct{})}
}

func (f *blockingFetcher) Fetch(ctx context.Context, req lookup.FetchRequest) lookup.FetchResult {
	f.mu.Lock()
	f.active++
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	select {
	case <-f.release:
		return lookup.NotFound(req.URL)
	case <-ctx.Done():
		f.mu.Lock()
		f.cancelled++
		f.mu.Unlock()
		return lookup.TransportError(req.URL, ctx.Err().Error())
	}
}

func (f *blockingFetcher) inFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *blockingFetcher) canceled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *blockingFetcher) releaseAll() {
	f.once.Do(func() { close(f.release) })
}

type fakeSearcher struct {
	mu    sync.Mutex
	urls  []string
	err   error
	calls int
}

func (s *fakeSearcher) Discover(context.Context, lookup.Query, time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.urls, s.err
}

func (s *fakeSearcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *fakeEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *fakeEmitter) stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Stage)
	}
	return out
}
