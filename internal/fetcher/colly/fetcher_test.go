package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bookmeta/internal/lookup"
)

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	var gotAgent, gotTrace atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent.Store(r.UserAgent())
		gotTrace.Store(r.Header.Get("X-Trace"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><title>Casper</title></html>"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "bookmeta-test", Timeout: time.Second})
	res := f.Fetch(context.Background(), lookup.FetchRequest{
		URL:     srv.URL + "/dk/products/search?query=9788740065756",
		Headers: http.Header{"X-Trace": {"yes"}},
	})

	require.Equal(t, lookup.OutcomeSuccess, res.Outcome, res.Detail)
	require.True(t, res.OK())
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, res.ContentType, "text/html")
	require.Contains(t, string(res.Body), "Casper")
	require.Positive(t, res.Duration)
	require.Equal(t, "bookmeta-test", gotAgent.Load())
	require.Equal(t, "yes", gotTrace.Load())
}

func TestFetchNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	res := New(Config{Timeout: time.Second}).Fetch(context.Background(), lookup.FetchRequest{URL: srv.URL + "/missing"})
	require.Equal(t, lookup.OutcomeNotFound, res.Outcome)
	require.ErrorIs(t, res.Err(), lookup.ErrNetworkNotFound)
}

func TestFetchServerErrorIsTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	res := New(Config{Timeout: time.Second}).Fetch(context.Background(), lookup.FetchRequest{URL: srv.URL})
	require.Equal(t, lookup.OutcomeTransportError, res.Outcome)
	require.Equal(t, http.StatusBadGateway, res.StatusCode)
	require.NotEmpty(t, res.Detail)
	require.ErrorIs(t, res.Err(), lookup.ErrNetworkOther)
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	res := New(Config{Timeout: 5 * time.Second}).Fetch(context.Background(), lookup.FetchRequest{
		URL:     srv.URL,
		Timeout: 50 * time.Millisecond,
	})
	require.Equal(t, lookup.OutcomeTimeout, res.Outcome, res.Detail)
	require.ErrorIs(t, res.Err(), lookup.ErrNetworkTimeout)
}

func TestFetchConnectionRefused(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	res := New(Config{Timeout: time.Second}).Fetch(context.Background(), lookup.FetchRequest{URL: addr})
	require.Equal(t, lookup.OutcomeTransportError, res.Outcome)
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	res := New(Config{Timeout: 5 * time.Second}).Fetch(ctx, lookup.FetchRequest{URL: srv.URL})
	require.Equal(t, lookup.OutcomeTransportError, res.Outcome)
	require.Contains(t, res.Detail, "canceled")
}

func TestFetchDeadlineBeforeSlowResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		robots bool
	}{
		{name: "plain", robots: false},
		{name: "robots", robots: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var served atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(40 * time.Millisecond)
				served.Add(1)
				http.NotFound(w, r)
			}))
			t.Cleanup(srv.Close)

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			res := New(Config{Timeout: 5 * time.Second, RespectRobots: tt.robots}).Fetch(ctx, lookup.FetchRequest{URL: srv.URL + "/dk/casper"})
			require.Equal(t, lookup.OutcomeTimeout, res.Outcome, res.Detail)
			require.Zero(t, res.StatusCode)

			// Let the abandoned visit run its callbacks while the race detector watches.
			require.Eventually(t, func() bool { return served.Load() > 0 }, time.Second, 5*time.Millisecond)
			time.Sleep(20 * time.Millisecond)
		})
	}
}

func TestFetchSameURLTwice(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: time.Second})
	for i := 0; i < 2; i++ {
		res := f.Fetch(context.Background(), lookup.FetchRequest{URL: srv.URL + "/same"})
		require.True(t, res.OK(), res.Detail)
	}
	require.EqualValues(t, 2, hits.Load())
}

func TestFetchMaxBodySize(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	t.Cleanup(srv.Close)

	res := New(Config{Timeout: time.Second, MaxBodySize: 1024}).Fetch(context.Background(), lookup.FetchRequest{URL: srv.URL})
	require.True(t, res.OK(), res.Detail)
	require.Len(t, res.Body, 1024)
}

func TestFetchUsesLimiter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	limiter := &stubLimiter{}
	res := New(Config{Timeout: time.Second, Limiter: limiter}).Fetch(context.Background(), lookup.FetchRequest{URL: srv.URL})
	require.True(t, res.OK())
	require.Equal(t, []string{srv.URL}, limiter.urls)

	blocked := &stubLimiter{err: context.DeadlineExceeded}
	res = New(Config{Limiter: blocked}).Fetch(context.Background(), lookup.FetchRequest{URL: srv.URL})
	require.Equal(t, lookup.OutcomeTimeout, res.Outcome)
}

func TestBuildCollectorTimeouts(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", RespectRobots: true, Timeout: time.Second, MaxBodySize: 2048})
	collector, robots := f.buildCollector(lookup.FetchRequest{URL: "https://www.saxo.com"}, &fetchState{})
	require.Equal(t, "coverage-agent", collector.UserAgent)
	require.False(t, collector.IgnoreRobotsTxt)
	require.Equal(t, 2048, collector.MaxBodySize)
	require.NotNil(t, robots)

	f = New(Config{})
	collector, robots = f.buildCollector(lookup.FetchRequest{URL: "https://www.saxo.com"}, &fetchState{})
	require.True(t, collector.IgnoreRobotsTxt)
	require.Nil(t, robots)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := lookup.FetchRequest{
		URL:     "https://www.saxo.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	var state fetchState

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, &state)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	resp := &colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"text/html"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://www.saxo.com/dk/casper")},
	}
	hooks.onResponse(resp)
	res := fromResponse(req.URL, state.response)
	require.Equal(t, "https://www.saxo.com/dk/casper", res.URL)
	require.Equal(t, "text/html", res.ContentType)
	require.Equal(t, "body", string(res.Body))

	hooks.onError(&colly.Response{StatusCode: http.StatusNotFound}, errors.New("Not Found"))
	require.EqualError(t, state.err, "Not Found")
	require.Equal(t, lookup.OutcomeNotFound, classify(req.URL, state.response, state.err).Outcome)
}

func TestCopyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	collyReq := &colly.Request{Headers: &http.Header{}}
	f.copyHeaders(lookup.FetchRequest{}, collyReq)
	require.Empty(t, *collyReq.Headers)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubLimiter struct {
	urls []string
	err  error
}

func (s *stubLimiter) Wait(_ context.Context, url string) error {
	s.urls = append(s.urls, url)
	return s.err
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
