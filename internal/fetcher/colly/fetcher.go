// Package collyfetcher implements lookup.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/bookmeta/internal/lookup"
	"github.com/JakeFAU/bookmeta/internal/metrics"
)

const defaultTimeout = 15 * time.Second

// RateLimiter throttles requests per host.
type RateLimiter interface {
	Wait(ctx context.Context, url string) error
}

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodySize caps the response body in bytes; zero keeps colly's default.
	MaxBodySize int
	Limiter     RateLimiter
}

// Fetcher implements lookup.Fetcher using the Colly collector.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
}

var _ lookup.Fetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchState is written by the collector callbacks of a single visit.
type fetchState struct {
	response *colly.Response
	err      error
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	return &Fetcher{
		cfg:       cfg,
		transport: newHTTPTransport(),
	}
}

// Fetch executes a single HTTP GET using Colly and classifies the outcome.
func (f *Fetcher) Fetch(ctx context.Context, request lookup.FetchRequest) lookup.FetchResult {
	start := time.Now()
	result := f.fetch(ctx, request)
	result.Duration = time.Since(start)
	metrics.ObserveFetch(request.URL, result.Outcome.String(), len(result.Body))
	return result
}

func (f *Fetcher) fetch(ctx context.Context, request lookup.FetchRequest) lookup.FetchResult {
	if f.cfg.Limiter != nil {
		if err := f.cfg.Limiter.Wait(ctx, request.URL); err != nil {
			return classify(request.URL, nil, err)
		}
	}

	var state fetchState
	collector, robotsState := f.buildCollector(request, &state)
	canceled, err := f.runCollector(ctx, collector, request.URL, &state)
	if canceled {
		// The visit goroutine still owns state and robotsState.
		return classify(request.URL, nil, err)
	}

	var result lookup.FetchResult
	if err != nil {
		result = classify(request.URL, state.response, err)
	} else {
		result = fromResponse(request.URL, state.response)
	}
	robotsState.apply(&result)
	return result
}

func (f *Fetcher) buildCollector(request lookup.FetchRequest, state *fetchState) (*colly.Collector, *robotsProbeState) {
	// A fresh collector per visit: clones share one HTTP client, so per-request
	// timeouts would race between concurrent workers.
	collector := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	if f.cfg.MaxBodySize > 0 {
		collector.MaxBodySize = f.cfg.MaxBodySize
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	collector.SetRequestTimeout(timeout)

	var robotsState *robotsProbeState
	baseTransport := f.transport
	if baseTransport == nil {
		baseTransport = newHTTPTransport()
	}
	if f.cfg.RespectRobots {
		robotsState = newRobotsProbeState()
		collector.WithTransport(&robotsAwareTransport{
			base:  baseTransport,
			state: robotsState,
		})
	} else {
		collector.WithTransport(baseTransport)
	}

	f.configureCollectorHooks(collector, request, state)
	return collector, robotsState
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, request lookup.FetchRequest, state *fetchState) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		state.response = r
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			state.response = r
		}
		state.err = err
	})
}

// runCollector reports canceled when ctx ended before the visit returned; the
// caller must not touch state in that case.
func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	url string,
	state *fetchState,
) (canceled bool, err error) {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return true, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return false, fmt.Errorf("colly visit failed: %w", err)
		}
		if state.err != nil {
			return false, fmt.Errorf("colly response failed: %w", state.err)
		}
		return false, nil
	}
}

func (f *Fetcher) copyHeaders(request lookup.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func fromResponse(url string, r *colly.Response) lookup.FetchResult {
	if r == nil {
		return lookup.TransportError(url, "no response received")
	}
	if r.Request != nil && r.Request.URL != nil {
		url = r.Request.URL.String()
	}
	contentType := ""
	if r.Headers != nil {
		contentType = r.Headers.Get("Content-Type")
	}
	result := lookup.Success(url, append([]byte(nil), r.Body...), contentType)
	result.StatusCode = r.StatusCode
	return result
}

// classify maps a failed visit onto the fetch outcome taxonomy: 404 is
// NotFound, any deadline is Timeout, everything else is a transport error.
func classify(url string, r *colly.Response, err error) lookup.FetchResult {
	if r != nil && r.StatusCode == http.StatusNotFound {
		return lookup.NotFound(url)
	}
	if isTimeout(err) {
		return lookup.Timeout(url)
	}
	result := lookup.TransportError(url, err.Error())
	if r != nil {
		result.StatusCode = r.StatusCode
	}
	return result
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
