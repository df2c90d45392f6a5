package cover

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/bookmeta/internal/dispatcher"
	"github.com/JakeFAU/bookmeta/internal/lookup"
	"github.com/JakeFAU/bookmeta/internal/metrics"
	"github.com/JakeFAU/bookmeta/internal/sink"
)

// Cover download errors.
var (
	ErrNoCover  = errors.New("no cover found")
	ErrNotImage = errors.New("cover is not an image")
	ErrTooLarge = errors.New("cover exceeds size limit")
	ErrAborted  = errors.New("cover lookup aborted")
)

const defaultMaxBytes = 10 << 20

// Identifier runs a full identify pass. *dispatcher.Dispatcher satisfies it.
type Identifier interface {
	Identify(
		ctx context.Context,
		query lookup.Query,
		abort *lookup.AbortSignal,
		timeout time.Duration,
		sink lookup.Sink,
	) dispatcher.Report
}

// Image is a downloaded cover.
type Image struct {
	ISBN        string
	URL         string
	ContentType string
	Data        []byte
}

// Config controls downloads.
type Config struct {
	MaxBytes int
	Sink     sink.Config
}

// Service resolves cover URLs through the cache or an identify pass and
// downloads the image bytes.
type Service struct {
	cfg      Config
	cache    *Cache
	identify Identifier
	fetcher  lookup.Fetcher
	group    singleflight.Group
	logger   *zap.Logger

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the shared identify pass for one key. Its abort fires once every
// waiting caller has left, so one caller giving up never cancels the others.
type flight struct {
	abort   *lookup.AbortSignal
	waiters int
}

// NewService wires a Service. The fetcher should cap bodies slightly above
// cfg.MaxBytes so oversized covers are detected rather than truncated.
func NewService(cfg Config, cache *Cache, identify Identifier, fetcher lookup.Fetcher, logger *zap.Logger) *Service {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		cache:    cache,
		identify: identify,
		fetcher:  fetcher,
		logger:   logger.Named("cover"),
		flights:  make(map[string]*flight),
	}
}

// Download returns the cover for query. A cached URL for the query's ISBN is
// used directly; otherwise one identify pass runs, shared by concurrent
// callers asking for the same book.
func (s *Service) Download(
	ctx context.Context,
	query lookup.Query,
	abort *lookup.AbortSignal,
	timeout time.Duration,
) (Image, error) {
	img, err := s.download(ctx, query, abort, timeout)
	metrics.ObserveCoverDownload(downloadResult(err))
	return img, err
}

func (s *Service) download(
	ctx context.Context,
	query lookup.Query,
	abort *lookup.AbortSignal,
	timeout time.Duration,
) (Image, error) {
	isbn := NormalizeISBN(query.ISBN())
	coverURL, ok := s.cache.Get(isbn)
	if !ok {
		if abort.IsSet() {
			return Image{}, ErrAborted
		}
		resolved, err := s.resolve(ctx, query, abort, timeout)
		if err != nil {
			return Image{}, err
		}
		isbn, coverURL = resolved.ISBN, resolved.URL
	}
	if abort.IsSet() {
		return Image{}, ErrAborted
	}

	res := s.fetcher.Fetch(ctx, lookup.FetchRequest{URL: coverURL, Timeout: timeout})
	if !res.OK() {
		return Image{}, fmt.Errorf("download cover: %w", res.Err())
	}
	contentType := strings.ToLower(strings.TrimSpace(res.ContentType))
	if !strings.HasPrefix(contentType, "image/") {
		return Image{}, fmt.Errorf("%w: %q from %s", ErrNotImage, res.ContentType, coverURL)
	}
	if len(res.Body) > s.cfg.MaxBytes {
		return Image{}, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, s.cfg.MaxBytes)
	}
	return Image{ISBN: isbn, URL: coverURL, ContentType: res.ContentType, Data: res.Body}, nil
}

type resolvedCover struct {
	ISBN string
	URL  string
}

func (s *Service) resolve(
	ctx context.Context,
	query lookup.Query,
	abort *lookup.AbortSignal,
	timeout time.Duration,
) (resolvedCover, error) {
	key := flightKey(query)
	f := s.join(key)
	defer s.leave(key, f)

	// The pass outlives any single caller: it runs detached from ctx and
	// stops only through the flight's own abort signal.
	passCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		results := sink.New(s.cfg.Sink)
		defer results.Close()
		report := s.identify.Identify(passCtx, query, f.abort, timeout, results)

		records := results.Drain()
		sink.SortByRelevance(records)
		for _, rec := range records {
			if !rec.HasCover() {
				continue
			}
			id := NormalizeISBN(rec.ISBN)
			if id == "" {
				id = NormalizeISBN(query.ISBN())
			}
			s.cache.Put(id, rec.CoverURL)
			return resolvedCover{ISBN: id, URL: rec.CoverURL}, nil
		}
		if report.Aborted {
			return nil, ErrAborted
		}
		return nil, ErrNoCover
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return resolvedCover{}, res.Err
		}
		if res.Shared {
			s.logger.Debug("shared identify pass for cover", zap.String("key", key))
		}
		return res.Val.(resolvedCover), nil
	case <-abort.Done():
		return resolvedCover{}, ErrAborted
	case <-ctx.Done():
		return resolvedCover{}, fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
	}
}

func (s *Service) join(key string) *flight {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flights[key]
	if !ok {
		f = &flight{abort: lookup.NewAbortSignal()}
		s.flights[key] = f
	}
	f.waiters++
	return f
}

// leave drops a waiter. The last one out aborts the pass and forgets it, so
// the next caller starts a fresh one instead of joining an aborted pass.
func (s *Service) leave(key string, f *flight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.abort.Set()
	if s.flights[key] == f {
		delete(s.flights, key)
		s.group.Forget(key)
	}
}

func flightKey(query lookup.Query) string {
	if isbn := NormalizeISBN(query.ISBN()); isbn != "" {
		return "isbn:" + isbn
	}
	return "text:" + strings.ToLower(strings.TrimSpace(query.Title)) + "|" +
		strings.ToLower(strings.Join(query.Authors, ","))
}

func downloadResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNoCover):
		return "no_cover"
	case errors.Is(err, ErrNotImage):
		return "not_image"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, ErrAborted):
		return "aborted"
	default:
		return "fetch_error"
	}
}
