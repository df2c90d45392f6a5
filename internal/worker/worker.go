// Package worker runs the fetch, extract and emit pipeline for one candidate.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookmeta/internal/lookup"
	"github.com/JakeFAU/bookmeta/internal/metrics"
	"github.com/JakeFAU/bookmeta/internal/progress"
)

// PageClassifier recognizes soft 404 pages served with a 200 status.
// extract.Profile satisfies it.
type PageClassifier interface {
	IsNotFoundPage(body []byte) bool
}

// HeadlessBudget gates headless promotions per host.
type HeadlessBudget interface {
	AllowHeadless(rawURL string) bool
}

// Deps bundles the collaborators shared by every worker of a lookup pass.
// Headless, Detector, Budget, Pages, Covers and Hasher are optional.
type Deps struct {
	Fetcher   lookup.Fetcher
	Headless  lookup.Fetcher
	Detector  lookup.HeadlessDetector
	Budget    HeadlessBudget
	Pages     PageClassifier
	Extractor lookup.Extractor
	Sink      lookup.Sink
	Covers    lookup.CoverCache
	Hasher    lookup.Hasher
	Clock     lookup.Clock
	Progress  progress.Emitter
	Logger    *zap.Logger
}

// Task identifies the unit of work a Worker executes.
type Task struct {
	LookupID  uuid.UUID
	Query     lookup.Query
	Candidate lookup.Candidate
	Timeout   time.Duration
}

// Worker executes one Task as a detached goroutine.
type Worker struct {
	deps   Deps
	task   Task
	logger *zap.Logger

	startOnce sync.Once
	started   chan struct{}
	done      chan struct{}
}

// New constructs a Worker. It does nothing until Start is called.
func New(deps Deps, task Task) *Worker {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Progress == nil {
		deps.Progress = progress.Nop{}
	}
	return &Worker{
		deps: deps,
		task: task,
		logger: deps.Logger.With(
			zap.String("lookup_id", task.LookupID.String()),
			zap.String("candidate", task.Candidate.URL),
			zap.Int("rank", task.Candidate.Rank),
		),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Candidate returns the candidate this worker owns.
func (w *Worker) Candidate() lookup.Candidate {
	return w.task.Candidate
}

// Start launches the worker. Subsequent calls are no-ops.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		close(w.started)
		go func() {
			defer close(w.done)
			w.Run(ctx)
		}()
	})
}

// Done is closed once a started worker finishes.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Alive reports whether the worker has started and not yet finished.
func (w *Worker) Alive() bool {
	select {
	case <-w.started:
	default:
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Run executes the pipeline synchronously. Failures are logged and reported
// as progress events; nothing is returned and panics do not escape.
func (w *Worker) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker panicked", zap.Any("panic", r), zap.Stack("stack"))
			w.fail("panic", fmt.Sprint(r))
		}
	}()

	target := w.task.Candidate.URL
	w.emit(progress.Event{Stage: progress.StageFetchStart, URL: target})

	res := w.fetch(ctx)
	w.emit(progress.Event{
		Stage:   progress.StageFetchDone,
		URL:     target,
		Outcome: res.Outcome.String(),
		Bytes:   int64(len(res.Body)),
		Dur:     res.Duration,
	})
	if !res.OK() {
		w.logFetchFailure(res)
		w.fail(res.Outcome.String(), res.Detail)
		return
	}
	if w.deps.Pages != nil && w.deps.Pages.IsNotFoundPage(res.Body) {
		w.logger.Info("candidate not found", zap.String("reason", "not_found_marker"))
		w.fail(lookup.OutcomeNotFound.String(), "not found marker")
		return
	}

	doc, err := parse(res)
	if err != nil {
		w.logger.Warn("malformed page", zap.Error(err))
		w.fail("malformed_page", err.Error())
		return
	}

	extraction, err := w.deps.Extractor.Extract(doc)
	if err != nil {
		switch {
		case errors.Is(err, lookup.ErrMissingStructuredPayload):
			w.logger.Warn("no structured payload on page", zap.Error(err))
			w.fail("missing_payload", err.Error())
		default:
			w.logger.Error("extraction failed", zap.Error(err))
			w.fail("malformed_page", err.Error())
		}
		return
	}
	for _, fe := range extraction.FieldErrors {
		metrics.ObserveFieldError(fe.Field)
		w.logger.Warn("failed to extract field", zap.String("field", fe.Field), zap.Error(fe.Err))
	}

	record := w.stamp(extraction.Record, res)
	w.rememberCover(record)

	if err := w.deps.Sink.Put(record); err != nil {
		w.logger.Error("result sink rejected record", zap.Error(err))
		w.fail("sink_rejected", err.Error())
		return
	}
	metrics.ObserveRecordEmitted(target)
	w.emit(progress.Event{Stage: progress.StageRecordEmitted, URL: target})
	w.logger.Debug("record emitted",
		zap.String("title", record.Title),
		zap.Int("field_errors", len(extraction.FieldErrors)),
		zap.Bool("headless", res.UsedHeadless),
	)
}

func (w *Worker) fetch(ctx context.Context) lookup.FetchResult {
	request := lookup.FetchRequest{URL: w.task.Candidate.URL, Timeout: w.task.Timeout}
	res := w.deps.Fetcher.Fetch(ctx, request)
	if !res.OK() {
		return res
	}
	if res.RobotsStatus != "" {
		w.logger.Debug("robots status", zap.String("robots", res.RobotsStatus))
	}
	if promoted, ok := w.maybePromote(ctx, request, res); ok {
		return promoted
	}
	return res
}

func (w *Worker) maybePromote(
	ctx context.Context,
	request lookup.FetchRequest,
	probe lookup.FetchResult,
) (lookup.FetchResult, bool) {
	if w.deps.Headless == nil || w.deps.Detector == nil {
		return probe, false
	}
	if !w.deps.Detector.ShouldPromote(probe) {
		return probe, false
	}
	if w.deps.Budget != nil && !w.deps.Budget.AllowHeadless(request.URL) {
		w.logger.Debug("headless promotion skipped by budget")
		return probe, false
	}

	metrics.ObserveHeadlessPromotion(request.URL)
	rendered := w.deps.Headless.Fetch(ctx, request)
	if !rendered.OK() {
		w.logger.Warn("headless promotion failed",
			zap.Stringer("outcome", rendered.Outcome),
			zap.String("detail", rendered.Detail),
		)
		return probe, false
	}
	w.logger.Info("headless promotion applied")
	return rendered, true
}

func (w *Worker) logFetchFailure(res lookup.FetchResult) {
	switch res.Outcome {
	case lookup.OutcomeNotFound:
		w.logger.Info("candidate not found", zap.Int("status", res.StatusCode))
	case lookup.OutcomeTimeout:
		w.logger.Warn("timed out, try again later", zap.Duration("timeout", w.task.Timeout))
	default:
		w.logger.Error("failed to fetch candidate",
			zap.Error(res.Err()),
			zap.String("detail", res.Detail),
		)
	}
}

func parse(res lookup.FetchResult) (*goquery.Document, error) {
	if len(bytes.TrimSpace(res.Body)) == 0 {
		return nil, fmt.Errorf("%w: empty body", lookup.ErrMalformedPage)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", lookup.ErrMalformedPage, err)
	}
	if doc.Url == nil && res.URL != "" {
		if u, perr := url.Parse(res.URL); perr == nil {
			doc.Url = u
		}
	}
	return doc, nil
}

func (w *Worker) stamp(record lookup.Record, res lookup.FetchResult) lookup.Record {
	record.RelevanceRank = w.task.Candidate.Rank
	record.SourceURL = res.URL
	if record.SourceURL == "" {
		record.SourceURL = w.task.Candidate.URL
	}
	ids := maps.Clone(w.task.Query.Identifiers)
	if record.ISBN != "" {
		if ids == nil {
			ids = make(map[string]string, 1)
		}
		ids[lookup.IdentifierISBN] = record.ISBN
	} else if isbn := w.task.Query.ISBN(); isbn != "" {
		record.ISBN = isbn
	}
	record.Identifiers = ids
	if w.deps.Hasher != nil {
		hash, err := w.deps.Hasher.Hash(res.Body)
		if err != nil {
			w.logger.Warn("hash body failed", zap.Error(err))
		} else {
			record.ContentHash = hash
		}
	}
	return record
}

func (w *Worker) rememberCover(record lookup.Record) {
	if w.deps.Covers == nil || record.ISBN == "" || !record.HasCover() {
		return
	}
	w.deps.Covers.Put(record.ISBN, record.CoverURL)
}

func (w *Worker) fail(outcome, note string) {
	w.emit(progress.Event{
		Stage:   progress.StageCandidateFailed,
		URL:     w.task.Candidate.URL,
		Outcome: outcome,
		Note:    note,
	})
}

func (w *Worker) emit(evt progress.Event) {
	evt.LookupID = w.task.LookupID
	evt.Rank = w.task.Candidate.Rank
	evt.Site = metrics.SanitizeSite(w.task.Candidate.URL)
	if w.deps.Clock != nil {
		evt.TS = w.deps.Clock.Now().UTC()
	} else {
		evt.TS = time.Now().UTC()
	}
	w.deps.Progress.Emit(evt)
}
