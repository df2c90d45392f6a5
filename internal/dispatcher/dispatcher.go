// Package dispatcher fans an identify request out to one worker per
// candidate URL and waits for them under an abort signal.
package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookmeta/internal/lookup"
	"github.com/JakeFAU/bookmeta/internal/metrics"
	"github.com/JakeFAU/bookmeta/internal/progress"
	"github.com/JakeFAU/bookmeta/internal/worker"
)

const (
	defaultStagger       = 100 * time.Millisecond
	defaultPollInterval  = 200 * time.Millisecond
	defaultMaxDiscovered = 2
)

// Lookup results reported to metrics.
const (
	ResultCompleted    = "completed"
	ResultAborted      = "aborted"
	ResultNoCandidates = "no_candidates"
)

// Config controls scheduling.
type Config struct {
	// Stagger separates consecutive worker starts. Zero uses 100ms; a
	// negative value starts every worker at once.
	Stagger time.Duration
	// PollInterval bounds each join attempt of the wait loop.
	PollInterval time.Duration
	// MaxDiscovered caps candidates taken from the searcher.
	MaxDiscovered int
	// InterruptOnAbort cancels in-flight fetches when the abort signal
	// fires. When false, abandoned workers run to natural completion.
	InterruptOnAbort bool
}

// DirectLinker renders the identifier lookup URL. extract.Profile satisfies it.
type DirectLinker interface {
	DirectURL(isbn string) string
}

// IDSource mints lookup IDs. id/uuid.Generator satisfies it.
type IDSource interface {
	NewRawID() (uuid.UUID, error)
}

// Report summarizes one identify pass. Records live in the caller's sink.
type Report struct {
	LookupID   uuid.UUID
	Candidates []lookup.Candidate
	// Started counts workers actually launched; an abort during the
	// stagger leaves the rest unscheduled.
	Started  int
	Aborted  bool
	Duration time.Duration
}

// Dispatcher builds candidate lists and supervises workers.
type Dispatcher struct {
	cfg      Config
	linker   DirectLinker
	searcher lookup.Searcher
	deps     worker.Deps
	ids      IDSource
	logger   *zap.Logger
}

// New creates a Dispatcher. searcher and ids may be nil; deps.Sink is
// replaced per call by the sink passed to Identify.
func New(cfg Config, linker DirectLinker, searcher lookup.Searcher, deps worker.Deps, ids IDSource) *Dispatcher {
	if cfg.Stagger == 0 {
		cfg.Stagger = defaultStagger
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxDiscovered <= 0 {
		cfg.MaxDiscovered = defaultMaxDiscovered
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Progress == nil {
		deps.Progress = progress.Nop{}
	}
	return &Dispatcher{
		cfg:      cfg,
		linker:   linker,
		searcher: searcher,
		deps:     deps,
		ids:      ids,
		logger:   deps.Logger.Named("dispatcher"),
	}
}

// Identify runs one lookup pass, writing records into sink. It never fails:
// every problem is logged and the pass simply yields fewer records. It
// returns once no worker is alive, or as soon as abort fires or ctx ends.
func (d *Dispatcher) Identify(
	ctx context.Context,
	query lookup.Query,
	abort *lookup.AbortSignal,
	timeout time.Duration,
	sink lookup.Sink,
) Report {
	start := d.now()
	report := Report{LookupID: d.newID()}
	logger := d.logger.With(zap.String("lookup_id", report.LookupID.String()))

	if abort.IsSet() {
		logger.Debug("abort already set, skipping lookup")
		report.Aborted = true
		metrics.ObserveLookup(ResultAborted)
		return report
	}

	report.Candidates = d.Candidates(ctx, query, timeout)
	d.emit(report.LookupID, progress.Event{
		Stage:      progress.StageLookupStart,
		Candidates: len(report.Candidates),
	})
	if len(report.Candidates) == 0 {
		logger.Info("no candidates for query",
			zap.String("isbn", query.ISBN()),
			zap.String("title", query.Title),
		)
		return d.finish(report, start, sink, ResultNoCandidates)
	}
	if abort.IsSet() {
		report.Aborted = true
		return d.finish(report, start, sink, ResultAborted)
	}

	workerCtx, release := d.workerContext(ctx, abort)
	deps := d.deps
	deps.Sink = sink

	started := make([]*worker.Worker, 0, len(report.Candidates))
	for i, candidate := range report.Candidates {
		if i > 0 && !d.pause(ctx, abort) {
			logger.Info("abort during stagger, remaining candidates not scheduled",
				zap.Int("scheduled", len(started)),
				zap.Int("candidates", len(report.Candidates)),
			)
			break
		}
		w := worker.New(deps, worker.Task{
			LookupID:  report.LookupID,
			Query:     query,
			Candidate: candidate,
			Timeout:   timeout,
		})
		w.Start(workerCtx)
		started = append(started, w)
	}
	report.Started = len(started)
	go releaseWhenDone(started, release)

	if report.Started < len(report.Candidates) || !d.wait(ctx, abort, started) {
		report.Aborted = true
		return d.finish(report, start, sink, ResultAborted)
	}
	return d.finish(report, start, sink, ResultCompleted)
}

// Candidates builds the ranked candidate list: the direct identifier URL
// first, then up to MaxDiscovered search results in discovery order.
func (d *Dispatcher) Candidates(ctx context.Context, query lookup.Query, timeout time.Duration) []lookup.Candidate {
	var candidates []lookup.Candidate
	seen := make(map[string]struct{})
	add := func(url string, source lookup.CandidateSource) {
		if url == "" {
			return
		}
		if _, dup := seen[url]; dup {
			return
		}
		seen[url] = struct{}{}
		candidates = append(candidates, lookup.Candidate{URL: url, Source: source, Rank: len(candidates)})
	}

	if isbn := query.ISBN(); isbn != "" && d.linker != nil {
		add(d.linker.DirectURL(isbn), lookup.SourceDirect)
	}

	if d.searcher != nil && query.HasText() {
		urls, err := d.searcher.Discover(ctx, query, timeout)
		if err != nil {
			d.logger.Warn("candidate discovery failed", zap.Error(err))
		}
		taken := 0
		for _, url := range urls {
			if taken == d.cfg.MaxDiscovered {
				break
			}
			before := len(candidates)
			add(url, lookup.SourceDiscovered)
			if len(candidates) > before {
				taken++
			}
		}
	}
	return candidates
}

func (d *Dispatcher) workerContext(ctx context.Context, abort *lookup.AbortSignal) (context.Context, context.CancelFunc) {
	if d.cfg.InterruptOnAbort {
		return abort.Context(ctx)
	}
	return context.WithCancel(context.WithoutCancel(ctx))
}

func releaseWhenDone(workers []*worker.Worker, release context.CancelFunc) {
	defer release()
	for _, w := range workers {
		<-w.Done()
	}
}

// pause sleeps for the stagger delay and reports false if the pass was
// aborted in the meantime.
func (d *Dispatcher) pause(ctx context.Context, abort *lookup.AbortSignal) bool {
	if d.cfg.Stagger < 0 {
		return !abort.IsSet() && ctx.Err() == nil
	}
	timer := time.NewTimer(d.cfg.Stagger)
	defer timer.Stop()
	select {
	case <-abort.Done():
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return !abort.IsSet()
	}
}

// wait joins each worker for at most one poll interval per attempt until
// all have finished. It reports false when abort fires or ctx ends first.
func (d *Dispatcher) wait(ctx context.Context, abort *lookup.AbortSignal, workers []*worker.Worker) bool {
	pending := append([]*worker.Worker(nil), workers...)
	for len(pending) > 0 {
		alive := pending[:0]
		for _, w := range pending {
			finished, aborted := d.join(ctx, abort, w)
			if aborted {
				return false
			}
			if !finished {
				alive = append(alive, w)
			}
		}
		pending = alive
	}
	return true
}

func (d *Dispatcher) join(ctx context.Context, abort *lookup.AbortSignal, w *worker.Worker) (finished, aborted bool) {
	timer := time.NewTimer(d.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-w.Done():
		return true, false
	case <-abort.Done():
		return false, true
	case <-ctx.Done():
		return false, true
	case <-timer.C:
		return false, abort.IsSet()
	}
}

func (d *Dispatcher) finish(report Report, start time.Time, sink lookup.Sink, result string) Report {
	report.Duration = d.now().Sub(start)
	metrics.ObserveLookup(result)

	evt := progress.Event{
		Stage:      progress.StageLookupDone,
		Candidates: len(report.Candidates),
		Dur:        report.Duration,
		Note:       result,
	}
	if report.Aborted {
		evt.Stage = progress.StageLookupAborted
	}
	if counter, ok := sink.(interface{ Len() int }); ok {
		evt.Records = counter.Len()
	}
	d.emit(report.LookupID, evt)

	d.logger.Info("lookup finished",
		zap.String("lookup_id", report.LookupID.String()),
		zap.String("result", result),
		zap.Int("candidates", len(report.Candidates)),
		zap.Int("started", report.Started),
		zap.Duration("duration", report.Duration),
	)
	return report
}

func (d *Dispatcher) emit(id uuid.UUID, evt progress.Event) {
	evt.LookupID = id
	evt.Rank = -1
	evt.TS = d.now().UTC()
	d.deps.Progress.Emit(evt)
}

func (d *Dispatcher) newID() uuid.UUID {
	if d.ids != nil {
		if id, err := d.ids.NewRawID(); err == nil {
			return id
		}
	}
	return uuid.New()
}

func (d *Dispatcher) now() time.Time {
	if d.deps.Clock != nil {
		return d.deps.Clock.Now()
	}
	return time.Now()
}
