// Package sink provides the in-memory result sink that workers emit records
// into.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/bookmeta/internal/lookup"
)

// ErrSinkFull is returned when Put cannot enqueue within the enqueue timeout.
var ErrSinkFull = errors.New("result sink full")

// ErrSinkClosed is returned by Put after Close and by Next once a closed
// sink is empty.
var ErrSinkClosed = errors.New("result sink closed")

const (
	defaultCapacity       = 64
	defaultEnqueueTimeout = 100 * time.Millisecond
)

// Config controls buffering.
//   - Capacity: maximum records held before Put starts waiting (default 64).
//   - EnqueueTimeout: how long Put waits for room before ErrSinkFull (default 100ms).
type Config struct {
	Capacity       int
	EnqueueTimeout time.Duration
}

// Sink is a bounded, unordered, concurrency-safe collection of records.
type Sink struct {
	ch             chan lookup.Record
	enqueueTimeout time.Duration
	closeMu        sync.RWMutex
	closed         bool
}

// New constructs a Sink.
func New(cfg Config) *Sink {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	return &Sink{
		ch:             make(chan lookup.Record, cfg.Capacity),
		enqueueTimeout: cfg.EnqueueTimeout,
	}
}

// Put enqueues a copy of record, waiting at most the enqueue timeout.
func (s *Sink) Put(record lookup.Record) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- record.Clone():
		return nil
	default:
	}
	timer := time.NewTimer(s.enqueueTimeout)
	defer timer.Stop()
	select {
	case s.ch <- record.Clone():
		return nil
	case <-timer.C:
		return fmt.Errorf("put record %q: %w", record.SourceURL, ErrSinkFull)
	}
}

// Drain returns every record currently available without blocking.
func (s *Sink) Drain() []lookup.Record {
	var out []lookup.Record
	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				return out
			}
			out = append(out, r)
		default:
			return out
		}
	}
}

// Next blocks until a record is available or ctx finishes.
func (s *Sink) Next(ctx context.Context) (lookup.Record, error) {
	select {
	case <-ctx.Done():
		return lookup.Record{}, fmt.Errorf("next record canceled: %w", ctx.Err())
	case r, ok := <-s.ch:
		if !ok {
			return lookup.Record{}, ErrSinkClosed
		}
		return r, nil
	}
}

// Len reports how many records are buffered.
func (s *Sink) Len() int {
	return len(s.ch)
}

// Close stops accepting records. Buffered records remain drainable.
func (s *Sink) Close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}

// SortByRelevance orders records by ascending relevance rank, stable for
// equal ranks.
func SortByRelevance(records []lookup.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].RelevanceRank < records[j].RelevanceRank
	})
}
