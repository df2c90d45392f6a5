package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/bookmeta/internal/progress"
)

// LogSink writes each progress event as a structured debug log line.
// Lookup-level stages are logged at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.DebugLevel
		switch evt.Stage {
		case progress.StageLookupStart, progress.StageLookupDone, progress.StageLookupAborted:
			level = zapcore.InfoLevel
		}
		ce := s.logger.Check(level, "progress event")
		if ce == nil {
			continue
		}
		ce.Write(
			zap.String("lookup_id", evt.LookupID.String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("site", evt.Site),
			zap.String("url", evt.URL),
			zap.Int("rank", evt.Rank),
			zap.String("outcome", evt.Outcome),
			zap.Int64("bytes", evt.Bytes),
			zap.Int("candidates", evt.Candidates),
			zap.Int("records", evt.Records),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it flushes the logger.
func (s *LogSink) Close(context.Context) error {
	// Sync fails harmlessly on stdout/stderr handles.
	_ = s.logger.Sync()
	return nil
}
