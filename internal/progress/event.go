package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageLookupStart     Stage = "LOOKUP_START"
	StageLookupDone      Stage = "LOOKUP_DONE"
	StageLookupAborted   Stage = "LOOKUP_ABORTED"
	StageFetchStart      Stage = "FETCH_START"
	StageFetchDone       Stage = "FETCH_DONE"
	StageRecordEmitted   Stage = "RECORD_EMITTED"
	StageCandidateFailed Stage = "CANDIDATE_FAILED"
)

// Event captures one milestone of an identify pass.
type Event struct {
	// LookupID groups every event of one identify pass.
	LookupID uuid.UUID
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Site is the candidate host for per-candidate stages.
	Site string
	URL  string
	// Rank is the candidate's relevance rank; -1 for lookup-level stages.
	Rank int
	// Outcome is the fetch outcome for FETCH_DONE and the failure class for
	// CANDIDATE_FAILED.
	Outcome string
	Bytes   int64
	// Candidates and Records summarize a finished lookup.
	Candidates int
	Records    int
	Dur        time.Duration
	// Note carries low-volume debug context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.LookupID == uuid.Nil {
		return errors.New("lookup id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageLookupStart, StageLookupDone, StageLookupAborted:
	case StageFetchStart, StageRecordEmitted:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	case StageFetchDone, StageCandidateFailed:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
		if e.Outcome == "" {
			return fmt.Errorf("%s requires outcome", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
