package blobrelocator

import (
	"context"
	"time"
)

// Destination selects one of the configured destination endpoints.
type Destination string

const (
	DestinationQuarantine Destination = "quarantine"
	DestinationClean      Destination = "clean"
)

// MoveOutcome is the result of a single relocation attempt.
type MoveOutcome string

const (
	OutcomeMoved          MoveOutcome = "moved"
	OutcomeSourceNotFound MoveOutcome = "source_not_found"
	OutcomeCopyFailed     MoveOutcome = "copy_failed"
)

// RoutedMove is a recognized verdict turned into a relocation request.
type RoutedMove struct {
	Verdict     string        `json:"verdict"`
	Source      ObjectLocator `json:"source"`
	Destination Destination   `json:"destination"`
}

// MoveReport records what happened to one event. Ignored events carry no outcome.
type MoveReport struct {
	EventID     string      `json:"eventId"`
	Verdict     string      `json:"verdict,omitempty"`
	Source      string      `json:"source,omitempty"`
	Destination Destination `json:"destination,omitempty"`
	Outcome     MoveOutcome `json:"outcome,omitempty"`
	Ignored     bool        `json:"ignored,omitempty"`
	Error       string      `json:"error,omitempty"`
	FinishedAt  time.Time   `json:"finishedAt"`
}

// RelocationService moves a scanned object to its destination.
type RelocationService interface {

	// Moves the object at src under the endpoint configured for dst.
	// Returns OutcomeSourceNotFound without side effects when src is absent.
	Relocate(ctx context.Context, src ObjectLocator, dst Destination) (MoveOutcome, error)
}

// EventDispatcher handles a single delivered event end to end.
type EventDispatcher interface {

	// Routes the event and performs the resulting move, if any. The returned
	// report is never nil.
	Dispatch(ctx context.Context, event *ScanVerdictEvent) (*MoveReport, error)
}
