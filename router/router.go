// Package router turns malware scanning result events into relocation requests.
package router

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	br "gitlab.com/secure-storage/blobrelocator"
)

// Verdict labels emitted by the scanner.
const (
	DefaultMaliciousVerdict = "Malicious"
	DefaultCleanVerdict     = "No threats found"
)

// Ensure service implements interface.
var _ br.EventDispatcher = (*Router)(nil)

// Router classifies scan result events and hands recognized verdicts to a
// RelocationService. It never touches storage itself.
type Router struct {
	Relocator br.RelocationService
	Logger    *zap.Logger

	EventType        string
	MaliciousVerdict string
	CleanVerdict     string

	Now func() time.Time
}

// NewRouter returns a Router with the default event type and verdict labels.
func NewRouter(relocator br.RelocationService, logger *zap.Logger) *Router {
	return &Router{
		Relocator:        relocator,
		Logger:           logger,
		EventType:        br.MalwareScanningResultEventType,
		MaliciousVerdict: DefaultMaliciousVerdict,
		CleanVerdict:     DefaultCleanVerdict,
		Now:              time.Now,
	}
}

// Route returns the move requested by event, or nil when the event is of
// another type or carries a verdict that needs no action. Events with missing
// or unparsable fields fail with EMALFORMED.
func (r *Router) Route(event *br.ScanVerdictEvent) (*br.RoutedMove, error) {
	if event.EventType != r.EventType {
		r.Logger.Info("event type is not a scan result event",
			zap.String("expected", r.EventType),
			zap.String("eventType", event.EventType),
		)
		return nil, nil
	}

	r.Logger.Info("received new scan result", zap.String("storageAccount", event.StorageAccount()))

	result, err := event.DecodeScanResult()
	if err != nil {
		r.Logger.Error("event data is malformed", zap.String("eventId", event.ID), zap.Error(err))
		return nil, err
	}

	var dst br.Destination
	switch result.ScanResultType {
	case r.MaliciousVerdict:
		dst = br.DestinationQuarantine
	case r.CleanVerdict:
		dst = br.DestinationClean
	default:
		r.Logger.Info("no action for verdict", zap.String("verdict", result.ScanResultType))
		return nil, nil
	}

	src, err := br.ParseLocator(result.BlobURI)
	if err != nil {
		r.Logger.Error("event blob uri is malformed", zap.String("blobUri", result.BlobURI), zap.Error(err))
		return nil, err
	}

	fields := []zap.Field{
		zap.String("verdict", result.ScanResultType),
		zap.Stringer("source", src),
		zap.String("destination", string(dst)),
	}
	if d := result.ScanResultDetails; d != nil && len(d.MalwareNamesFound) > 0 {
		fields = append(fields, zap.Strings("malwareNamesFound", d.MalwareNamesFound))
	}
	r.Logger.Info("routing blob", fields...)

	return &br.RoutedMove{
		Verdict:     result.ScanResultType,
		Source:      src,
		Destination: dst,
	}, nil
}

// Dispatch routes event and performs the resulting move. The returned report is
// never nil, even when an error is returned.
func (r *Router) Dispatch(ctx context.Context, event *br.ScanVerdictEvent) (*br.MoveReport, error) {
	report := &br.MoveReport{EventID: event.ID}
	defer func() { report.FinishedAt = r.Now() }()

	move, err := r.Route(event)
	if err != nil {
		report.Error = err.Error()
		return report, err
	}
	if move == nil {
		report.Ignored = true
		return report, nil
	}

	report.Verdict = move.Verdict
	report.Source = move.Source.String()
	report.Destination = move.Destination

	outcome, err := r.Relocator.Relocate(ctx, move.Source, move.Destination)
	report.Outcome = outcome
	if err != nil {
		r.Logger.Error("can't move blob",
			zap.Stringer("source", move.Source),
			zap.String("destination", string(move.Destination)),
			zap.Error(err),
		)
		report.Error = err.Error()
		return report, fmt.Errorf("move blob to %s: %w", move.Destination, err)
	}

	r.Logger.Info("blob handled",
		zap.Stringer("source", move.Source),
		zap.String("destination", string(move.Destination)),
		zap.String("outcome", string(outcome)),
	)
	return report, nil
}
