package http

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	br "gitlab.com/secure-storage/blobrelocator"
)

// maxEventsBodySize is the largest batch Event Grid delivers (1 MB) with headroom.
const maxEventsBodySize = 2 << 20

// EventsResponse is returned once every event of a delivery was handled.
type EventsResponse struct {
	Reports []*br.MoveReport `json:"reports"`
}

// ValidationResponse answers an Event Grid subscription validation handshake.
type ValidationResponse struct {
	ValidationResponse string `json:"validationResponse"`
}

// handleEvents handles the "POST /api/events" route. Each event of the
// delivery is dispatched in order; if any fails, the delivery is answered with
// the first failure so that Event Grid redelivers or dead-letters it.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.Error(w, r, br.Errorf(br.EUNAUTHORIZED, "invalid webhook key"))
		return
	}

	events, err := decodeEvents(http.MaxBytesReader(w, r.Body, maxEventsBodySize))
	if err != nil {
		s.Error(w, r, err)
		return
	}

	// A handshake is delivered on its own; anything else is not a delivery
	// Event Grid makes.
	for _, event := range events {
		if event.EventType != br.SubscriptionValidationEventType {
			continue
		}
		if len(events) > 1 {
			s.Error(w, r, br.Errorf(br.EMALFORMED, "subscription validation event %s delivered with %d other events", event.ID, len(events)-1))
			return
		}
		s.handleValidation(w, r, event)
		return
	}

	if !s.beginDelivery() {
		s.Error(w, r, br.Errorf(br.EUNREACHABLE, "server is shutting down"))
		return
	}
	defer s.deliveries.Done()

	reports := make([]*br.MoveReport, 0, len(events))
	var firstErr error
	for _, event := range events {
		report, err := s.Dispatcher.Dispatch(r.Context(), event)
		s.feed.broadcast(report)
		reports = append(reports, report)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		s.Error(w, r, firstErr)
		return
	}
	WriteJSONResponse(w, &EventsResponse{Reports: reports}, http.StatusOK)
}

// handleValidation echoes the validation code back to Event Grid.
func (s *Server) handleValidation(w http.ResponseWriter, r *http.Request, event *br.ScanVerdictEvent) {
	var v br.SubscriptionValidation
	if err := json.Unmarshal(event.Data, &v); err != nil || v.ValidationCode == "" {
		s.Error(w, r, br.Errorf(br.EMALFORMED, "subscription validation event %s has no validation code", event.ID))
		return
	}

	s.Logger.Info("validated event subscription", zap.String("topic", event.Topic))
	WriteJSONResponse(w, &ValidationResponse{ValidationResponse: v.ValidationCode}, http.StatusOK)
}

// authorized checks the shared key from the aeg-sas-key header or the code
// query parameter.
func (s *Server) authorized(r *http.Request) bool {
	if s.WebhookKey == "" {
		return true
	}
	key := r.Header.Get("aeg-sas-key")
	if key == "" {
		key = r.URL.Query().Get("code")
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.WebhookKey)) == 1
}

// decodeEvents accepts both a JSON array of events and a single event object.
func decodeEvents(body io.Reader) ([]*br.ScanVerdictEvent, error) {
	buf, err := io.ReadAll(body)
	if err != nil {
		return nil, br.WrapError(br.EINVALID, err, "unable to read request body")
	}
	buf = bytes.TrimSpace(buf)
	if len(buf) == 0 {
		return nil, br.Errorf(br.EMALFORMED, "empty event delivery")
	}

	var events []*br.ScanVerdictEvent
	if buf[0] == '[' {
		err = json.Unmarshal(buf, &events)
	} else {
		var event br.ScanVerdictEvent
		if err = json.Unmarshal(buf, &event); err == nil {
			events = append(events, &event)
		}
	}
	if err != nil {
		return nil, br.WrapError(br.EMALFORMED, err, "invalid event delivery")
	}

	for _, event := range events {
		if event == nil {
			return nil, br.Errorf(br.EMALFORMED, "null event in delivery")
		}
	}
	return events, nil
}
