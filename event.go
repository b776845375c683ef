package blobrelocator

import (
	"encoding/json"
	"strings"
	"time"
)

// Event types delivered by the upstream notification system.
const (
	MalwareScanningResultEventType  = "Microsoft.Security.MalwareScanningResult"
	SubscriptionValidationEventType = "Microsoft.EventGrid.SubscriptionValidationEvent"
)

// ScanVerdictEvent is a single notification as delivered by Event Grid.
// Data is kept raw; see DecodeScanResult.
type ScanVerdictEvent struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic,omitempty"`
	Subject     string          `json:"subject"`
	EventType   string          `json:"eventType"`
	EventTime   time.Time       `json:"eventTime"`
	DataVersion string          `json:"dataVersion,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// StorageAccount returns the trailing path segment of the subject, which names
// the storage account the scanned object lives in.
func (e *ScanVerdictEvent) StorageAccount() string {
	subject := strings.TrimRight(e.Subject, "/")
	return subject[strings.LastIndex(subject, "/")+1:]
}

// ScanResult is the decoded payload of a malware scanning result event.
type ScanResult struct {
	CorrelationID       string             `json:"correlationId,omitempty"`
	BlobURI             string             `json:"blobUri"`
	ETag                string             `json:"eTag,omitempty"`
	ScanFinishedTimeUTC string             `json:"scanFinishedTimeUtc,omitempty"`
	ScanResultType      string             `json:"scanResultType"`
	ScanResultDetails   *ScanResultDetails `json:"scanResultDetails,omitempty"`
}

// ScanResultDetails carries informational scan output.
type ScanResultDetails struct {
	MalwareNamesFound []string `json:"malwareNamesFound,omitempty"`
	SHA256            string   `json:"sha256,omitempty"`
}

// DecodeScanResult unwraps the event data. The payload arrives as a JSON string
// holding the JSON document, so a string is decoded once more before the
// document itself is parsed. Plain object payloads are accepted as well.
func (e *ScanVerdictEvent) DecodeScanResult() (*ScanResult, error) {
	data := []byte(e.Data)
	if len(data) == 0 {
		return nil, Errorf(EMALFORMED, "event %s has no data", e.ID)
	}

	var inner string
	if err := json.Unmarshal(data, &inner); err == nil {
		data = []byte(inner)
	}

	var result ScanResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, WrapError(EMALFORMED, err, "event %s data is not a scan result", e.ID)
	}
	if result.ScanResultType == "" || result.BlobURI == "" {
		return nil, Errorf(EMALFORMED, "event data doesn't contain 'scanResultType' or 'blobUri' fields")
	}
	return &result, nil
}

// SubscriptionValidation is the payload of a SubscriptionValidationEvent.
type SubscriptionValidation struct {
	ValidationCode string `json:"validationCode"`
	ValidationURL  string `json:"validationUrl,omitempty"`
}
