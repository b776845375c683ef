package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	br "gitlab.com/secure-storage/blobrelocator"
)

// Generic HTTP metrics.
var (
	errorCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blobrelocator_http_error_count",
		Help: "Total number of errors by error code",
	}, []string{"code"})
)

// Error writes a JSON error response and logs & reports server side failures.
func (s *Server) Error(w http.ResponseWriter, r *http.Request, err error) {
	// Extract error code & message.
	code, message := br.ErrorCode(err), br.ErrorMessage(err)
	status := ErrorStatusCode(code)

	// Track metrics by code.
	errorCount.WithLabelValues(code).Inc()

	// Log & report errors the delivery system will retry.
	if status >= http.StatusInternalServerError {
		br.ReportError(r.Context(), err, r)
		s.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err),
		)
	}

	WriteJSONResponse(w, &ErrorResponse{Error: message, Code: code}, status)
}

// ErrorResponse represents a JSON structure for error output.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// lookup of application error codes to HTTP status codes. Event Grid
// dead-letters 400 responses and retries 409 and 5xx.
var codes = map[string]int{
	br.ECONFLICT:       http.StatusConflict,
	br.EINVALID:        http.StatusBadRequest,
	br.EMALFORMED:      http.StatusBadRequest,
	br.ENOTFOUND:       http.StatusNotFound,
	br.ENOTIMPLEMENTED: http.StatusNotImplemented,
	br.EUNAUTHORIZED:   http.StatusUnauthorized,
	br.EUNREACHABLE:    http.StatusServiceUnavailable,
	br.ECOPYFAILED:     http.StatusInternalServerError,
	br.EINTERNAL:       http.StatusInternalServerError,
}

// ErrorStatusCode returns the associated HTTP status code for an application error code.
func ErrorStatusCode(code string) int {
	if v, ok := codes[code]; ok {
		return v
	}
	return http.StatusInternalServerError
}

// WriteJSONResponse writes the content supplied via the `source` parameter to
// the supplied http ResponseWriter. The response is returned with the indicated
// status.
func WriteJSONResponse(w http.ResponseWriter, source interface{}, status int) {
	content, errMap := json.Marshal(source)
	if errMap != nil {
		msg := fmt.Sprintf("error when marshalling %#v to JSON bytes: %#v", source, errMap)
		http.Error(w, msg, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status) // headers must be set before this
	_, errMap = w.Write(content)
	if errMap != nil {
		msg := fmt.Sprintf(
			"error when writing JSON %s to http.ResponseWriter: %#v", string(content), errMap)
		http.Error(w, msg, http.StatusInternalServerError)
		return
	}
}
