package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sbsmw/claimproc/internal/errs"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorEnvelope is the standard JSON error envelope required by §6/§7:
// {error, error_code, error_id, timestamp, status, path, details{}}.
type ErrorEnvelope struct {
	Error     string         `json:"error"`
	ErrorCode string         `json:"error_code"`
	ErrorID   string         `json:"error_id"`
	Timestamp string         `json:"timestamp"`
	Status    int            `json:"status"`
	Path      string         `json:"path"`
	Details   map[string]any `json:"details,omitempty"`
}

// RespondTaxonomyError writes the standard error envelope for an *errs.Error,
// deriving the HTTP status from its Kind and setting Retry-After when the
// kind is RATE_LIMITED and retryAfterMs is positive.
func RespondTaxonomyError(w http.ResponseWriter, r *http.Request, e *errs.Error, retryAfterMs int64) {
	status := e.Kind.HTTPStatus()
	if e.Kind == errs.RateLimited && retryAfterMs > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(retryAfterMs))
	}
	Respond(w, status, ErrorEnvelope{
		Error:     string(e.Kind),
		ErrorCode: e.Code,
		ErrorID:   e.CorrelationID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Status:    status,
		Path:      r.URL.Path,
		Details:   e.Details,
	})
}

func retryAfterSeconds(ms int64) string {
	secs := ms / 1000
	if ms%1000 != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
