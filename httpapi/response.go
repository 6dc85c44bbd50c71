package httpapi

import (
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/featherbone/server/internal/apperror"
	"github.com/featherbone/server/internal/logger"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Default().WithError(err).Error("failed to encode response body")
	}
}

func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps err to its carried apperror.Error status, defaulting
// to 500 for anything else (spec.md §4.7 step 8), and writes a small
// JSON error envelope the way the teacher's handlers write plain text
// via http.Error, adapted here since every featherbone response is JSON.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperror.StatusCode(err)
	rlog := logger.FromContext(r.Context())
	if status >= 500 {
		rlog.WithError(err).Error("request failed")
	} else {
		rlog.WithError(err).Debug("request rejected")
	}
	writeJSON(w, status, map[string]string{"message": err.Error()})
}

// ifNoneMatchFound reports whether etag appears (quoted or not) among the
// comma-separated values of an If-None-Match header, grounded on the
// teacher's core/backend/blob.go helper of the same name.
func ifNoneMatchFound(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" || etag == "" {
		return false
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.Trim(strings.TrimSpace(candidate), `"`)
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}
