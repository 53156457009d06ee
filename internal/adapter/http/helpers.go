package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/devgodzilla/devgodzilla/internal/domain"
)

// bodyLimit caps request bodies. Nothing the API accepts needs more than a
// megabyte.
const bodyLimit = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

// readJSON decodes the request body into T, enforcing the body limit. On
// failure it writes the error response itself and returns false.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		if strings.Contains(err.Error(), "http: request body too large") {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return v, false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return v, false
	}
	return v, true
}

// readJSONOptional decodes like readJSON but treats an empty body as the
// zero value. Action endpoints with all-optional parameters use it.
func readJSONOptional[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	err := json.NewDecoder(r.Body).Decode(&v)
	switch {
	case err == nil || errors.Is(err, io.EOF):
		return v, true
	case strings.Contains(err.Error(), "http: request body too large"):
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	default:
		writeError(w, http.StatusBadRequest, "invalid JSON body")
	}
	return v, false
}

// urlParam reads a chi route parameter.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// urlID parses the {id} chi route parameter. On failure it writes a 400 and
// returns false.
func urlID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

// queryInt64 parses an optional int64 query parameter, returning nil when
// absent and an error when present but malformed.
func queryInt64(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, errors.New("invalid " + name)
	}
	return &v, nil
}

// queryInt parses an optional int query parameter, returning def when absent
// or malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// queryBool parses an optional bool query parameter, returning nil when
// absent and an error when present but malformed.
func queryBool(r *http.Request, name string) (*bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, errors.New("invalid " + name)
	}
	return &v, nil
}

// sanitizeName rejects artifact names that could escape their directory when
// joined into a path.
func sanitizeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps domain sentinel errors to HTTP statuses. Anything
// uncategorized becomes a 500 and is logged here, so callers return without
// logging the same error again.
func writeDomainError(w http.ResponseWriter, err error, fallbackMsg string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, fallbackMsg)
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "resource was modified by another request")
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, trimSentinel(err, domain.ErrValidation))
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusBadRequest, trimSentinel(err, domain.ErrInvalidTransition))
	case errors.Is(err, domain.ErrAgentUnavailable):
		writeError(w, http.StatusBadGateway, trimSentinel(err, domain.ErrAgentUnavailable))
	case errors.Is(err, domain.ErrExternalExecutor):
		writeError(w, http.StatusBadGateway, trimSentinel(err, domain.ErrExternalExecutor))
	case errors.Is(err, domain.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, trimSentinel(err, domain.ErrTimeout))
	case errors.Is(err, domain.ErrConfiguration):
		writeError(w, http.StatusServiceUnavailable, trimSentinel(err, domain.ErrConfiguration))
	case strings.Contains(err.Error(), "invalid input syntax"):
		writeError(w, http.StatusBadRequest, "invalid input")
	case strings.Contains(err.Error(), "SQLSTATE 23505"):
		writeError(w, http.StatusConflict, "resource already exists")
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, fallbackMsg)
	}
}

// trimSentinel strips the trailing ": <sentinel>" wrap so the client sees the
// contextual message, not the internal marker.
func trimSentinel(err error, sentinel error) string {
	msg := err.Error()
	suffix := ": " + sentinel.Error()
	if msg == sentinel.Error() {
		return msg
	}
	return strings.TrimSuffix(msg, suffix)
}
