package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/portdaddy/portdaddy/internal/daemon/apierr"
)

// writeJSON writes v with the given status. Encoding failures are
// logged, not surfaced; the status line is already gone.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError maps any error onto the closed taxonomy and emits
// {error, code, ...detail}.
func writeError(w http.ResponseWriter, err error) {
	de := apierr.From(err)
	body := map[string]interface{}{
		"error": de.Message,
		"code":  string(de.Code),
	}
	for k, v := range de.Detail {
		body[k] = v
	}
	writeJSON(w, de.Status, body)
}

// decode reads a JSON body into v. An empty body decodes to the zero
// value so optional-body endpoints stay forgiving. A declared non-JSON
// Content-Type is rejected outright; an absent one is tolerated.
func decode(r *http.Request, v interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "json") {
		return apierr.BadRequest(apierr.ValidationError, "unsupported content type %q", ct)
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return apierr.New(apierr.PayloadTooLarge, http.StatusRequestEntityTooLarge,
			"request body exceeds %d bytes", maxErr.Limit)
	}
	return apierr.BadRequest(apierr.ValidationError, "invalid JSON body: %v", err)
}

// clientKey identifies the caller for rate limits and connection
// budgets: the IP for TCP clients, "local" for unix-socket clients.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		return "local"
	}
	return host
}

// queryInt parses an integer query parameter, returning def when
// absent or malformed.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// queryInt64 is queryInt for int64.
func queryInt64(r *http.Request, key string, def int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// queryBool parses a boolean query parameter.
func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

// msDuration converts a client-supplied epoch-relative value in
// milliseconds to a Duration; zero and negatives collapse to 0.
func msDuration(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// headerPID parses the X-PID header, 0 when absent.
func headerPID(r *http.Request) (int, error) {
	raw := r.Header.Get("X-PID")
	if raw == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid < 0 {
		return 0, apierr.BadRequest(apierr.PIDInvalid, "X-PID must be a positive integer")
	}
	return pid, nil
}
