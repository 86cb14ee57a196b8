package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onexay/modelhub/internal/apierr"
)

// maxBodyBytes bounds JSON and NDJSON request bodies. Inline commit content
// is capped by the LFS threshold well below this.
const maxBodyBytes = 256 << 20

type errorBody struct {
	Error   errorInfo      `json:"error"`
	Details map[string]any `json:"details"`
}

type errorInfo struct {
	Code    apierr.Kind `json:"code"`
	Message string      `json:"message"`
}

// decodeBody reads a JSON body into a new In. An empty body leaves the zero
// value.
func decodeBody[In any](w http.ResponseWriter, r *http.Request) (In, error) {
	var in In
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err2 := r.Body.Close(); err == nil {
		err = err2
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return in, apierr.Validation("request body exceeds %d bytes", tooLarge.Limit)
		}
		return in, apierr.Validation("failed to read request body").Wrap(err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return in, nil
	}
	d := json.NewDecoder(bytes.NewReader(body))
	d.DisallowUnknownFields()
	if err := d.Decode(&in); err != nil {
		return in, apierr.Validation("invalid request body: %v", err)
	}
	return in, nil
}

// respond writes out with status, or the error body when err is set.
func respond(w http.ResponseWriter, r *http.Request, status int, out any, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, status, out)
}

// writeError logs err once and renders it as {"error": {...}, "details": {...}}.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apierr.From(err)
	status := e.StatusCode()
	ctx := r.Context()
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "request failed", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	} else {
		slog.InfoContext(ctx, "request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "code", e.Kind, "err", err)
	}
	body := errorBody{Error: errorInfo{Code: e.Kind, Message: e.Message}, Details: e.Details}
	if body.Details == nil {
		body.Details = map[string]any{}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("encode response", "err", err)
	}
}
