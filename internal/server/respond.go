package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/predcache/internal/ir"
	"github.com/roach88/predcache/internal/staticcall"
)

type errorBody struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Field       string `json:"field,omitempty"`
	PredicateID string `json:"predicate_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response failed", "error", err)
	}
}

// writeError renders err. A status of 0 derives it from the error code.
func writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Code: "INTERNAL", Message: err.Error()}
	var e *ir.Error
	if errors.As(err, &e) {
		body.Code = string(e.Code)
		body.Message = e.Message
		body.Field = e.Field
		body.PredicateID = e.PredicateID
		if e.Err != nil {
			body.Message += ": " + e.Err.Error()
		}
	} else if errors.Is(err, staticcall.ErrMalformedCalldata) {
		body.Code = "MALFORMED_CALLDATA"
	}
	if status == 0 {
		status = statusOf(err)
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		if body.Code == "INTERNAL" {
			body.Message = "internal error"
		}
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func statusOf(err error) int {
	switch ir.CodeOf(err) {
	case ir.CodeValidation:
		return http.StatusBadRequest
	case ir.CodeNotFound:
		return http.StatusNotFound
	case ir.CodeUnauthorized:
		return http.StatusForbidden
	case ir.CodeEvaluationInProgress, ir.CodeAlreadyPending, ir.CodeStaleRequest, ir.CodeDuplicateID:
		return http.StatusConflict
	case ir.CodeOracleSubmission:
		return http.StatusBadGateway
	}
	if errors.Is(err, staticcall.ErrMalformedCalldata) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return ir.NewValidationError("body", err.Error())
	}
	return nil
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
