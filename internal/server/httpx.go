package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/roach88/evidence/internal/engine"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a stable code and a human message.
type ErrorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code engine.Code) int {
	switch code {
	case engine.CodeValidation:
		return http.StatusBadRequest
	case engine.CodeNotFound:
		return http.StatusNotFound
	case engine.CodeRunIDConflict:
		return http.StatusConflict
	case engine.CodeHandlerFailure:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeError renders err. Errors outside the engine taxonomy are INTERNAL
// and their text is not exposed.
func writeError(w http.ResponseWriter, err error) {
	var e *engine.Error
	if !errors.As(err, &e) {
		e = &engine.Error{Code: engine.CodeInternal, Message: "internal error"}
	}

	details := make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	if e.RunID != "" {
		details["run_id"] = e.RunID
	}
	if len(details) == 0 {
		details = nil
	}

	writeJSON(w, StatusFor(e.Code), ErrorBody{Error: ErrorDetail{
		Code:    string(e.Code),
		Message: e.Message,
		Details: details,
	}})
}

// readJSON strictly decodes one JSON value from the request body. Decode
// failures are validation errors.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return engine.NewValidationError("", fmt.Errorf("decode request: %w", err))
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return engine.NewValidationError("", fmt.Errorf("decode request: trailing data"))
	}
	return nil
}
