// Package httputil centralizes JSON encoding and domain error translation for
// the HTTP layer so every handler returns the same envelopes.
package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	dErrors "shuttle/pkg/domain-errors"
)

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Decode parses the request body into T. On failure it writes a bad-request
// response and returns false; the handler should just return.
func Decode[T any](w http.ResponseWriter, r *http.Request, logger *slog.Logger) (T, bool) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		logger.WarnContext(r.Context(), "malformed request body", "path", r.URL.Path, "error", err)
		WriteError(w, dErrors.New(dErrors.CodeBadRequest, "malformed JSON body"))
		var zero T
		return zero, false
	}
	return v, true
}

// WriteError maps a domain error code to an HTTP status and writes the JSON
// error envelope. Internal errors omit the description so infrastructure
// detail never leaks to callers.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeInternal
	message := ""
	var de *dErrors.Error
	if errors.As(err, &de) {
		code = de.Code
		message = de.Message
	}

	body := map[string]string{"error": string(code)}
	if code != dErrors.CodeInternal && message != "" {
		body["error_description"] = message
	}
	WriteJSON(w, statusFor(code), body)
}

func statusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeBadRequest, dErrors.CodeValidation:
		return http.StatusBadRequest
	case dErrors.CodeAuthorizationDenied:
		return http.StatusForbidden
	case dErrors.CodeNotFound, dErrors.CodeUnknownDomain:
		return http.StatusNotFound
	case dErrors.CodeConflict, dErrors.CodeTransferInProgress, dErrors.CodeConflictUnrecoverable:
		return http.StatusConflict
	case dErrors.CodeIntegrityMismatch, dErrors.CodeDecryption, dErrors.CodeInvalidKeyMaterial:
		return http.StatusUnprocessableEntity
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case dErrors.CodeTransferIO:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
