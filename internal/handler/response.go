package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"qrorder-auth/internal/service"
	"qrorder-auth/internal/util"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 64 << 10

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorMessages are the client-facing texts per kind. Internal details
// never reach the response body.
var errorMessages = map[string]string{
	service.KindSessionNotFound:        "Session not found",
	service.KindSessionExpired:         "Session expired",
	service.KindSessionContextMismatch: "Session does not belong to this store or table",
	service.KindSessionLimitExceeded:   "Too many active sessions",
	service.KindRateLimitExceeded:      "Too many requests",
	service.KindTokenNotFound:          "Invalid link",
	service.KindTokenExpired:           "Link expired",
	service.KindTokenAlreadyUsed:       "Link already used",
	service.KindAuthFailed:             "Invalid or expired code",
	service.KindFingerprintBlocked:     "Device blocked",
	service.KindInvalidSessionState:    "Session cannot be changed",
	service.KindInvalidInput:           "Invalid request",
	service.KindCartEmpty:              "Cart is empty",
	service.KindInternal:               "Internal server error",
}

// statusForKind maps an error kind to its HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case service.KindSessionNotFound, service.KindTokenNotFound:
		return http.StatusNotFound
	case service.KindSessionExpired, service.KindTokenExpired:
		return http.StatusGone
	case service.KindSessionContextMismatch, service.KindTokenAlreadyUsed, service.KindInvalidSessionState:
		return http.StatusConflict
	case service.KindSessionLimitExceeded, service.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case service.KindAuthFailed:
		return http.StatusUnauthorized
	case service.KindFingerprintBlocked:
		return http.StatusForbidden
	case service.KindInvalidInput, service.KindCartEmpty:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		util.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError writes the error envelope for err. Rate limit errors add
// a Retry-After header.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	kind := service.KindOf(err)
	status := statusForKind(kind)

	var limited *service.RateLimitError
	if errors.As(err, &limited) {
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds()))
	}

	fields := []zap.Field{
		util.String("kind", kind),
		util.Int("status_code", status),
		util.String("path", r.URL.Path),
		util.ErrorField(err),
	}
	if status >= http.StatusInternalServerError {
		util.Error("HTTP error response", fields...)
	} else {
		util.Debug("HTTP error response", fields...)
	}

	respondWithJSON(w, status, Response{
		Success: false,
		Error:   &ErrorBody{Kind: kind, Message: errorMessages[kind]},
	})
}

// decodeJSON reads a bounded JSON body into dst. Malformed bodies are
// ErrInvalidInput.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return errors.Join(service.ErrInvalidInput, err)
	}
	return nil
}
