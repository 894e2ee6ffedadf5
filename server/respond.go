package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/jrsteele09/go-session-authority/autherr"
)

const maxBodyBytes = 1 << 20

// Response is the envelope every JSON endpoint answers with.
type Response struct {
	Data  any            `json:"data,omitempty"`
	Error *ErrorResponse `json:"error,omitempty"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Response{Data: data})
}

var kindStatus = map[autherr.Kind]int{
	autherr.InvalidEmail:       http.StatusBadRequest,
	autherr.WeakPassword:       http.StatusBadRequest,
	autherr.InvalidDisplayName: http.StatusBadRequest,
	autherr.InvalidClaim:       http.StatusBadRequest,
	autherr.InvalidInput:       http.StatusBadRequest,

	autherr.InvalidCredentials:      http.StatusUnauthorized,
	autherr.InvalidAccessToken:      http.StatusUnauthorized,
	autherr.InvalidRefreshToken:     http.StatusUnauthorized,
	autherr.UnverifiedExternalEmail: http.StatusUnauthorized,

	autherr.IncorrectCurrentPassword: http.StatusForbidden,
	autherr.AccountDeactivated:       http.StatusForbidden,

	autherr.DuplicateAccount:            http.StatusConflict,
	autherr.AlreadyLinkedElsewhere:      http.StatusConflict,
	autherr.EmailMismatch:               http.StatusConflict,
	autherr.NoPasswordSet:               http.StatusConflict,
	autherr.PasswordAlreadySet:          http.StatusConflict,
	autherr.AccountExistsUnderLocalAuth: http.StatusConflict,
	autherr.RegistrationRequired:        http.StatusConflict,

	autherr.AccountNotFound: http.StatusNotFound,
	autherr.ClaimNotFound:   http.StatusNotFound,

	autherr.Internal: http.StatusInternalServerError,
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind autherr.Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// writeError answers with the error's kind and caller-safe message. Causes only reach the log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := autherr.KindOf(err)
	status := StatusFor(kind)

	message := messageFor(kind, err)
	if status >= http.StatusInternalServerError {
		ev := s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path)
		var ae *autherr.Error
		if errors.As(err, &ae) {
			ev = ev.Str("op", ae.Op).Str("cause", ae.Cause())
		}
		ev.Msg("request failed")
	}
	writeJSON(w, status, Response{Error: &ErrorResponse{Code: string(kind), Message: message}})
}

func messageFor(kind autherr.Kind, err error) string {
	var ae *autherr.Error
	if errors.As(err, &ae) {
		return ae.Error()
	}
	return (&autherr.Error{Kind: kind}).Error()
}

func badRequest(op, format string, args ...any) error {
	return autherr.Ef(autherr.InvalidInput, op, format, args...)
}

// decodeJSON reads a single JSON object into dst, rejecting unknown fields and trailing data.
func decodeJSON(r *http.Request, op string, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return badRequest(op, "malformed request body")
	}
	if dec.More() {
		return badRequest(op, "request body must contain a single object")
	}
	return nil
}
