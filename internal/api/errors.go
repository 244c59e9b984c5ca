package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/registry-supervisor/internal/process"
	"github.com/nerrad567/registry-supervisor/internal/registry"
)

// Error is the body of every non-2xx response.
//
// Hint carries the remedy the CLI would print (an install or login
// command). Missing lists the registry settings discovery could not find.
type Error struct {
	Status  int      `json:"status"`
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Hint    string   `json:"hint,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

// Error codes.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeUnauthorized     = "unauthorised"
	ErrCodeForbidden        = "forbidden"
	ErrCodeInternal         = "internal_error"
	ErrCodeShuttingDown     = "shutting_down"
	ErrCodeToolMissing      = "tool_missing"
	ErrCodeConfigIncomplete = "config_incomplete"
	ErrCodeNotDiscovered    = "not_discovered"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // the client may already be gone
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, e Error) {
	writeJSON(w, e.Status, e)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, Error{Status: http.StatusBadRequest, Code: ErrCodeBadRequest, Message: message})
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, Error{Status: http.StatusNotFound, Code: ErrCodeNotFound, Message: message})
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, Error{Status: http.StatusUnauthorized, Code: ErrCodeUnauthorized, Message: message})
}

func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, Error{Status: http.StatusForbidden, Code: ErrCodeForbidden, Message: message})
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, Error{Status: http.StatusInternalServerError, Code: ErrCodeInternal, Message: message})
}

// supervisorError maps a failure from the supervisor queue or from
// config discovery onto a response. ok is false for unexpected errors.
func supervisorError(err error) (e Error, ok bool) {
	var (
		toolErr       *process.ToolMissingError
		incompleteErr *registry.ConfigIncompleteError
	)
	switch {
	case errors.Is(err, process.ErrClosed):
		return Error{
			Status:  http.StatusServiceUnavailable,
			Code:    ErrCodeShuttingDown,
			Message: "supervisor is shutting down",
		}, true
	case errors.As(err, &toolErr):
		return Error{
			Status:  http.StatusServiceUnavailable,
			Code:    ErrCodeToolMissing,
			Message: err.Error(),
			Hint:    toolErr.Hint,
		}, true
	case errors.As(err, &incompleteErr):
		e := Error{
			Status:  http.StatusBadGateway,
			Code:    ErrCodeConfigIncomplete,
			Message: err.Error(),
			Missing: incompleteErr.Missing,
		}
		if addr := incompleteErr.Config.HTTPAddress; addr != "" {
			e.Hint = "npm login --registry=" + addr
		}
		return e, true
	}
	return Error{
		Status:  http.StatusInternalServerError,
		Code:    ErrCodeInternal,
		Message: err.Error(),
	}, false
}
