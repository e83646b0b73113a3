/*
errors.go - Result kinds and errors to HTTP status codes

PURPOSE:
  The engine never throws for a business outcome. Every handler switches on
  the result's generic.Kind and gets its status code here, so the mapping
  lives in one table.

HUMAN BOUNDARY:
  none / duplicate            200 (idempotent success)
  invalid_transition          409
  forbidden                   403
  conflict                    409, retryable=true
  insufficient_funds          422
  inactive                    422
  conflicting_terminal_state  409

ERRORS:
  not found                   404
  invalid input / amount      400
  duplicate key               409
  anything else               500

GATEWAY BOUNDARY:
  See Handler.GatewayWebhook: every understood callback is 200.
*/
package api

import (
	"errors"
	"net/http"

	"github.com/warp/restaurant-engine/generic"
)

var kindStatus = map[generic.Kind]int{
	generic.KindNone:                     http.StatusOK,
	generic.KindDuplicate:                http.StatusOK,
	generic.KindInvalidTransition:        http.StatusConflict,
	generic.KindForbidden:                http.StatusForbidden,
	generic.KindConflict:                 http.StatusConflict,
	generic.KindInsufficientFunds:        http.StatusUnprocessableEntity,
	generic.KindInactive:                 http.StatusUnprocessableEntity,
	generic.KindConflictingTerminalState: http.StatusConflict,
	generic.KindUnknownReference:         http.StatusNotFound,
}

func statusForKind(k generic.Kind) int {
	if status, ok := kindStatus[k]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func statusForError(err error) int {
	switch {
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, generic.ErrDuplicateKey):
		return http.StatusConflict
	case generic.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError answers a hard failure. 500s hide the cause from the
// client; the request log has it.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, status, "internal error", nil)
		return
	}
	writeError(w, status, http.StatusText(status), err)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
