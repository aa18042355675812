package pipeline

import (
	"encoding/json"
	"net/http"
)

// Error is the uniform client-facing failure envelope. Anything that is
// not an *Error when it escapes the failure boundary is replaced by a
// generic internal error so no internal detail reaches the caller.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// WriteJSON writes the error as the API's error envelope.
func (e *Error) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(e)
}

func internalError() *Error {
	return &Error{
		Status:  http.StatusInternalServerError,
		Code:    "internal_error",
		Message: "internal server error",
	}
}
