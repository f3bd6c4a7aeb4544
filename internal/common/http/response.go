package http

import (
	"encoding/json"
	"net/http"

	"connector-hub/internal/common/errors"
)

// ErrorBody is the JSON body of every API error: the error classification
// and a message safe for end users.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err onto its status code and public message.
func WriteError(w http.ResponseWriter, err error) {
	body := ErrorBody{
		Error:   string(errors.GetType(err)),
		Message: errors.PublicMessage(err),
	}
	if appErr, ok := errors.As(err); ok && appErr.Type == errors.ErrTypeAuthorizationDenied {
		body.Code = appErr.Code
	}
	WriteJSON(w, errors.HTTPStatus(err), body)
}
