// Package handlers exposes the connector OAuth flow over HTTP.
package handlers

import (
	"net/http"

	"connector-hub/internal/auth"
	"connector-hub/internal/common/errors"
	commonhttp "connector-hub/internal/common/http"
	"connector-hub/internal/common/logging"
	"connector-hub/internal/oauth2"
)

type Handlers struct {
	service *oauth2.Service
	logger  logging.Logger
}

func New(service *oauth2.Service) *Handlers {
	return &Handlers{
		service: service,
		logger:  logging.GetGlobalLogger().WithFields(logging.Field{"component", "handlers"}),
	}
}

func (h *Handlers) sendJSONResponse(w http.ResponseWriter, data interface{}) {
	commonhttp.WriteJSON(w, http.StatusOK, data)
}

// sendJSONError logs err with the request id and writes its public form.
func (h *Handlers) sendJSONError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	logger := h.logger.WithContext(r.Context())
	if errors.HTTPStatus(err) >= http.StatusInternalServerError {
		logger.Error(msg, err, logging.Field{"path", r.URL.Path})
	} else {
		logger.Warn(msg, logging.Field{"path", r.URL.Path}, logging.Field{"error_type", errors.GetType(err)})
	}
	commonhttp.WriteError(w, err)
}

// identity returns the caller resolved by auth.RequireIdentity with the
// project named by the request, if any. A project bound into the caller's
// token cannot be switched per request.
func (h *Handlers) identity(r *http.Request, requestedProject string) (oauth2.Identity, error) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return oauth2.Identity{}, errors.AuthError("authentication required")
	}
	if requestedProject == "" {
		return identity, nil
	}
	if identity.ProjectID != "" && identity.ProjectID != requestedProject {
		return oauth2.Identity{}, errors.ValidationError("project_id does not match the authenticated project")
	}
	identity.ProjectID = requestedProject
	return identity, nil
}

// ErrorResponse is the body of every failed request.
type ErrorResponse = commonhttp.ErrorBody
