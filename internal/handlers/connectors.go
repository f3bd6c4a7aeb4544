package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"connector-hub/internal/common/errors"
	"connector-hub/internal/common/logging"
	"connector-hub/internal/oauth2"
)

// ConnectorResponse describes a configured connector. Client credentials
// and provider endpoints other than the consent page are never exposed.
type ConnectorResponse struct {
	ConnectorID  string   `json:"connector_id"`
	DisplayName  string   `json:"display_name"`
	AuthorizeURL string   `json:"authorize_url"`
	Scopes       []string `json:"scopes"`
}

// InitiateRequest is the optional body of the initiate endpoint.
type InitiateRequest struct {
	ProjectID string `json:"project_id"`
}

type InitiateResponse struct {
	AuthorizationURL string `json:"authorization_url"`
}

type CallbackResponse struct {
	Status      string    `json:"status"`
	ConnectorID string    `json:"connector_id"`
	ProjectID   string    `json:"project_id"`
	Scope       string    `json:"scope,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// UserConnectorResponse describes a stored credential without its tokens.
type UserConnectorResponse struct {
	ConnectorID     string    `json:"connector_id"`
	ProjectID       string    `json:"project_id"`
	Scope           string    `json:"scope,omitempty"`
	Connected       bool      `json:"connected"`
	Refreshable     bool      `json:"refreshable"`
	ExpiresAt       time.Time `json:"expires_at"`
	LastRefreshedAt time.Time `json:"last_refreshed_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// ListConnectors returns every configured connector
// @Summary List connectors
// @Description Returns the connectors users can establish credentials for
// @Tags connectors
// @Produce json
// @Security BearerAuth
// @Success 200 {array} ConnectorResponse
// @Failure 401 {object} ErrorResponse
// @Router /connectors [get]
func (h *Handlers) ListConnectors(w http.ResponseWriter, r *http.Request) {
	configs := h.service.Connectors()

	response := make([]ConnectorResponse, 0, len(configs))
	for _, cfg := range configs {
		response = append(response, ConnectorResponse{
			ConnectorID:  cfg.ConnectorID,
			DisplayName:  cfg.DisplayName,
			AuthorizeURL: cfg.AuthorizeURL,
			Scopes:       cfg.Scopes,
		})
	}

	h.sendJSONResponse(w, response)
}

// InitiateOAuth starts the authorization-code flow
// @Summary Initiate OAuth
// @Description Issues a single-use state bound to the caller and returns the provider consent URL
// @Tags oauth
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param connector_id path string true "Connector ID"
// @Param project_id query string false "Project the credential is for"
// @Param request body InitiateRequest false "Project the credential is for"
// @Success 200 {object} InitiateResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /connectors/{connector_id}/oauth/initiate [post]
func (h *Handlers) InitiateOAuth(w http.ResponseWriter, r *http.Request) {
	connectorID := mux.Vars(r)["connector_id"]

	projectID, err := requestedProject(r)
	if err != nil {
		h.sendJSONError(w, r, err, "Invalid initiate request")
		return
	}

	identity, err := h.identity(r, projectID)
	if err != nil {
		h.sendJSONError(w, r, err, "Invalid initiate request")
		return
	}

	authURL, err := h.service.Initiate(r.Context(), connectorID, identity)
	if err != nil {
		h.sendJSONError(w, r, err, "Failed to initiate OAuth")
		return
	}

	h.sendJSONResponse(w, InitiateResponse{AuthorizationURL: authURL})
}

// OAuthCallback completes the flow on the provider redirect
// @Summary OAuth callback
// @Description Validates the state, exchanges the code and stores the credential
// @Tags oauth
// @Produce json
// @Security BearerAuth
// @Param connector_id path string true "Connector ID"
// @Param code query string false "Authorization code"
// @Param state query string true "State issued by initiate"
// @Param error query string false "Provider error"
// @Param project_id query string false "Project, must match the initiating project"
// @Success 200 {object} CallbackResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /connectors/{connector_id}/oauth/callback [get]
func (h *Handlers) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	connectorID := mux.Vars(r)["connector_id"]
	query := r.URL.Query()

	identity, err := h.identity(r, strings.TrimSpace(query.Get("project_id")))
	if err != nil {
		h.sendJSONError(w, r, err, "Invalid callback request")
		return
	}

	cred, err := h.service.CompleteCallback(r.Context(), oauth2.CallbackRequest{
		ConnectorID:   connectorID,
		Code:          query.Get("code"),
		State:         query.Get("state"),
		ProviderError: query.Get("error"),
		Identity:      identity,
	})
	if err != nil {
		h.sendJSONError(w, r, err, "OAuth callback failed")
		return
	}

	h.sendJSONResponse(w, CallbackResponse{
		Status:      "connected",
		ConnectorID: cred.Key.ConnectorID,
		ProjectID:   cred.Key.ProjectID,
		Scope:       cred.Scope,
		ExpiresAt:   cred.ExpiresAt,
	})
}

// ListUserConnectors returns the caller's credentials in a project
// @Summary List my connectors
// @Description Returns the connectors the caller connected in a project, without tokens
// @Tags connectors
// @Produce json
// @Security BearerAuth
// @Param project_id query string false "Project ID"
// @Success 200 {array} UserConnectorResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /connectors/me [get]
func (h *Handlers) ListUserConnectors(w http.ResponseWriter, r *http.Request) {
	identity, err := h.identity(r, strings.TrimSpace(r.URL.Query().Get("project_id")))
	if err != nil {
		h.sendJSONError(w, r, err, "Invalid request")
		return
	}
	if identity.ProjectID == "" {
		h.sendJSONError(w, r, errors.ValidationError("project id is required"), "Invalid request")
		return
	}

	creds, err := h.service.Credentials(r.Context(), identity)
	if err != nil {
		h.sendJSONError(w, r, err, "Failed to list credentials")
		return
	}

	now := time.Now()
	response := make([]UserConnectorResponse, 0, len(creds))
	for _, cred := range creds {
		response = append(response, UserConnectorResponse{
			ConnectorID:     cred.Key.ConnectorID,
			ProjectID:       cred.Key.ProjectID,
			Scope:           cred.Scope,
			Connected:       cred.ValidAt(now, 0) || cred.RefreshToken != "",
			Refreshable:     cred.RefreshToken != "",
			ExpiresAt:       cred.ExpiresAt,
			LastRefreshedAt: cred.LastRefreshedAt,
			CreatedAt:       cred.CreatedAt,
		})
	}

	h.sendJSONResponse(w, response)
}

// DeleteUserConnector removes the caller's credential
// @Summary Disconnect a connector
// @Description Deletes the caller's stored credential for the connector in a project
// @Tags connectors
// @Security BearerAuth
// @Param connector_id path string true "Connector ID"
// @Param project_id query string false "Project ID"
// @Success 204 "Deleted"
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /connectors/{connector_id} [delete]
func (h *Handlers) DeleteUserConnector(w http.ResponseWriter, r *http.Request) {
	connectorID := mux.Vars(r)["connector_id"]

	identity, err := h.identity(r, strings.TrimSpace(r.URL.Query().Get("project_id")))
	if err != nil {
		h.sendJSONError(w, r, err, "Invalid request")
		return
	}

	if err := h.service.Disconnect(r.Context(), oauth2.KeyFor(connectorID, identity)); err != nil {
		h.sendJSONError(w, r, err, "Failed to delete credential")
		return
	}

	h.logger.WithContext(r.Context()).Info("Connector disconnected",
		logging.Field{"connector_id", connectorID},
		logging.Field{"organization_id", identity.OrganizationID},
		logging.Field{"user_id", identity.UserID},
		logging.Field{"project_id", identity.ProjectID},
	)
	w.WriteHeader(http.StatusNoContent)
}

// requestedProject reads project_id from a JSON body, falling back to the query.
func requestedProject(r *http.Request) (string, error) {
	if r.Body != nil && r.ContentLength != 0 {
		var req InitiateRequest
		err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req)
		if err != nil && err != io.EOF {
			return "", errors.ValidationError("invalid request body")
		}
		if p := strings.TrimSpace(req.ProjectID); p != "" {
			return p, nil
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("project_id")), nil
}
