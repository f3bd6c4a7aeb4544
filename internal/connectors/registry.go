// Package connectors holds the static provider configuration of every
// OAuth connector the service can establish credentials for.
//
// Provider differences are data: one ConnectorConfig per provider drives the
// generic authorization-code flow in package oauth2.
package connectors

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"connector-hub/internal/common/errors"
)

// ConnectorConfig is the immutable configuration of one OAuth provider.
type ConnectorConfig struct {
	ConnectorID  string   `json:"connector_id" yaml:"connector_id" validate:"required,max=64,excludesall=/?#"`
	DisplayName  string   `json:"display_name" yaml:"display_name" validate:"required"`
	ClientID     string   `json:"-" yaml:"client_id" validate:"required"`
	ClientSecret string   `json:"-" yaml:"client_secret" validate:"required"`
	AuthorizeURL string   `json:"authorize_url" yaml:"authorize_url" validate:"required,url"`
	TokenURL     string   `json:"-" yaml:"token_url" validate:"required,url"`
	Scopes       []string `json:"scopes" yaml:"scopes" validate:"dive,required"`
	RedirectURI  string   `json:"-" yaml:"redirect_uri" validate:"required,url"`
}

// fileFormat is the layout of CONNECTORS_FILE.
type fileFormat struct {
	Connectors []ConnectorConfig `yaml:"connectors"`
}

// Registry maps connector ids to their configuration. It is populated once
// and read concurrently afterwards.
type Registry struct {
	configs map[string]ConnectorConfig
}

var validate = validator.New()

// NewRegistry validates every config and rejects duplicate ids.
func NewRegistry(configs ...ConnectorConfig) (*Registry, error) {
	r := &Registry{configs: make(map[string]ConnectorConfig, len(configs))}

	for _, cfg := range configs {
		if err := validate.Struct(cfg); err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("connector %q: %s", cfg.ConnectorID, describe(err)))
		}
		if _, exists := r.configs[cfg.ConnectorID]; exists {
			return nil, errors.ConfigError(fmt.Sprintf("connector %q is defined more than once", cfg.ConnectorID))
		}

		cfg.Scopes = append([]string(nil), cfg.Scopes...)
		r.configs[cfg.ConnectorID] = cfg
	}

	return r, nil
}

// Get returns the configuration of connectorID.
func (r *Registry) Get(connectorID string) (ConnectorConfig, error) {
	cfg, ok := r.configs[connectorID]
	if !ok {
		return ConnectorConfig{}, errors.NotFoundError("connector").WithContext("connector_id", connectorID)
	}
	cfg.Scopes = append([]string(nil), cfg.Scopes...)
	return cfg, nil
}

// List returns all connectors ordered by id.
func (r *Registry) List() []ConnectorConfig {
	out := make([]ConnectorConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		cfg.Scopes = append([]string(nil), cfg.Scopes...)
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectorID < out[j].ConnectorID })
	return out
}

// Len returns the number of registered connectors.
func (r *Registry) Len() int {
	return len(r.configs)
}

// LoadFile reads connector definitions from a YAML file. ${VAR} references
// are expanded from the environment so secrets can stay out of the file.
func LoadFile(path string) ([]ConnectorConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("failed to read connectors file %s: %v", path, err))
	}
	return Parse([]byte(os.ExpandEnv(string(raw))))
}

// Parse decodes the YAML connectors document.
func Parse(data []byte) ([]ConnectorConfig, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid connectors file: %v", err))
	}
	return doc.Connectors, nil
}

// HubSpot returns the built-in HubSpot connector definition.
func HubSpot(clientID, clientSecret, redirectURI string, scopes []string) ConnectorConfig {
	return ConnectorConfig{
		ConnectorID:  "hubspot",
		DisplayName:  "HubSpot",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthorizeURL: "https://app.hubspot.com/oauth/authorize",
		TokenURL:     "https://api.hubapi.com/oauth/v1/token",
		Scopes:       scopes,
		RedirectURI:  redirectURI,
	}
}

func describe(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "url":
			msgs = append(msgs, fmt.Sprintf("%s must be a valid URL", fe.Field()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, ", ")
}
