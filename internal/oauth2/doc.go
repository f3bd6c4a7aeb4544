// Package oauth2 implements the authorization-code grant for every configured
// connector, stores the resulting credentials and keeps them fresh.
//
// # Flow
//
//	Initiate         issue a CSRF state bound to the caller, return the consent URL
//	CompleteCallback consume the state once, exchange the code, upsert the Credential
//	Refresh          redeem the refresh token, keep the old one unless rotated
//
// Downstream code only talks to an Accessor (or Service.GetValidAccessToken),
// which returns a stored token while it is valid for at least the refresh
// margin and otherwise refreshes it. Refreshes of one CredentialKey are
// single-flight; an optional RefreshLocker extends that across replicas.
//
// # Storage
//
// StateStore and TokenStore have memory and Redis implementations here and
// SQL implementations in internal/storage. State consumption is an atomic
// fetch-and-delete in every backend. Durable token stores seal tokens with a
// crypto.Cipher bound to the credential key.
//
// # Errors
//
// Failures are *errors.AppError values from internal/common/errors:
// invalid_state, authorization_denied and provider_rejected end an attempt;
// transient_network is returned after one retry; no_refresh_token and
// reauth_required ask the user to reconnect.
//
// # Usage
//
//	registry, _ := connectors.NewRegistry(connectors.HubSpot(id, secret, redirect, scopes))
//	connector := oauth2.NewConnector(registry, oauth2.NewMemoryStateStore(0, nil), oauth2.NewMemoryTokenStore())
//	accessor := oauth2.NewAccessor(connector)
//
//	url, err := connector.Initiate(ctx, "hubspot", identity)
//	...
//	token, err := accessor.GetValidAccessToken(ctx, oauth2.KeyFor("hubspot", identity))
package oauth2
