package debrid

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// ServiceCredential is one configured service with its credential map. A
// credential value may be stored as a marker-prefixed ciphertext; the
// orchestrator opens the envelope before handing credentials to this package.
type ServiceCredential struct {
	ID      string
	Enabled bool
	Values  map[string]string
}

// OAuth2 token endpoints for services that support the flow. API-key-only
// services aren't listed.
var oauth2Endpoints = map[string]oauth2.Endpoint{
	"realdebrid": {
		AuthURL:  "https://api.real-debrid.com/oauth/v2/auth",
		TokenURL: "https://api.real-debrid.com/oauth/v2/token",
	},
	"premiumize": {
		AuthURL:  "https://www.premiumize.me/authorize",
		TokenURL: "https://www.premiumize.me/token",
	},
}

// AccessToken resolves the credential map into a bearer token. Plain API
// keys are returned as-is; OAuth2 credential maps (client_id + refresh_token)
// are exchanged for a fresh access token.
func AccessToken(ctx context.Context, cred ServiceCredential) (string, error) {
	if apiKey := cred.Values["apiKey"]; apiKey != "" {
		return apiKey, nil
	}
	if token := cred.Values["token"]; token != "" {
		return token, nil
	}

	refreshToken := cred.Values["refresh_token"]
	clientID := cred.Values["client_id"]
	if refreshToken == "" || clientID == "" {
		return "", &Error{
			Code:    CodeUnauthorized,
			Service: cred.ID,
			Err:     fmt.Errorf("credential map has neither an API key nor an OAuth2 refresh token"),
		}
	}
	endpoint, ok := oauth2Endpoints[cred.ID]
	if !ok {
		return "", &Error{
			Code:    CodeUnauthorized,
			Service: cred.ID,
			Err:     fmt.Errorf("service %q doesn't support OAuth2 credentials", cred.ID),
		}
	}

	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: cred.Values["client_secret"],
		Endpoint:     endpoint,
	}
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", &Error{Code: CodeUnauthorized, Service: cred.ID, Err: fmt.Errorf("Couldn't refresh OAuth2 token: %v", err)}
	}
	return token.AccessToken, nil
}
