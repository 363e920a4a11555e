package nextcloud

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/oauth2"
)

const (
	authorizePath = "/apps/oauth2/authorize"
	tokenPath     = "/apps/oauth2/api/v1/token"
)

// OAuthConfig builds the oauth2 config for a Nextcloud server's OAuth2
// app. Nextcloud expects client credentials in the form body, not basic
// auth, hence AuthStyleInParams.
func OAuthConfig(baseURL, clientID, clientSecret, redirectURL string) *oauth2.Config {
	base := strings.TrimRight(baseURL, "/")
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   base + authorizePath,
			TokenURL:  base + tokenPath,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthorizationURL is where the user's browser is sent to approve the
// bridge. State round-trips through Nextcloud untouched.
func AuthorizationURL(cfg *oauth2.Config, state string) string {
	return cfg.AuthCodeURL(state)
}

// ExchangeAuthorizationCode trades a one-time authorization code for a
// token pair.
func ExchangeAuthorizationCode(ctx context.Context, cfg *oauth2.Config, code string) (*oauth2.Token, error) {
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, wrapRetrieveError(err)
	}
	return tok, nil
}

// ExchangeRefreshToken trades a refresh token for a fresh token pair.
// When the server omits a rotated refresh token the returned token's
// RefreshToken is empty; the caller must carry the previous one over.
func ExchangeRefreshToken(ctx context.Context, cfg *oauth2.Config, refreshToken string) (*oauth2.Token, error) {
	source := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := source.Token()
	if err != nil {
		return nil, wrapRetrieveError(err)
	}
	return tok, nil
}

// wrapRetrieveError converts oauth2's retrieve error into a RemoteError
// so callers get a uniform status+body view of remote rejections.
func wrapRetrieveError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		return &RemoteError{StatusCode: rerr.Response.StatusCode, Body: string(rerr.Body)}
	}
	return err
}
