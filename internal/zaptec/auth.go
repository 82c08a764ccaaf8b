package zaptec

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// tokenExpirySlack is how close to expiry a cached token is still handed out.
const tokenExpirySlack = 30 * time.Second

// authenticator caches the bearer token for the vendor's password-grant
// endpoint. The token is valid for roughly a day; it is fetched lazily and
// re-fetched after Invalidate (a 401 from the API).
type authenticator struct {
	cfg        *oauth2.Config
	username   string
	password   string
	httpClient *http.Client
	log        *zap.Logger

	mu    sync.Mutex
	token *oauth2.Token
}

func newAuthenticator(tokenURL, username, password string, httpClient *http.Client, log *zap.Logger) *authenticator {
	return &authenticator{
		cfg: &oauth2.Config{
			Endpoint: oauth2.Endpoint{TokenURL: tokenURL},
		},
		username:   username,
		password:   password,
		httpClient: httpClient,
		log:        log,
	}
}

// AccessToken returns a valid bearer token, logging in when the cached one is
// missing or about to expire.
func (a *authenticator) AccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != nil && a.token.AccessToken != "" {
		if a.token.Expiry.IsZero() || time.Until(a.token.Expiry) > tokenExpirySlack {
			return a.token.AccessToken, nil
		}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	token, err := a.cfg.PasswordCredentialsToken(ctx, a.username, a.password)
	if err != nil {
		if rerr, ok := err.(*oauth2.RetrieveError); ok && rerr.Response != nil &&
			rerr.Response.StatusCode == http.StatusBadRequest {
			return "", &AuthError{Reason: rerr.ErrorDescription}
		}
		return "", err
	}

	a.log.Debug("access token refreshed", zap.Time("expiry", token.Expiry))
	a.token = token
	return token.AccessToken, nil
}

// Invalidate drops the cached token so the next AccessToken call logs in
// again.
func (a *authenticator) Invalidate() {
	a.mu.Lock()
	a.token = nil
	a.mu.Unlock()
}
