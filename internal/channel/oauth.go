package channel

import (
	"context"
	"errors"
	"net/http"

	"github.com/matheus3301/integrations/internal/store"
	"golang.org/x/oauth2"
)

// OAuthRefresher is an AuthProvider for providers that issue OAuth2
// refresh tokens.
type OAuthRefresher struct {
	Config *oauth2.Config
	// Client carries token requests; nil uses http.DefaultClient.
	Client *http.Client
}

// Refresh trades the account's refresh token for a new access token. A
// rejected grant is Permanent, anything else Transient.
func (o *OAuthRefresher) Refresh(ctx context.Context, acc *store.Account) (*Credentials, error) {
	if acc.RefreshToken == "" {
		return nil, &ProviderError{Kind: Permanent, Message: "account has no refresh token"}
	}
	if o.Client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, o.Client)
	}
	tok, err := o.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: acc.RefreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < 500 {
			return nil, &ProviderError{Kind: Permanent, Status: re.Response.StatusCode, Err: err}
		}
		return nil, &ProviderError{Kind: Transient, Err: err}
	}
	return &Credentials{
		Token:        tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}
