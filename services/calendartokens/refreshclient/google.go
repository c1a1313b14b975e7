package refreshclient

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/planwise/planbackend/services/calendartokens/providers"
	"github.com/planwise/planbackend/services/calendartokens/tokenerrors"
)

type googleRefresher struct {
	party providers.CalendarParty
}

func NewGoogleRefresher(party providers.CalendarParty) *googleRefresher {
	return &googleRefresher{
		party: party,
	}
}

func (r *googleRefresher) Refresh(c context.Context, refreshToken string) (RefreshResponse, error) {
	if !r.party.IsConfigured() {
		return RefreshResponse{}, tokenerrors.NewConfigurationErrorf("google oauth client-credentials not configured")
	}

	conf := &oauth2.Config{
		ClientID:     r.party.ClientID,
		ClientSecret: r.party.Secret,
		Endpoint: oauth2.Endpoint{
			TokenURL: r.party.TokenEndpoint.GetFullURL(),
		},
	}

	ctx, cancel := context.WithTimeout(c, refreshTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: refreshTimeout})

	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return RefreshResponse{}, classifyGoogleError(err)
	}

	var rotatedRefreshToken string
	if token.RefreshToken != refreshToken {
		rotatedRefreshToken = token.RefreshToken
	}

	var expiresAt *time.Time
	if !token.Expiry.IsZero() {
		t := token.Expiry
		expiresAt = &t
	}

	return RefreshResponse{
		AccessToken:  token.AccessToken,
		RefreshToken: rotatedRefreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// classifyGoogleError maps google's oauth error vocabulary onto the shared
// taxonomy. Only an explicit invalid_grant means the grant itself is dead;
// every other failure carries no information about credential validity.
func classifyGoogleError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" {
			return tokenerrors.NewTerminalCredentialErrorf("google refresh-token no longer valid: %s", retrieveErr.ErrorDescription)
		}
		return tokenerrors.NewTransientProviderErrorf("google token-endpoint error: %s", retrieveErr)
	}

	return tokenerrors.NewTransientProviderErrorf("error calling google token-endpoint: %s", err)
}
