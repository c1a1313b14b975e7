package refreshclient

import (
	"context"
	"time"

	"github.com/planwise/planbackend/services/calendartokens/providers"
	"github.com/planwise/planbackend/services/calendartokens/tokenerrors"

	"github.com/planwise/planbackend/lib/mytime"
)

// RefreshResponse is the provider-agnostic result of a refresh-token
// exchange. ExpiresAt is absolute; nil means the provider did not report an
// expiry. RefreshToken is non-empty only when the provider rotated it.
type RefreshResponse struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// Refresher encapsulates one provider's token-refresh wire protocol and
// error vocabulary. Errors are classified via tokenerrors kinds.
type Refresher interface {
	Refresh(c context.Context, refreshToken string) (RefreshResponse, error)
}

//go:generate mockgen -source=api.go -package refreshclient -destination refreshclient_mock.go TokenRefresher
type TokenRefresher interface {
	Refresh(c context.Context, providerName string, refreshToken string) (RefreshResponse, error)
}

// Refreshers dispatches to the per-provider Refresher implementations. All
// provider-specific behavior lives behind the Refresher boundary.
type Refreshers struct {
	refreshers map[string]Refresher
}

func NewRefreshers(parties providers.CalendarProvider, nower mytime.Nower) *Refreshers {
	refreshers := map[string]Refresher{}
	for name, party := range parties.All() {
		switch name {
		case providers.Google:
			refreshers[name] = NewGoogleRefresher(party)
		case providers.Microsoft:
			refreshers[name] = NewMicrosoftRefresher(party, nower)
		}
	}

	return &Refreshers{
		refreshers: refreshers,
	}
}

func (r *Refreshers) Refresh(c context.Context, providerName string, refreshToken string) (RefreshResponse, error) {
	refresher, found := r.refreshers[providerName]
	if !found {
		return RefreshResponse{}, tokenerrors.NewConfigurationErrorf("no refresh support for provider '%s'", providerName)
	}

	return refresher.Refresh(c, refreshToken)
}
