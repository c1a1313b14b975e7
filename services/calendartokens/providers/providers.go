package providers

import "fmt"

const (
	Google    = "google"
	Microsoft = "microsoft"
)

type EndPoint struct {
	Hostname string
	Path     string
}

func (ep EndPoint) GetFullURL() string {
	return ep.Hostname + ep.Path
}

// CalendarParty holds the process-scoped oauth configuration of one calendar
// provider. Client credentials are injected once at startup and never stored
// on a token record.
type CalendarParty struct {
	ClientID      string
	Secret        string
	TenantID      string
	TokenEndpoint EndPoint
	DefaultScopes string
}

func (p CalendarParty) IsConfigured() bool {
	return p.ClientID != "" && p.Secret != ""
}

type CalendarProvider interface {
	All() map[string]CalendarParty
	Set(providerName string, clientID string, secret string, tenantID string, tokenHostname string)
	Get(providerName string) (CalendarParty, error)
}

type CalendarProviders struct {
	providers map[string]CalendarParty
}

func NewProviders() *CalendarProviders {
	return &CalendarProviders{
		providers: map[string]CalendarParty{
			Google: {
				TokenEndpoint: EndPoint{
					Hostname: "https://oauth2.googleapis.com",
					Path:     "/token",
				},
				DefaultScopes: "https://www.googleapis.com/auth/calendar https://www.googleapis.com/auth/calendar.events openid email",
			},
			Microsoft: {
				TenantID: "common",
				TokenEndpoint: EndPoint{
					Hostname: "https://login.microsoftonline.com",
					Path:     "/common/oauth2/v2.0/token",
				},
				// NB: order matters
				DefaultScopes: "offline_access User.Read Calendars.Read Calendars.ReadWrite",
			},
		},
	}
}

func (cp *CalendarProviders) All() map[string]CalendarParty {
	return cp.providers
}

func (cp *CalendarProviders) Set(providerName string, clientID string, secret string, tenantID string, tokenHostname string) {
	provider, found := cp.providers[providerName]
	if !found {
		provider = CalendarParty{}
	}

	if clientID != "" {
		provider.ClientID = clientID
	}

	if secret != "" {
		provider.Secret = secret
	}

	if tenantID != "" {
		provider.TenantID = tenantID
		if providerName == Microsoft {
			provider.TokenEndpoint.Path = fmt.Sprintf("/%s/oauth2/v2.0/token", tenantID)
		}
	}

	if tokenHostname != "" {
		provider.TokenEndpoint.Hostname = tokenHostname
	}

	cp.providers[providerName] = provider
}

func (cp *CalendarProviders) Get(providerName string) (CalendarParty, error) {
	provider, found := cp.providers[providerName]
	if !found {
		return CalendarParty{}, fmt.Errorf("calendar provider with name '%s' not found", providerName)
	}
	return provider, nil
}
