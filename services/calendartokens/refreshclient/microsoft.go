package refreshclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/planwise/planbackend/services/calendartokens/providers"
	"github.com/planwise/planbackend/services/calendartokens/tokenerrors"

	"github.com/planwise/planbackend/lib/mytime"
)

type microsoftRefresher struct {
	party providers.CalendarParty
	nower mytime.Nower
}

func NewMicrosoftRefresher(party providers.CalendarParty, nower mytime.Nower) *microsoftRefresher {
	return &microsoftRefresher{
		party: party,
		nower: nower,
	}
}

type microsoftTokenResponse struct {
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ExpiresIn    int    `json:"expires_in"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type microsoftErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (r *microsoftRefresher) Refresh(c context.Context, refreshToken string) (RefreshResponse, error) {
	if !r.party.IsConfigured() || r.party.TenantID == "" {
		return RefreshResponse{}, tokenerrors.NewConfigurationErrorf("microsoft oauth client-credentials or tenant not configured")
	}

	// Confidential-client refresh against the v2.0 endpoint. Scope must be
	// repeated on refresh so the minted access token keeps the calendar
	// permissions.
	requestBody := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {r.party.ClientID},
		"client_secret": {r.party.Secret},
		"scope":         {r.party.DefaultScopes},
	}.Encode()

	httpClient := newHTTPClient()
	httpRespCode, respBody, err := httpClient.Send(c, http.MethodPost, r.party.TokenEndpoint.GetFullURL(), []byte(requestBody))
	if err != nil {
		return RefreshResponse{}, tokenerrors.NewTransientProviderErrorf("error calling microsoft token-endpoint: %s", err)
	}

	if httpRespCode != http.StatusOK {
		return RefreshResponse{}, classifyMicrosoftError(httpRespCode, respBody)
	}

	resp := microsoftTokenResponse{}
	err = json.Unmarshal(respBody, &resp)
	if err != nil {
		return RefreshResponse{}, tokenerrors.NewTransientProviderErrorf("error parsing microsoft token-response: %s", err)
	}

	if resp.AccessToken == "" {
		return RefreshResponse{}, tokenerrors.NewTransientProviderErrorf("microsoft token-response contained no access-token")
	}

	return RefreshResponse{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    calculateExpiresAt(r.nower.Now(), resp.ExpiresIn),
	}, nil
}

// classifyMicrosoftError maps microsoft's error vocabulary onto the shared
// taxonomy: invalid_grant (grant revoked or expired beyond recovery) is
// terminal, everything else is retryable.
func classifyMicrosoftError(httpRespCode int, respBody []byte) error {
	errResp := microsoftErrorResponse{}
	err := json.Unmarshal(respBody, &errResp)
	if err == nil && errResp.Error == "invalid_grant" {
		return tokenerrors.NewTerminalCredentialErrorf("microsoft refresh-token no longer valid: %s", errResp.ErrorDescription)
	}

	return tokenerrors.NewTransientProviderErrorf("microsoft token-endpoint returned %d", httpRespCode)
}

func calculateExpiresAt(now time.Time, expiresIn int) *time.Time {
	if expiresIn == 0 {
		return nil
	}
	t := now.Add(time.Second * time.Duration(expiresIn))
	return &t
}
