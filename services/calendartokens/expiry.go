package calendartokens

import "time"

// RefreshBuffer is the safety margin before actual expiry at which a token
// becomes due for refresh. Comfortably larger than one provider round trip
// plus clock skew, so a token is never observed expired mid-request.
const RefreshBuffer = 5 * time.Minute

// needsRefresh is the expiry policy: pure and deterministic given now.
// A nil expiry cannot prove staleness and never triggers a refresh; this
// trades a small risk of serving a stale token for not hammering the
// provider on every call.
func needsRefresh(now time.Time, expiresAt *time.Time) bool {
	if expiresAt == nil {
		return false
	}

	return expiresAt.Sub(now) < RefreshBuffer
}
