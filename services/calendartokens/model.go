package calendartokens

import "time"

// TokenRecord is the unit of credential state for one connected calendar
// account. It is created by the interactive consent flow; this service only
// reads it and conditionally mutates AccessToken, RefreshToken, ExpiresAt
// and IsActive. Once IsActive is false it stays false until the user
// re-consents out-of-band.
type TokenRecord struct {
	UID          string
	WorkspaceUID string
	OwnerUserUID string
	ProviderName string
	AccountEmail string
	AccountName  string
	AccessToken  string `datastore:",noindex"`
	RefreshToken string `datastore:",noindex"`
	ExpiresAt    *time.Time
	IsActive     bool
	CreatedAt    time.Time
	LastModified *time.Time
}

// EnsureResult is the outcome of EnsureValid. On a transient failure the
// AccessToken is the previous one, returned best-effort.
type EnsureResult struct {
	AccessToken string
	ExpiresAt   *time.Time
	Refreshed   bool
}

// ResolvedToken pairs a record with its currently usable access token.
type ResolvedToken struct {
	Record      TokenRecord
	AccessToken string
}
