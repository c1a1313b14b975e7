package calendartokens

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/planwise/planbackend/lib/myerrors"
	"github.com/planwise/planbackend/lib/mylog"
	"github.com/planwise/planbackend/lib/mypublisher"
	"github.com/planwise/planbackend/lib/mystore"
	"github.com/planwise/planbackend/lib/mytime"
	"github.com/planwise/planbackend/services/calendartokens/refreshclient"
	"github.com/planwise/planbackend/services/calendartokens/tokenerrors"
	"github.com/planwise/planbackend/services/calendartokens/tokenevents"
)

type service struct {
	tokenStore   mystore.Store[TokenRecord]
	refresher    refreshclient.TokenRefresher
	nower        mytime.Nower
	logger       mylog.Logger
	publisher    mypublisher.Publisher
	refreshGroup singleflight.Group
}

func NewService(tokenStore mystore.Store[TokenRecord], refresher refreshclient.TokenRefresher, nower mytime.Nower, pub mypublisher.Publisher) *service {
	return &service{
		tokenStore: tokenStore,
		refresher:  refresher,
		nower:      nower,
		logger:     mylog.New("calendartokens"),
		publisher:  pub,
	}
}

func (s *service) CreateTopics(c context.Context) error {
	err := s.publisher.CreateTopic(c, tokenevents.TopicName)
	if err != nil {
		return fmt.Errorf("error creating topic %s: %s", tokenevents.TopicName, err)
	}

	return nil
}

type refreshOutcome struct {
	result EnsureResult
	err    error
}

// EnsureValid returns an access token for the record, refreshing it first
// when it is due. A transient or configuration failure still yields the
// previous token best-effort; a terminal failure deactivates the record and
// means the user has to re-consent.
func (s *service) EnsureValid(c context.Context, record TokenRecord) (EnsureResult, error) {
	if !record.IsActive {
		return EnsureResult{}, tokenerrors.NewTerminalCredentialErrorf("token record %s is inactive: re-authentication required", record.UID)
	}

	if !needsRefresh(s.nower.Now(), record.ExpiresAt) {
		return EnsureResult{
			AccessToken: record.AccessToken,
			ExpiresAt:   record.ExpiresAt,
			Refreshed:   false,
		}, nil
	}

	if record.RefreshToken == "" {
		// Nothing to exchange, so the user has to re-consent. Deactivation
		// is reserved for an explicit provider signal.
		return EnsureResult{AccessToken: record.AccessToken, ExpiresAt: record.ExpiresAt},
			tokenerrors.NewTerminalCredentialErrorf("token record %s has no refresh-token: re-authentication required", record.UID)
	}

	// Concurrent callers for the same record share one in-flight refresh;
	// callers for different records never block each other. The refresh runs
	// on a detached context so one caller's cancellation does not waste the
	// result for the other waiters.
	outcome, _, _ := s.refreshGroup.Do(record.UID, func() (interface{}, error) {
		result, err := s.refresh(context.WithoutCancel(c), record)
		return refreshOutcome{result: result, err: err}, nil
	})

	o := outcome.(refreshOutcome)

	return o.result, o.err
}

func (s *service) refresh(c context.Context, record TokenRecord) (EnsureResult, error) {
	s.logger.Log(c, record.UID, mylog.SeverityInfo, "Start token-refresh for %s record %s", record.ProviderName, record.UID)

	resp, err := s.refresher.Refresh(c, record.ProviderName, record.RefreshToken)
	if err != nil {
		return s.handleRefreshFailure(c, record, err)
	}

	now := s.nower.Now()

	err = s.persistRefreshedToken(c, record, resp, now)
	if err != nil {
		s.logger.Log(c, record.UID, mylog.SeverityWarn, "Refreshed token for record %s could not be stored: %s", record.UID, err)

		// The freshly minted token is still usable for the current request.
		return EnsureResult{AccessToken: resp.AccessToken, ExpiresAt: resp.ExpiresAt, Refreshed: true},
			tokenerrors.NewPersistenceWriteError(err)
	}

	s.logger.Log(c, record.UID, mylog.SeverityInfo, "Completed token-refresh for record %s", record.UID)

	return EnsureResult{AccessToken: resp.AccessToken, ExpiresAt: resp.ExpiresAt, Refreshed: true}, nil
}

func (s *service) handleRefreshFailure(c context.Context, record TokenRecord, refreshErr error) (EnsureResult, error) {
	switch tokenerrors.GetKind(refreshErr) {
	case tokenerrors.KindTerminalCredential:
		s.logger.Log(c, record.UID, mylog.SeverityWarn, "Grant for record %s was revoked: %s", record.UID, refreshErr)

		err := s.deactivateRecord(c, record, refreshErr.Error())
		if err != nil {
			s.logger.Log(c, record.UID, mylog.SeverityError, "Error deactivating record %s: %s", record.UID, err)
		}

		return EnsureResult{}, refreshErr

	case tokenerrors.KindConfiguration:
		s.logger.Log(c, record.UID, mylog.SeverityError, "Provider %s not configured: %s", record.ProviderName, refreshErr)

		return EnsureResult{AccessToken: record.AccessToken, ExpiresAt: record.ExpiresAt}, refreshErr

	default:
		// The previous token may still be accepted by the resource API for a
		// short grace period past expiry.
		s.logger.Log(c, record.UID, mylog.SeverityWarn, "Transient refresh failure for record %s: %s", record.UID, refreshErr)

		return EnsureResult{AccessToken: record.AccessToken, ExpiresAt: record.ExpiresAt}, refreshErr
	}
}

func (s *service) persistRefreshedToken(c context.Context, record TokenRecord, resp refreshclient.RefreshResponse, now time.Time) error {
	return s.tokenStore.RunInTransaction(c, func(c context.Context) error {
		current, exists, err := s.tokenStore.Get(c, record.UID)
		if err != nil {
			return myerrors.NewInternalError(fmt.Errorf("error fetching token record %s: %s", record.UID, err))
		}
		if !exists {
			return myerrors.NewNotFoundError(fmt.Errorf("token record %s not found", record.UID))
		}

		// AccessToken and ExpiresAt move together in a single write
		current.AccessToken = resp.AccessToken
		current.ExpiresAt = resp.ExpiresAt
		if resp.RefreshToken != "" {
			// provider rotated the refresh token
			current.RefreshToken = resp.RefreshToken
		}
		current.LastModified = &now

		err = s.tokenStore.Put(c, record.UID, current)
		if err != nil {
			return myerrors.NewInternalError(fmt.Errorf("error storing token record %s: %s", record.UID, err))
		}

		err = s.publisher.Publish(c, tokenevents.TopicName, tokenevents.TokenRefreshCompleted{
			ProviderName: record.ProviderName,
			RecordUID:    record.UID,
			WorkspaceUID: record.WorkspaceUID,
			UserUID:      record.OwnerUserUID,
		})
		if err != nil {
			return myerrors.NewInternalError(fmt.Errorf("error publishing event: %s", err))
		}

		return nil
	})
}

func (s *service) deactivateRecord(c context.Context, record TokenRecord, reason string) error {
	now := s.nower.Now()

	return s.tokenStore.RunInTransaction(c, func(c context.Context) error {
		current, exists, err := s.tokenStore.Get(c, record.UID)
		if err != nil {
			return myerrors.NewInternalError(fmt.Errorf("error fetching token record %s: %s", record.UID, err))
		}
		if !exists || !current.IsActive {
			// already gone or already dead: deactivation is monotonic
			return nil
		}

		current.IsActive = false
		current.LastModified = &now

		err = s.tokenStore.Put(c, record.UID, current)
		if err != nil {
			return myerrors.NewInternalError(fmt.Errorf("error storing token record %s: %s", record.UID, err))
		}

		err = s.publisher.Publish(c, tokenevents.TopicName, tokenevents.TokenRevoked{
			ProviderName: record.ProviderName,
			RecordUID:    record.UID,
			WorkspaceUID: record.WorkspaceUID,
			UserUID:      record.OwnerUserUID,
			Reason:       reason,
		})
		if err != nil {
			return myerrors.NewInternalError(fmt.Errorf("error publishing event: %s", err))
		}

		return nil
	})
}

// ResolveValidTokens returns the usable tokens for a workspace/user pair,
// oldest-connected account first. Records whose grant turns out to be
// terminally revoked during this very call are excluded; any other failure
// still yields the previous token best-effort, so one broken account never
// blocks a healthy one.
func (s *service) ResolveValidTokens(c context.Context, workspaceUID string, userUID string) ([]ResolvedToken, error) {
	records, err := s.tokenStore.Query(c, []mystore.Filter{
		{Field: "WorkspaceUID", Compare: "=", Value: workspaceUID},
		{Field: "OwnerUserUID", Compare: "=", Value: userUID},
		{Field: "IsActive", Compare: "=", Value: true},
	}, "CreatedAt")
	if err != nil {
		return nil, myerrors.NewInternalError(fmt.Errorf("error fetching token records for workspace %s: %s", workspaceUID, err))
	}

	resolved := make([]ResolvedToken, 0, len(records))
	for _, record := range records {
		result, err := s.EnsureValid(c, record)
		if err != nil {
			if tokenerrors.IsTerminal(err) {
				s.logger.Log(c, record.UID, mylog.SeverityInfo, "Excluding record %s: %s", record.UID, err)
				continue
			}
			s.logger.Log(c, record.UID, mylog.SeverityWarn, "Serving best-effort token for record %s: %s", record.UID, err)
		}

		record.AccessToken = result.AccessToken
		record.ExpiresAt = result.ExpiresAt
		resolved = append(resolved, ResolvedToken{
			Record:      record,
			AccessToken: result.AccessToken,
		})
	}

	return resolved, nil
}
