package calendartokens

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"

	"github.com/planwise/planbackend/lib/mypublisher"
	"github.com/planwise/planbackend/lib/mystore"
	"github.com/planwise/planbackend/lib/mytime"
	"github.com/planwise/planbackend/services/calendartokens/providers"
	"github.com/planwise/planbackend/services/calendartokens/refreshclient"
	"github.com/planwise/planbackend/services/calendartokens/tokenerrors"
	"github.com/planwise/planbackend/services/calendartokens/tokenevents"
)

func googleRecord(now time.Time, expiresAt *time.Time) TokenRecord {
	return TokenRecord{
		UID:          "rec-google",
		WorkspaceUID: "ws-1",
		OwnerUserUID: "user-1",
		ProviderName: providers.Google,
		AccountEmail: "marc@gmail.com",
		AccountName:  "Marc",
		AccessToken:  "old-google-token",
		RefreshToken: "google-refresh-token",
		ExpiresAt:    expiresAt,
		IsActive:     true,
		CreatedAt:    now.Add(-24 * time.Hour),
	}
}

func microsoftRecord(now time.Time, expiresAt *time.Time) TokenRecord {
	return TokenRecord{
		UID:          "rec-microsoft",
		WorkspaceUID: "ws-1",
		OwnerUserUID: "user-1",
		ProviderName: providers.Microsoft,
		AccountEmail: "marc@outlook.com",
		AccountName:  "Marc",
		AccessToken:  "old-microsoft-token",
		RefreshToken: "microsoft-refresh-token",
		ExpiresAt:    expiresAt,
		IsActive:     true,
		CreatedAt:    now.Add(-12 * time.Hour),
	}
}

func TestEnsureValid(t *testing.T) {
	now := mytime.ExampleTime

	t.Run("Fresh token is returned unchanged, adapter never invoked", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		ctx, sut, _, _, nower, _ := setup(t, ctrl)
		nower.EXPECT().Now().Return(now).AnyTimes()

		record := googleRecord(now, timePtr(now.Add(time.Hour)))

		// repeated calls are idempotent
		for i := 0; i < 3; i++ {
			result, err := sut.EnsureValid(ctx, record)
			assert.NoError(t, err)
			assert.Equal(t, EnsureResult{
				AccessToken: "old-google-token",
				ExpiresAt:   timePtr(now.Add(time.Hour)),
				Refreshed:   false,
			}, result)
		}
	})

	t.Run("Unknown expiry never triggers a refresh", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		ctx, sut, _, _, nower, _ := setup(t, ctrl)
		nower.EXPECT().Now().Return(now).AnyTimes()

		result, err := sut.EnsureValid(ctx, googleRecord(now, nil))
		assert.NoError(t, err)
		assert.False(t, result.Refreshed)
		assert.Equal(t, "old-google-token", result.AccessToken)
	})

	t.Run("Expired google token is refreshed and persisted atomically", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		ctx, sut, tokenStore, refresher, nower, publisher := setup(t, ctrl)
		nower.EXPECT().Now().Return(now).AnyTimes()

		record := googleRecord(now, timePtr(now.Add(-10*time.Minute)))
		err := tokenStore.Put(ctx, record.UID, record)
		assert.NoError(t, err)

		refresher.EXPECT().Refresh(gomock.Any(), providers.Google, "google-refresh-token").Return(refreshclient.RefreshResponse{
			AccessToken: "new-token",
			ExpiresAt:   timePtr(now.Add(time.Hour)),
		}, nil)
		publisher.EXPECT().Publish(gomock.Any(), tokenevents.TopicName, tokenevents.TokenRefreshCompleted{
			ProviderName: providers.Google,
			RecordUID:    "rec-google",
			WorkspaceUID: "ws-1",
			UserUID:      "user-1",
		}).Return(nil)

		result, err := sut.EnsureValid(ctx, record)
		assert.NoError(t, err)
		assert.Equal(t, EnsureResult{
			AccessToken: "new-token",
			ExpiresAt:   timePtr(now.Add(time.Hour)),
			Refreshed:   true,
		}, result)

		stored, exists, err := tokenStore.Get(ctx, record.UID)
		assert.NoError(t, err)
		assert.True(t, exists)
		assert.Equal(t, "new-token", stored.AccessToken)
		assert.Equal(t, timePtr(now.Add(time.Hour)), stored.ExpiresAt)
		assert.Equal(t, "google-refresh-token", stored.RefreshToken)
		assert.True(t, stored.IsActive)
		assert.Equal(t, &now, stored.LastModified)
	})

	t.Run("Rotated refresh token is persisted together with the access token", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		ctx, sut, tokenStore, refresher, nower, publisher := setup(t, ctrl)
		nower.EXPECT().Now().Return(now).AnyTimes()

		record := microsoftRecord(now, timePtr(now.Add(-time.Minute)))
		err := tokenStore.Put(ctx, record.UID, record)
		assert.NoError(t, err)

		refresher.EXPECT().Refresh(gomock.Any(), providers.Microsoft, "microsoft-refresh-token").Return(refreshclient.RefreshResponse{
			AccessToken:  "new-token",
			RefreshToken: "rotated-refresh-token",
			ExpiresAt:    timePtr(now.Add(time.Hour)),
		}, nil)
		publisher.EXPECT().Publish(gomock.Any(), tokenevents.TopicName, gomock.AssignableToTypeOf(tokenevents.TokenRefreshCompleted{})).Return(nil)

		result, err := sut.EnsureValid(ctx, record)
		assert.NoError(t, err)
		assert.True(t, result.Refreshed)

		stored, _, err := tokenStore.Get(ctx, record.UID)
		assert.NoError(t, err)
		assert.Equal(t, "rotated-refresh-token", stored.RefreshToken)
	})

	t.Run("Revoked grant deactivates the record", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		ctx, sut, tokenStore, refresher, nower, publisher := setup(t, ctrl)
		nower.EXPECT().Now().Return(now).AnyTimes()

		record := microsoftRecord(now, timePtr(now.Add(-10*time.Minute)))
		err := tokenStore.Put(ctx, record.UID, record)
		assert.NoError(t, err)

		refresher.EXPECT().Refresh(gomock.Any(), providers.Microsoft, "microsoft-refresh-token").
			Return(refreshclient.RefreshResponse{}, tokenerrors.NewTerminalCredentialErrorf("microsoft refresh-token no longer valid: invalid_grant"))
		publisher.EXPECT().Publish(gomock.Any(), tokenevents.TopicName, gomock.AssignableToTypeOf(tokenevents.TokenRevoked{})).Return(nil)

		result, err := sut.EnsureValid(ctx, record)
		assert.Error(t, err)
		assert.Equal(t, tokenerrors.KindTerminalCredential, tokenerrors.GetKind(err))
		assert.False(t, result.Refreshed)

		stored, _, err := tokenStore.Get(ctx, record.UID)
		assert.NoError(t, err)
		assert.False(t, stored.IsActive)
	})

	t.Run("Transient failure keeps the store untouched and serves the previous token", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		ctx, sut, tokenStore, refresher, nower, _ := setup(t, ctrl)
		nower.EXPECT().Now().Return(now).AnyTimes()

		record := googleRecord(now, timePtr(now.Add(-10*time.Minute)))
		err := tokenStore.Put(ctx, record.UID, record)
		assert.NoError(t, err)

		refresher.EXPECT().Refresh(gomock.Any(), providers.Google, "google-refresh-token").
			Return(refreshclient.RefreshResponse{}, tokenerrors.NewTransientProviderErrorf("error calling google token-endpoint: timeout"))

		result, err := sut.EnsureValid(ctx, record)
		assert.Error(t, err)
		assert.Equal(t, tokenerrors.KindTransientProvider, tokenerrors.GetKind(err))
		assert.False(t, result.Refreshed)
		assert.Equal(t, "old-google-token", result.AccessToken)

		stored, _, err := tokenStore.Get(ctx, record.UID)
		assert.NoError(t, err)
		assert.Equal(t, record, stored)
	})

	t.Run("Configuration failure never deactivates the record", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		ctx, sut, tokenStore, refresher, nower, _ := setup(t, ctrl)
		nower.EXPECT().Now().Return(now).AnyTimes()

		record := googleRecord(now, timePtr(now.Add(-10*time.Minute)))
		err := tokenStore.Put(ctx, record.UID, record)
		assert.NoError(t, err)

		refresher.EXPECT().Refresh(gomock.Any(), providers.Google, "google-refresh-token").
			Return(refreshclient.RefreshResponse{}, tokenerrors.NewConfigurationErrorf("google oauth client-credentials not configured"))

		result, err := sut.EnsureValid(ctx, record)
		assert.Error(t, err)
		assert.Equal(t, tokenerrors.KindConfiguration, tokenerrors.GetKind(err))
		assert.Equal(t, "old-google-token", result.AccessToken)

		stored, _, err := tokenStore.Get(ctx, record.UID)
		assert.NoError(t, err)
		assert.True(t, stored.IsActive)
	})

	t.Run("Record without refresh token is refresh-incapable", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		ctx, sut, tokenStore, _, nower, _ := setup(t, ctrl)
		nower.EXPECT().Now().Return(now).AnyTimes()

		record := googleRecord(now, timePtr(now.Add(-10*time.Minute)))
		record.RefreshToken = ""
		err := tokenStore.Put(ctx, record.UID, record)
		assert.NoError(t, err)

		_, err = sut.EnsureValid(ctx, record)
		assert.Error(t, err)
		assert.Equal(t, tokenerrors.KindTerminalCredential, tokenerrors.GetKind(err))

		// no provider signal, so the record itself stays active
		stored, _, err := tokenStore.Get(ctx, record.UID)
		assert.NoError(t, err)
		assert.True(t, stored.IsActive)
	})

	t.Run("Inactive record is rejected without provider call", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		ctx, sut, _, _, nower, _ := setup(t, ctrl)
		nower.EXPECT().Now().Return(now).AnyTimes()

		record := googleRecord(now, timePtr(now.Add(time.Hour)))
		record.IsActive = false

		_, err := sut.EnsureValid(ctx, record)
		assert.Error(t, err)
		assert.Equal(t, tokenerrors.KindTerminalCredential, tokenerrors.GetKind(err))
	})

	t.Run("Persistence failure still yields the fresh token", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		ctx := context.TODO()
		tokenStore := mystore.NewMockStore[TokenRecord](ctrl)
		refresher := refreshclient.NewMockTokenRefresher(ctrl)
		nower := mytime.NewMockNower(ctrl)
		publisher := mypublisher.NewMockPublisher(ctrl)
		sut := NewService(tokenStore, refresher, nower, publisher)

		nower.EXPECT().Now().Return(now).AnyTimes()

		record := googleRecord(now, timePtr(now.Add(-10*time.Minute)))

		refresher.EXPECT().Refresh(gomock.Any(), providers.Google, "google-refresh-token").Return(refreshclient.RefreshResponse{
			AccessToken: "new-token",
			ExpiresAt:   timePtr(now.Add(time.Hour)),
		}, nil)
		tokenStore.EXPECT().RunInTransaction(gomock.Any(), gomock.Any()).Return(fmt.Errorf("datastore unavailable"))

		result, err := sut.EnsureValid(ctx, record)
		assert.Error(t, err)
		assert.Equal(t, tokenerrors.KindPersistenceWrite, tokenerrors.GetKind(err))
		assert.Equal(t, EnsureResult{
			AccessToken: "new-token",
			ExpiresAt:   timePtr(now.Add(time.Hour)),
			Refreshed:   true,
		}, result)
	})

	t.Run("Concurrent callers share a single refresh", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		ctx, sut, tokenStore, refresher, nower, publisher := setup(t, ctrl)
		nower.EXPECT().Now().Return(now).AnyTimes()

		record := googleRecord(now, timePtr(now.Add(-10*time.Minute)))
		err := tokenStore.Put(ctx, record.UID, record)
		assert.NoError(t, err)

		refresher.EXPECT().Refresh(gomock.Any(), providers.Google, "google-refresh-token").DoAndReturn(
			func(ctx context.Context, providerName string, refreshToken string) (refreshclient.RefreshResponse, error) {
				time.Sleep(100 * time.Millisecond)
				return refreshclient.RefreshResponse{
					AccessToken: "new-token",
					ExpiresAt:   timePtr(now.Add(time.Hour)),
				}, nil
			}).Times(1)
		publisher.EXPECT().Publish(gomock.Any(), tokenevents.TopicName, gomock.AssignableToTypeOf(tokenevents.TokenRefreshCompleted{})).Return(nil).Times(1)

		const callers = 4

		var wg sync.WaitGroup
		results := make([]EnsureResult, callers)
		errs := make([]error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = sut.EnsureValid(ctx, record)
			}(i)
		}
		wg.Wait()

		for i := 0; i < callers; i++ {
			assert.NoError(t, errs[i])
			assert.Equal(t, "new-token", results[i].AccessToken)
			assert.True(t, results[i].Refreshed)
		}
	})

	t.Run("Caller cancellation does not abort an in-flight refresh", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		ctx, sut, tokenStore, refresher, nower, publisher := setup(t, ctrl)
		nower.EXPECT().Now().Return(now).AnyTimes()

		record := googleRecord(now, timePtr(now.Add(-10*time.Minute)))
		err := tokenStore.Put(ctx, record.UID, record)
		assert.NoError(t, err)

		callerCtx, cancel := context.WithCancel(ctx)
		cancel()

		refresher.EXPECT().Refresh(gomock.Any(), providers.Google, "google-refresh-token").DoAndReturn(
			func(refreshCtx context.Context, providerName string, refreshToken string) (refreshclient.RefreshResponse, error) {
				// the refresh runs detached from the caller's context
				assert.NoError(t, refreshCtx.Err())
				return refreshclient.RefreshResponse{
					AccessToken: "new-token",
					ExpiresAt:   timePtr(now.Add(time.Hour)),
				}, nil
			})
		publisher.EXPECT().Publish(gomock.Any(), tokenevents.TopicName, gomock.AssignableToTypeOf(tokenevents.TokenRefreshCompleted{})).Return(nil)

		result, err := sut.EnsureValid(callerCtx, record)
		assert.NoError(t, err)
		assert.Equal(t, "new-token", result.AccessToken)
		assert.True(t, result.Refreshed)

		stored, _, err := tokenStore.Get(ctx, record.UID)
		assert.NoError(t, err)
		assert.Equal(t, "new-token", stored.AccessToken)
	})

	t.Run("Callers for different records do not block each other", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		ctx, sut, tokenStore, refresher, nower, publisher := setup(t, ctrl)
		nower.EXPECT().Now().Return(now).AnyTimes()

		google := googleRecord(now, timePtr(now.Add(-10*time.Minute)))
		microsoft := microsoftRecord(now, timePtr(now.Add(-10*time.Minute)))
		assert.NoError(t, tokenStore.Put(ctx, google.UID, google))
		assert.NoError(t, tokenStore.Put(ctx, microsoft.UID, microsoft))

		googleStarted := make(chan struct{})
		releaseGoogle := make(chan struct{})
		refresher.EXPECT().Refresh(gomock.Any(), providers.Google, "google-refresh-token").DoAndReturn(
			func(refreshCtx context.Context, providerName string, refreshToken string) (refreshclient.RefreshResponse, error) {
				close(googleStarted)
				<-releaseGoogle
				return refreshclient.RefreshResponse{
					AccessToken: "new-google-token",
					ExpiresAt:   timePtr(now.Add(time.Hour)),
				}, nil
			})
		refresher.EXPECT().Refresh(gomock.Any(), providers.Microsoft, "microsoft-refresh-token").Return(refreshclient.RefreshResponse{
			AccessToken: "new-microsoft-token",
			ExpiresAt:   timePtr(now.Add(time.Hour)),
		}, nil)
		publisher.EXPECT().Publish(gomock.Any(), tokenevents.TopicName, gomock.AssignableToTypeOf(tokenevents.TokenRefreshCompleted{})).Return(nil).Times(2)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := sut.EnsureValid(ctx, google)
			assert.NoError(t, err)
			assert.Equal(t, "new-google-token", result.AccessToken)
		}()

		// while the google refresh is stuck in flight, the microsoft one
		// must still complete
		<-googleStarted
		result, err := sut.EnsureValid(ctx, microsoft)
		assert.NoError(t, err)
		assert.Equal(t, "new-microsoft-token", result.AccessToken)

		close(releaseGoogle)
		wg.Wait()
	})
}

func TestResolveValidTokens(t *testing.T) {
	now := mytime.ExampleTime

	t.Run("No records", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		ctx, sut, _, _, nower, _ := setup(t, ctrl)
		nower.EXPECT().Now().Return(now).AnyTimes()

		resolved, err := sut.ResolveValidTokens(ctx, "ws-1", "user-1")
		assert.NoError(t, err)
		assert.Empty(t, resolved)
	})

	t.Run("Records are returned oldest-connected first", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		ctx, sut, tokenStore, _, nower, _ := setup(t, ctrl)
		nower.EXPECT().Now().Return(now).AnyTimes()

		google := googleRecord(now, timePtr(now.Add(time.Hour)))
		microsoft := microsoftRecord(now, timePtr(now.Add(time.Hour)))
		assert.NoError(t, tokenStore.Put(ctx, google.UID, google))
		assert.NoError(t, tokenStore.Put(ctx, microsoft.UID, microsoft))

		resolved, err := sut.ResolveValidTokens(ctx, "ws-1", "user-1")
		assert.NoError(t, err)
		assert.Len(t, resolved, 2)
		assert.Equal(t, "rec-google", resolved[0].Record.UID)
		assert.Equal(t, "old-google-token", resolved[0].AccessToken)
		assert.Equal(t, "rec-microsoft", resolved[1].Record.UID)
		assert.Equal(t, "old-microsoft-token", resolved[1].AccessToken)
	})

	t.Run("Revoked account does not block a healthy one", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		ctx, sut, tokenStore, refresher, nower, publisher := setup(t, ctrl)
		nower.EXPECT().Now().Return(now).AnyTimes()

		google := googleRecord(now, timePtr(now.Add(-10*time.Minute)))
		microsoft := microsoftRecord(now, timePtr(now.Add(-10*time.Minute)))
		assert.NoError(t, tokenStore.Put(ctx, google.UID, google))
		assert.NoError(t, tokenStore.Put(ctx, microsoft.UID, microsoft))

		refresher.EXPECT().Refresh(gomock.Any(), providers.Google, "google-refresh-token").
			Return(refreshclient.RefreshResponse{}, tokenerrors.NewTerminalCredentialErrorf("google refresh-token no longer valid"))
		refresher.EXPECT().Refresh(gomock.Any(), providers.Microsoft, "microsoft-refresh-token").Return(refreshclient.RefreshResponse{
			AccessToken: "new-microsoft-token",
			ExpiresAt:   timePtr(now.Add(time.Hour)),
		}, nil)
		publisher.EXPECT().Publish(gomock.Any(), tokenevents.TopicName, gomock.AssignableToTypeOf(tokenevents.TokenRevoked{})).Return(nil)
		publisher.EXPECT().Publish(gomock.Any(), tokenevents.TopicName, gomock.AssignableToTypeOf(tokenevents.TokenRefreshCompleted{})).Return(nil)

		resolved, err := sut.ResolveValidTokens(ctx, "ws-1", "user-1")
		assert.NoError(t, err)
		assert.Len(t, resolved, 1)
		assert.Equal(t, "rec-microsoft", resolved[0].Record.UID)
		assert.Equal(t, "new-microsoft-token", resolved[0].AccessToken)

		// revocation is absorbing: the google record never comes back
		resolved, err = sut.ResolveValidTokens(ctx, "ws-1", "user-1")
		assert.NoError(t, err)
		assert.Len(t, resolved, 1)
		assert.Equal(t, "rec-microsoft", resolved[0].Record.UID)
	})

	t.Run("Transient failure still yields the previous token", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		ctx, sut, tokenStore, refresher, nower, _ := setup(t, ctrl)
		nower.EXPECT().Now().Return(now).AnyTimes()

		google := googleRecord(now, timePtr(now.Add(-10*time.Minute)))
		assert.NoError(t, tokenStore.Put(ctx, google.UID, google))

		refresher.EXPECT().Refresh(gomock.Any(), providers.Google, "google-refresh-token").
			Return(refreshclient.RefreshResponse{}, tokenerrors.NewTransientProviderErrorf("rate limited"))

		resolved, err := sut.ResolveValidTokens(ctx, "ws-1", "user-1")
		assert.NoError(t, err)
		assert.Len(t, resolved, 1)
		assert.Equal(t, "old-google-token", resolved[0].AccessToken)
	})

	t.Run("Other workspaces and users are not included", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		ctx, sut, tokenStore, _, nower, _ := setup(t, ctrl)
		nower.EXPECT().Now().Return(now).AnyTimes()

		google := googleRecord(now, timePtr(now.Add(time.Hour)))
		other := googleRecord(now, timePtr(now.Add(time.Hour)))
		other.UID = "rec-other"
		other.WorkspaceUID = "ws-2"
		assert.NoError(t, tokenStore.Put(ctx, google.UID, google))
		assert.NoError(t, tokenStore.Put(ctx, other.UID, other))

		resolved, err := sut.ResolveValidTokens(ctx, "ws-1", "user-1")
		assert.NoError(t, err)
		assert.Len(t, resolved, 1)
		assert.Equal(t, "rec-google", resolved[0].Record.UID)
	})
}

func setup(t *testing.T, ctrl *gomock.Controller) (context.Context, *service, *mystore.InMemoryStore[TokenRecord], *refreshclient.MockTokenRefresher, *mytime.MockNower, *mypublisher.MockPublisher) {
	ctx := context.TODO()
	tokenStore, _, err := mystore.NewInMemoryStore[TokenRecord](ctx)
	assert.NoError(t, err)
	refresher := refreshclient.NewMockTokenRefresher(ctrl)
	nower := mytime.NewMockNower(ctrl)
	publisher := mypublisher.NewMockPublisher(ctrl)
	sut := NewService(tokenStore, refresher, nower, publisher)

	return ctx, sut, tokenStore, refresher, nower, publisher
}
