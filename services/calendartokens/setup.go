package calendartokens

import (
	"context"
	"fmt"
	"os"

	"github.com/planwise/planbackend/lib/mypublisher"
	"github.com/planwise/planbackend/lib/mypubsub"
	"github.com/planwise/planbackend/lib/mystore"
	"github.com/planwise/planbackend/lib/mytime"
	"github.com/planwise/planbackend/lib/myuuid"
	"github.com/planwise/planbackend/services/calendartokens/providers"
	"github.com/planwise/planbackend/services/calendartokens/refreshclient"
)

// NewTokenStore returns the environment-appropriate store for token records:
// datastore when running on gcloud, in-memory otherwise.
func NewTokenStore(c context.Context) (mystore.Store[TokenRecord], func(), error) {
	return mystore.New[TokenRecord](c)
}

// NewDefaultService wires the service against the environment-appropriate
// store and pubsub backends, reads the provider client-credentials from the
// environment and makes sure the event topic exists.
func NewDefaultService(c context.Context) (*service, func(), error) {
	tokenStore, storeCleanup, err := NewTokenStore(c)
	if err != nil {
		return nil, func() {}, fmt.Errorf("error creating token store: %s", err)
	}

	queue, queueCleanup, err := mypubsub.New(c)
	if err != nil {
		storeCleanup()
		return nil, func() {}, fmt.Errorf("error creating pubsub client: %s", err)
	}
	cleanup := func() {
		queueCleanup()
		storeCleanup()
	}

	nower := mytime.RealNower{}

	parties := providers.NewProviders()
	parties.Set(providers.Google,
		os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET"), "", "")
	parties.Set(providers.Microsoft,
		os.Getenv("MICROSOFT_CLIENT_ID"), os.Getenv("MICROSOFT_CLIENT_SECRET"), os.Getenv("MICROSOFT_TENANT_ID"), "")

	svc := NewService(tokenStore,
		refreshclient.NewRefreshers(parties, nower),
		nower,
		mypublisher.New(queue, nower, myuuid.RealUUIDer{}))

	err = svc.CreateTopics(c)
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("error creating topics: %s", err)
	}

	return svc, cleanup, nil
}
