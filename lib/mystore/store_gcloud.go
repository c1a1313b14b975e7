package mystore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"cloud.google.com/go/datastore"
)

const maxTransactionAttempts = 3

type gcloudStore[T any] struct {
	client *datastore.Client
	kind   string
}

func newGcloudStore[T any](c context.Context) (*gcloudStore[T], func(), error) {
	projectID := os.Getenv("GOOGLE_CLOUD_PROJECT")
	client, err := datastore.NewClient(c, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating datastore-client: %s", err)
	}

	val := new(T)
	kind := fmt.Sprintf("%T", *val)
	if strings.Contains(kind, ".") {
		kind = strings.Split(kind, ".")[1]
	}

	return &gcloudStore[T]{
			client: client,
			kind:   kind,
		}, func() {
			client.Close()
		}, nil
}

func (s *gcloudStore[T]) RunInTransaction(c context.Context, f func(c context.Context) error) error {
	var err error
	for i := 1; i <= maxTransactionAttempts; i++ {
		err = s.runInTransaction(c, f)
		if err != nil {
			if errors.Is(err, datastore.ErrConcurrentTransaction) {
				log.Printf("Concurrent transaction error, retrying (%d of %d): %s", i, maxTransactionAttempts, err)
				// retry requires idempotency of the business logic
				continue
			}

			return err
		}
		return nil
	}
	return err
}

func (s *gcloudStore[T]) runInTransaction(c context.Context, f func(c context.Context) error) error {
	// Start transaction
	t, err := s.client.NewTransaction(c)
	if err != nil {
		return fmt.Errorf("error creating transaction: %s", err)
	}

	// Shadow original context with new transactional context
	ctx := context.WithValue(c, ctxTransactionKey{}, t)

	err = f(ctx)
	if err != nil {
		// Rollback
		rollbackError := t.Rollback()
		if rollbackError != nil {
			log.Printf("error rolling-back transaction: %s", rollbackError)
		}

		return err
	}

	// Commit
	_, err = t.Commit()
	if err != nil {
		return fmt.Errorf("error committing transaction: %s", err)
	}

	return nil
}

func (s *gcloudStore[T]) Put(c context.Context, uid string, value T) error {
	transaction := c.Value(ctxTransactionKey{})

	if transaction != nil {
		_, err := transaction.(*datastore.Transaction).Put(datastore.NameKey(s.kind, uid, nil), &value)
		if err != nil {
			return fmt.Errorf("error transactionally storing entity %s with uid %s: %s", s.kind, uid, err)
		}

		return nil
	}

	_, err := s.client.Put(c, datastore.NameKey(s.kind, uid, nil), &value)
	if err != nil {
		return fmt.Errorf("error storing entity %s with uid %s: %s", s.kind, uid, err)
	}

	return nil
}

func (s *gcloudStore[T]) Get(c context.Context, uid string) (T, bool, error) {
	value := new(T)

	transaction := c.Value(ctxTransactionKey{})

	if transaction != nil {
		err := transaction.(*datastore.Transaction).Get(datastore.NameKey(s.kind, uid, nil), value)
		if err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return *value, false, nil
			}
			return *value, false, fmt.Errorf("error transactionally fetching entity %s with uid %s: %s", s.kind, uid, err)
		}

		return *value, true, nil
	}

	err := s.client.Get(c, datastore.NameKey(s.kind, uid, nil), value)
	if err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return *value, false, nil
		}
		return *value, false, fmt.Errorf("error fetching entity %s with uid %s: %s", s.kind, uid, err)
	}

	return *value, true, nil
}

func (s *gcloudStore[T]) List(c context.Context) ([]T, error) {
	transaction := c.Value(ctxTransactionKey{})

	objectsToFetch := []T{}

	q := datastore.NewQuery(s.kind).Limit(100)

	if transaction != nil {
		q = q.Transaction(transaction.(*datastore.Transaction))
	}

	_, err := s.client.GetAll(c, q, &objectsToFetch)
	if err != nil {
		return nil, fmt.Errorf("error fetching all entities %s: %s", s.kind, err)
	}
	return objectsToFetch, nil
}

func (s *gcloudStore[T]) Query(c context.Context, filters []Filter, orderByField string) ([]T, error) {
	objectsToFetch := []T{}

	transaction := c.Value(ctxTransactionKey{})

	q := datastore.NewQuery(s.kind)
	for _, f := range filters {
		q = q.FilterField(f.Field, f.Compare, f.Value)
	}
	if orderByField != "" {
		q = q.Order(orderByField)
	}

	if transaction != nil {
		q = q.Transaction(transaction.(*datastore.Transaction))
	}
	_, err := s.client.GetAll(c, q, &objectsToFetch)
	if err != nil {
		return nil, fmt.Errorf("error querying entities %s: %s", s.kind, err)
	}
	return objectsToFetch, nil
}
