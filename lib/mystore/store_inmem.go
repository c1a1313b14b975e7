package mystore

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

type InMemoryStore[T any] struct {
	sync.Mutex
	Items map[string]T
}

func NewInMemoryStore[T any](c context.Context) (*InMemoryStore[T], func(), error) {
	return &InMemoryStore[T]{
		Items: make(map[string]T),
	}, func() {}, nil
}

func (s *InMemoryStore[T]) RunInTransaction(c context.Context, f func(c context.Context) error) error {
	// Start transaction
	s.Lock()

	ctx := context.WithValue(c, ctxTransactionKey{}, true)

	// Within this block everything is transactional
	err := f(ctx)
	if err != nil {

		// Rollback
		s.Unlock()

		return err
	}

	// Commit
	s.Unlock()

	return nil
}

func (s *InMemoryStore[T]) Put(c context.Context, uid string, value T) error {
	nonTransactional := c.Value(ctxTransactionKey{}) == nil

	if nonTransactional {
		s.Lock()
	}

	s.Items[uid] = value

	if nonTransactional {
		s.Unlock()
	}

	return nil
}

func (s *InMemoryStore[T]) Get(c context.Context, uid string) (T, bool, error) {
	nonTransactional := c.Value(ctxTransactionKey{}) == nil

	if nonTransactional {
		s.Lock()
	}
	result, exists := s.Items[uid]

	if nonTransactional {
		s.Unlock()
	}

	return result, exists, nil
}

func (s *InMemoryStore[T]) List(c context.Context) ([]T, error) {
	nonTransactional := c.Value(ctxTransactionKey{}) == nil

	if nonTransactional {
		s.Lock()
	}

	result := make([]T, 0, len(s.Items))
	for _, v := range s.Items {
		result = append(result, v)
	}

	if nonTransactional {
		s.Unlock()
	}

	return result, nil
}

// Query matches the datastore behavior closely enough for local use and
// tests: equality filters on exported struct fields and ascending ordering
// on a single field.
func (s *InMemoryStore[T]) Query(c context.Context, filters []Filter, orderByField string) ([]T, error) {
	all, err := s.List(c)
	if err != nil {
		return nil, err
	}

	result := make([]T, 0, len(all))
	for _, item := range all {
		matches, err := matchesFilters(item, filters)
		if err != nil {
			return nil, err
		}
		if matches {
			result = append(result, item)
		}
	}

	if orderByField != "" {
		err = sortByField(result, orderByField)
		if err != nil {
			return nil, err
		}
	}

	return result, nil
}

func matchesFilters[T any](item T, filters []Filter) (bool, error) {
	for _, f := range filters {
		if f.Compare != "=" {
			return false, fmt.Errorf("unsupported compare operator '%s'", f.Compare)
		}

		fieldValue, err := fieldByName(item, f.Field)
		if err != nil {
			return false, err
		}

		if !reflect.DeepEqual(fieldValue, f.Value) {
			return false, nil
		}
	}

	return true, nil
}

func sortByField[T any](items []T, fieldName string) error {
	var sortErr error

	sort.SliceStable(items, func(i, j int) bool {
		left, err := fieldByName(items[i], fieldName)
		if err != nil {
			sortErr = err
			return false
		}
		right, err := fieldByName(items[j], fieldName)
		if err != nil {
			sortErr = err
			return false
		}

		return lessThan(left, right)
	})

	return sortErr
}

func lessThan(left any, right any) bool {
	switch l := left.(type) {
	case time.Time:
		r, ok := right.(time.Time)
		return ok && l.Before(r)
	case string:
		r, ok := right.(string)
		return ok && l < r
	case int:
		r, ok := right.(int)
		return ok && l < r
	case int64:
		r, ok := right.(int64)
		return ok && l < r
	default:
		return false
	}
}

func fieldByName[T any](item T, fieldName string) (any, error) {
	v := reflect.ValueOf(item)
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("cannot filter on non-struct type %T", item)
	}

	field := v.FieldByName(fieldName)
	if !field.IsValid() {
		return nil, fmt.Errorf("type %T has no field named '%s'", item, fieldName)
	}

	return field.Interface(), nil
}
