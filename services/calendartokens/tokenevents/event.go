package tokenevents

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/planwise/planbackend/lib/myerrors"
	"github.com/planwise/planbackend/lib/myevents"
)

const (
	TopicName                 = "calendartokens"
	tokenRefreshCompletedName = TopicName + ".tokenRefresh.completed"
	tokenRevokedName          = TopicName + ".token.revoked"
)

type TokenEventService interface {
	Subscribe(c context.Context) error
	OnTokenRefreshCompleted(c context.Context, topic string, event TokenRefreshCompleted) error
	OnTokenRevoked(c context.Context, topic string, event TokenRevoked) error
}

func DispatchEvent(c context.Context, reader io.Reader, service TokenEventService) error {
	envelope, err := myevents.ParseEventEnvelope(reader)
	if err != nil {
		return myerrors.NewInvalidInputError(err)
	}

	switch envelope.EventTypeName {
	case tokenRefreshCompletedName:
		{
			event := TokenRefreshCompleted{}
			err := json.Unmarshal([]byte(envelope.EventPayload), &event)
			if err != nil {
				return myerrors.NewInvalidInputError(err)
			}
			return service.OnTokenRefreshCompleted(c, envelope.Topic, event)
		}
	case tokenRevokedName:
		{
			event := TokenRevoked{}
			err := json.Unmarshal([]byte(envelope.EventPayload), &event)
			if err != nil {
				return myerrors.NewInvalidInputError(err)
			}
			return service.OnTokenRevoked(c, envelope.Topic, event)
		}
	default:
		return myerrors.NewNotImplementedError(fmt.Errorf("unknown event type %s", envelope.EventTypeName))
	}
}

type TokenRefreshCompleted struct {
	ProviderName string
	RecordUID    string
	WorkspaceUID string
	UserUID      string
}

func (e TokenRefreshCompleted) GetEventTypeName() string {
	return tokenRefreshCompletedName
}

func (e TokenRefreshCompleted) GetAggregateName() string {
	return e.RecordUID
}

type TokenRevoked struct {
	ProviderName string
	RecordUID    string
	WorkspaceUID string
	UserUID      string
	Reason       string
}

func (e TokenRevoked) GetEventTypeName() string {
	return tokenRevokedName
}

func (e TokenRevoked) GetAggregateName() string {
	return e.RecordUID
}
