package mypublisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/planwise/planbackend/lib/myevents"
	"github.com/planwise/planbackend/lib/mypubsub"
	"github.com/planwise/planbackend/lib/mytime"
	"github.com/planwise/planbackend/lib/myuuid"
)

type publisher struct {
	pubsub    mypubsub.PubSub
	enveloper enveloper
}

func New(pubsub mypubsub.PubSub, nower mytime.Nower, uuider myuuid.UUIDer) *publisher {
	return &publisher{
		pubsub:    pubsub,
		enveloper: newEnveloper(nower, uuider),
	}
}

func (p *publisher) CreateTopic(c context.Context, topic string) error {
	return p.pubsub.CreateTopic(c, topic)
}

func (p *publisher) Publish(c context.Context, topic string, event myevents.Event) error {
	envelope, err := p.enveloper.do(topic, event)
	if err != nil {
		return fmt.Errorf("error creating envelope: %s", err)
	}

	jsonBytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("error serializing envelope: %s", err)
	}

	err = p.pubsub.Publish(c, topic, string(jsonBytes))
	if err != nil {
		return fmt.Errorf("error publishing event %s on topic %s: %s", envelope.EventTypeName, topic, err)
	}

	return nil
}

type enveloper struct {
	nower  mytime.Nower
	uuider myuuid.UUIDer
}

func newEnveloper(nower mytime.Nower, uuider myuuid.UUIDer) enveloper {
	return enveloper{
		nower:  nower,
		uuider: uuider,
	}
}

func (e enveloper) do(topic string, event myevents.Event) (myevents.EventEnvelope, error) {
	jsonPayload, err := json.Marshal(event)
	if err != nil {
		return myevents.EventEnvelope{}, fmt.Errorf("error marshalling event-payload: %s", err)
	}

	return myevents.EventEnvelope{
		UID:           e.uuider.Create(),
		CreatedAt:     e.nower.Now(),
		Topic:         topic,
		AggregateUID:  event.GetAggregateName(),
		EventTypeName: event.GetEventTypeName(),
		EventPayload:  string(jsonPayload),
		Published:     true,
	}, nil
}
