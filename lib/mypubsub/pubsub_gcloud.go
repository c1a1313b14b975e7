package mypubsub

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"cloud.google.com/go/pubsub"
)

type gcloudPubSub struct {
	client *pubsub.Client

	mutex  sync.Mutex
	topics map[string]*pubsub.Topic
}

func init() {
	if os.Getenv("GOOGLE_CLOUD_PROJECT") != "" {
		New = newGcloudPubSub
	}
}

func newGcloudPubSub(c context.Context) (PubSub, func(), error) {
	client, err := pubsub.NewClient(c, os.Getenv("GOOGLE_CLOUD_PROJECT"))
	if err != nil {
		return nil, func() {}, fmt.Errorf("error creating pubsub client: %s", err)
	}

	ps := &gcloudPubSub{
		client: client,
		topics: map[string]*pubsub.Topic{},
	}

	return ps, func() {
		client.Close()
	}, nil
}

func (ps *gcloudPubSub) CreateTopic(c context.Context, topicName string) error {
	topic := ps.client.Topic(topicName)

	exists, err := topic.Exists(c)
	if err != nil {
		return fmt.Errorf("error checking existence of topic %s: %s", topicName, err)
	}

	if !exists {
		topic, err = ps.client.CreateTopic(c, topicName)
		if err != nil {
			return fmt.Errorf("error creating topic %s: %s", topicName, err)
		}
		log.Printf("Created topic %s", topicName)
	}

	ps.rememberTopic(topicName, topic)

	return nil
}

func (ps *gcloudPubSub) Subscribe(c context.Context, topicName string, urlToPostTo string) error {
	err := ps.CreateTopic(c, topicName)
	if err != nil {
		return err
	}

	_, err = ps.client.CreateSubscription(c, topicName, pubsub.SubscriptionConfig{
		Topic: ps.client.Topic(topicName),
		PushConfig: pubsub.PushConfig{
			Endpoint: urlToPostTo,
		},
	})
	if err != nil {
		return fmt.Errorf("error subscribing to topic %s: %s", topicName, err)
	}

	log.Printf("Subscribed to topic %s with push-endpoint %s", topicName, urlToPostTo)

	return nil
}

func (ps *gcloudPubSub) Publish(c context.Context, topicName string, data string) error {
	_, err := ps.topic(topicName).Publish(c, &pubsub.Message{Data: []byte(data)}).Get(c)
	if err != nil {
		return fmt.Errorf("error publishing on topic %s: %s", topicName, err)
	}

	return nil
}

func (ps *gcloudPubSub) topic(topicName string) *pubsub.Topic {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	topic, found := ps.topics[topicName]
	if !found {
		topic = ps.client.Topic(topicName)
		ps.topics[topicName] = topic
	}

	return topic
}

func (ps *gcloudPubSub) rememberTopic(topicName string, topic *pubsub.Topic) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	ps.topics[topicName] = topic
}
