package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// publisher is the slice of *pubsub.Topic the notifier uses; tests
// substitute a fake.
type publisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// PubSubNotifier publishes alerts to a Google Pub/Sub topic for
// downstream alert routing (pager, chat, ticketing).
type PubSubNotifier struct {
	client      *pubsub.Client
	resultTopic publisher
	timeout     time.Duration
}

// NewPubSubNotifier connects to projectID and verifies the topic
// exists. Credentials come from PUBSUB_CREDENTIALS_JSON when set,
// otherwise application default credentials.
func NewPubSubNotifier(ctx context.Context, projectID, topicName string) (*PubSubNotifier, error) {
	if projectID == "" {
		return nil, errors.New("pubsub project id is required")
	}
	if topicName == "" {
		return nil, errors.New("pubsub topic is required")
	}

	var client *pubsub.Client
	var err error
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		client, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
	} else {
		client, err = pubsub.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	topic := client.Topic(topicName)
	ok, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("check topic %q: %w", topicName, err)
	}
	if !ok {
		client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist", topicName)
	}

	return &PubSubNotifier{
		client:      client,
		resultTopic: topic,
		timeout:     30 * time.Second,
	}, nil
}

func (n *PubSubNotifier) NotifyResult(ctx context.Context, alert Alert) error {
	return n.publish(ctx, "reconciliation_result", alert)
}

func (n *PubSubNotifier) NotifyFailure(ctx context.Context, alert FailureAlert) error {
	return n.publish(ctx, "reconciliation_failure", alert)
}

func (n *PubSubNotifier) publish(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s alert: %w", event, err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	result := n.resultTopic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"event": event},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish %s alert: %w", event, err)
	}
	return nil
}

// Close releases the underlying client.
func (n *PubSubNotifier) Close() error {
	if n.client == nil {
		return nil
	}
	return n.client.Close()
}
