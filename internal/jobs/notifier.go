package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/pkg/pipeline"
)

// Notifier pushes run state changes to subscribers.
type Notifier interface {
	Notify(ctx context.Context, status pipeline.RunStatus) error
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, pipeline.RunStatus) error { return nil }

// PubSubNotifier publishes run statuses as JSON to a Pub/Sub topic, with
// estimation_id, run_id and state as message attributes.
type PubSubNotifier struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubNotifier connects to projectID. Application Default Credentials
// are used unless credentialsJSON is set.
func NewPubSubNotifier(ctx context.Context, projectID, topicID, credentialsJSON string) (*PubSubNotifier, error) {
	if projectID == "" || topicID == "" {
		return nil, fmt.Errorf("pubsub project and topic are required")
	}
	var opts []option.ClientOption
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &PubSubNotifier{client: client, topic: client.Topic(topicID)}, nil
}

func (n *PubSubNotifier) Notify(ctx context.Context, status pipeline.RunStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	res := n.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"estimation_id": status.EstimationID,
			"run_id":        status.RunID,
			"state":         status.State,
		},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish run status: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the client.
func (n *PubSubNotifier) Close() error {
	n.topic.Stop()
	return n.client.Close()
}
