// Package kafka provides a commit dispatcher producing to Kafka.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/valeriob/eventstore/es"
	"github.com/valeriob/eventstore/es/dispatch"
)

// Config configures the Kafka dispatcher.
type Config struct {
	// Topic is the topic commits are produced to.
	Topic string
}

// Dispatcher produces commits as JSON records. Records are keyed by
// partition and stream id so Kafka preserves per-stream ordering.
// The client is owned by the caller and stays open after Close.
type Dispatcher struct {
	client *kgo.Client
	config Config
}

var _ dispatch.Dispatcher = (*Dispatcher)(nil)

// New creates a dispatcher over an established client.
func New(client *kgo.Client, config Config) *Dispatcher {
	return &Dispatcher{client: client, config: config}
}

// Dispatch implements dispatch.Dispatcher. The produce is synchronous:
// the commit only counts as dispatched once the broker acknowledged it.
func (d *Dispatcher) Dispatch(ctx context.Context, commit *es.Commit) error {
	data, err := json.Marshal(commit)
	if err != nil {
		return fmt.Errorf("marshal commit: %w", err)
	}

	record := &kgo.Record{
		Topic: d.config.Topic,
		Key:   []byte(commit.Partition + "/" + commit.StreamID),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "commit-id", Value: []byte(commit.CommitID.String())},
		},
	}
	if err := d.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce commit: %w", err)
	}
	return nil
}

// Close implements dispatch.Dispatcher. In-flight records are flushed;
// the client itself is left open for the caller.
func (d *Dispatcher) Close() error {
	return d.client.Flush(context.Background())
}
