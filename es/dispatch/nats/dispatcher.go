// Package nats provides a commit dispatcher publishing over NATS.
package nats

import (
	"context"
	"encoding/json"
	"fmt"

	natsgo "github.com/nats-io/nats.go"

	"github.com/valeriob/eventstore/es"
	"github.com/valeriob/eventstore/es/dispatch"
)

const defaultSubjectPrefix = "eventstore.commits"

// Config configures the NATS dispatcher.
type Config struct {
	// SubjectPrefix is the subject prefix commits are published under.
	// The full subject is {prefix}.{partition}.{streamID}.
	SubjectPrefix string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{SubjectPrefix: defaultSubjectPrefix}
}

// Dispatcher publishes commits as JSON messages. The connection is owned
// by the caller and stays open after Close.
type Dispatcher struct {
	nc     *natsgo.Conn
	config Config
}

var _ dispatch.Dispatcher = (*Dispatcher)(nil)

// New creates a dispatcher over an established connection.
func New(nc *natsgo.Conn, config Config) *Dispatcher {
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = defaultSubjectPrefix
	}
	return &Dispatcher{nc: nc, config: config}
}

// Dispatch implements dispatch.Dispatcher.
func (d *Dispatcher) Dispatch(_ context.Context, commit *es.Commit) error {
	data, err := json.Marshal(commit)
	if err != nil {
		return fmt.Errorf("marshal commit: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.%s", d.config.SubjectPrefix, commit.Partition, commit.StreamID)
	msg := &natsgo.Msg{
		Subject: subject,
		Data:    data,
		Header: natsgo.Header{
			"Commit-Id": []string{commit.CommitID.String()},
		},
	}
	if err := d.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish commit: %w", err)
	}
	return nil
}

// Close implements dispatch.Dispatcher. Pending publishes are flushed;
// the connection itself is left open for the caller.
func (d *Dispatcher) Close() error {
	return d.nc.Flush()
}
