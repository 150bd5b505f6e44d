// Package nats is an optional fan-out Sink publishing rows onto a NATS
// JetStream subject per table, for consumers that want a replayable,
// at-least-once queue of decoded changes rather than a StarRocks table.
//
// Grounded on pkg/pipeline/peer/nats/peer.go's JetStream connect/publish
// shape (server list, stream auto-provisioning, subject pattern).
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dbmazz/cdc/internal/cdcmsg"
	"github.com/dbmazz/cdc/internal/sink"
)

const subjectPrefix = "dbmazz"

func init() {
	sink.Register("nats", func(dsn string) (sink.Sink, error) {
		return New(dsn)
	})
}

// Sink publishes each row onto subject "dbmazz.<table>".
type Sink struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// New connects to the given NATS server URL and ensures the backing stream.
func New(serverURL string) (*Sink, error) {
	nc, err := nats.Connect(serverURL,
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats: jetstream context: %w", err)
	}

	s := &Sink{nc: nc, js: js}
	if err := s.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureStream() error {
	name := subjectPrefix + "-stream"
	cfg := &nats.StreamConfig{
		Name:     name,
		Subjects: []string{subjectPrefix + ".>"},
		Storage:  nats.FileStorage,
		Replicas: 1,
	}
	if _, err := s.js.StreamInfo(name); err == nil {
		return nil
	} else if err != nats.ErrStreamNotFound {
		return fmt.Errorf("nats: stream info: %w", err)
	}
	if _, err := s.js.AddStream(cfg); err != nil {
		return fmt.Errorf("nats: create stream: %w", err)
	}
	return nil
}

func (s *Sink) PushBatch(ctx context.Context, group sink.Group) error {
	subject := subjectPrefix + "." + strings.ReplaceAll(tableName(group), ".", "_")
	for _, row := range group.Rows {
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("nats: marshal row: %w", err)
		}
		if _, err := s.js.Publish(subject, data); err != nil {
			return fmt.Errorf("nats: publish: %w", err)
		}
	}
	return nil
}

// ApplySchemaDelta is a no-op: JetStream subjects carry no schema to evolve.
func (s *Sink) ApplySchemaDelta(ctx context.Context, delta *cdcmsg.SchemaDelta) error {
	return nil
}

func tableName(group sink.Group) string {
	if group.Table != nil {
		return group.Table.Name
	}
	return "relation"
}
