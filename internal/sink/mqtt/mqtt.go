// Package mqtt is an optional fan-out Sink publishing rows as retained-free
// JSON messages on topic "dbmazz/<schema>/<table>", for edge/IoT
// consumers that want the decoded stream without a StarRocks dependency.
//
// Grounded on pkg/pipeline/peer/mqtt/peer.go's Pub method and topic shape;
// this sink only publishes, so it skips that file's Sub-side topic rewriter
// and topic-to-field machinery entirely.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/dbmazz/cdc/internal/cdcmsg"
	"github.com/dbmazz/cdc/internal/sink"
)

const topicPrefix = "dbmazz"

func init() {
	sink.Register("mqtt", func(dsn string) (sink.Sink, error) {
		return New(dsn)
	})
}

// Sink publishes each row to an MQTT broker at QoS 0.
type Sink struct {
	client paho.Client
}

// New connects to the given MQTT broker URL (e.g. "tcp://localhost:1883").
func New(brokerURL string) (*Sink, error) {
	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(fmt.Sprintf("dbmazz-cdc-%d", time.Now().UnixNano())).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt: connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect: %w", err)
	}
	return &Sink{client: client}, nil
}

func (s *Sink) PushBatch(ctx context.Context, group sink.Group) error {
	schema, table := schemaAndTable(group)
	topic := fmt.Sprintf("%s/%s/%s", topicPrefix, schema, table)

	for _, row := range group.Rows {
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("mqtt: marshal row: %w", err)
		}
		token := s.client.Publish(topic, 0, false, data)
		if !token.WaitTimeout(5 * time.Second) {
			return fmt.Errorf("mqtt: publish to %s timed out", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt: publish to %s: %w", topic, err)
		}
	}
	return nil
}

// ApplySchemaDelta is a no-op: MQTT topics carry no schema to evolve.
func (s *Sink) ApplySchemaDelta(ctx context.Context, delta *cdcmsg.SchemaDelta) error {
	return nil
}

func schemaAndTable(group sink.Group) (schema, table string) {
	if group.Table != nil {
		return group.Table.Namespace, group.Table.Name
	}
	return "public", "relation"
}
