// Package kafka is an optional fan-out Sink that publishes each row as a
// JSON message keyed by relation_id, for topologies that want the decoded
// stream on a Kafka topic alongside (or instead of) StarRocks.
//
// Grounded on pkg/pipeline/peer/kafka/kafka.go's sarama producer setup.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/IBM/sarama"

	"github.com/dbmazz/cdc/internal/cdcmsg"
	"github.com/dbmazz/cdc/internal/sink"
)

func init() {
	sink.Register("kafka", func(dsn string) (sink.Sink, error) {
		return New(dsn)
	})
}

// Sink publishes batches to a Kafka topic named after the table.
type Sink struct {
	producer sarama.SyncProducer
}

// New builds a Kafka sink. dsn is a comma-separated broker list.
func New(brokerList string) (*Sink, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll

	producer, err := sarama.NewSyncProducer(strings.Split(brokerList, ","), cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka: new producer: %w", err)
	}
	return &Sink{producer: producer}, nil
}

func (s *Sink) PushBatch(ctx context.Context, group sink.Group) error {
	topic := tableName(group)
	for _, row := range group.Rows {
		body, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("kafka: marshal row: %w", err)
		}
		msg := &sarama.ProducerMessage{
			Topic: topic,
			Key:   sarama.StringEncoder(strconv.FormatUint(uint64(group.Key.RelationID), 10)),
			Value: sarama.ByteEncoder(body),
		}
		if _, _, err := s.producer.SendMessage(msg); err != nil {
			return fmt.Errorf("kafka: send message: %w", err)
		}
	}
	return nil
}

// ApplySchemaDelta is a no-op: Kafka topics carry no schema for this sink
// to evolve.
func (s *Sink) ApplySchemaDelta(ctx context.Context, delta *cdcmsg.SchemaDelta) error {
	return nil
}

func tableName(group sink.Group) string {
	if group.Table != nil {
		return group.Table.Name
	}
	return "relation"
}
