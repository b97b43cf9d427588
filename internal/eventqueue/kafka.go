package eventqueue

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaOptions struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// KafkaQueue writes records synchronously, keyed so a card's records land
// on one partition.
type KafkaQueue struct {
	writer *kafka.Writer
}

func NewKafkaQueue(opts KafkaOptions) (*KafkaQueue, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if opts.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 10 * time.Millisecond
	}
	return &KafkaQueue{writer: &kafka.Writer{
		Addr:                   kafka.TCP(opts.Brokers...),
		Topic:                  opts.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           opts.BatchTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}, nil
}

func (q *KafkaQueue) Publish(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	messages := make([]kafka.Message, 0, len(records))
	for _, record := range records {
		messages = append(messages, kafka.Message{
			Key:   []byte(record.Key),
			Value: record.Value,
			Time:  record.Time,
		})
	}
	return q.writer.WriteMessages(ctx, messages...)
}

func (q *KafkaQueue) Close() error {
	return q.writer.Close()
}
