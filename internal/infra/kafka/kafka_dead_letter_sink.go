// Package kafka publishes dead letters to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"async-dispatch/internal/domain"

	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	producerRetries         = 5
	producerDeliveryTimeout = 30 * time.Second
)

// DeadLetterSink produces one record per dead letter, keyed by task_id.
type DeadLetterSink struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

func producerOpts(brokers, topic string) []kgo.Opt {
	seeds := strings.Split(brokers, ",")
	return []kgo.Opt{
		kgo.SeedBrokers(seeds...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordRetries(producerRetries),
		kgo.RecordDeliveryTimeout(producerDeliveryTimeout),
	}
}

func NewDeadLetterSink(brokers, topic string, logger *slog.Logger) (*DeadLetterSink, error) {
	client, err := kgo.NewClient(producerOpts(brokers, topic)...)
	if err != nil {
		return nil, fmt.Errorf("create dead letter producer: %w", err)
	}
	return &DeadLetterSink{
		client: client,
		topic:  topic,
		logger: logger.With("component", "kafka-dead-letter"),
	}, nil
}

func buildRecord(dl domain.DeadLetter) (*kgo.Record, error) {
	value, err := json.Marshal(dl.Message.Job)
	if err != nil {
		return nil, fmt.Errorf("marshal dead letter job: %w", err)
	}
	headers := []kgo.RecordHeader{
		{Key: "message_id", Value: []byte(dl.Message.ID)},
		{Key: "error", Value: []byte(dl.Error)},
		{Key: "attempts", Value: []byte(strconv.Itoa(dl.Attempts))},
		{Key: "failed_at", Value: []byte(dl.FailedAt.UTC().Format(time.RFC3339))},
	}
	for k, v := range dl.Message.TraceHeaders {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return &kgo.Record{
		Key:     []byte(dl.Message.Job.TaskID),
		Value:   value,
		Headers: headers,
	}, nil
}

func (k *DeadLetterSink) Send(ctx context.Context, dl domain.DeadLetter) error {
	record, err := buildRecord(dl)
	if err != nil {
		return err
	}
	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("dead letter produce to %s: %w", k.topic, err)
	}
	k.logger.Info("dead letter published", "topic", k.topic, "task_id", dl.Message.Job.TaskID)
	return nil
}

func (k *DeadLetterSink) Close() {
	k.client.Close()
}

var _ domain.DeadLetterSink = (*DeadLetterSink)(nil)
