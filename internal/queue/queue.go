// Package queue moves the engine's message traffic: inbound lifecycle
// commands, outbound settlement jobs, and outbound lifecycle events. Two
// drivers share one interface. Kafka is the production transport; stdio
// reads line-delimited payloads and exists for tests and piped
// single-process runs.
package queue

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

const envKafkaTLS = "CUSTODY_QUEUE_KAFKA_TLS"

// Message is one delivered record. Key and Value are owned by the receiver.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	// Timestamp is the broker timestamp under kafka and the local receive
	// time under stdio.
	Timestamp time.Time

	ack func(context.Context) error
}

// Ack marks the message processed. Drivers without offsets treat it as a
// no-op, so callers always ack.
func (m Message) Ack(ctx context.Context) error {
	if m.ack == nil {
		return nil
	}
	return m.ack(ctx)
}

// Consumer delivers messages and fetch errors on channels until closed.
type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

// Producer publishes one record per call. The key picks the partition, so
// every record for one withdrawal lands on the same partition and stays
// ordered.
type Producer interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

// ConsumerConfig selects a driver and carries its settings. Fields for the
// other driver are ignored.
type ConsumerConfig struct {
	Driver string

	// Kafka.
	Brokers []string
	Group   string
	Topics  []string

	KafkaMinBytes int
	KafkaMaxBytes int

	// Stdio.
	Reader       io.Reader
	MaxLineBytes int
}

// ProducerConfig selects a driver and carries its settings.
type ProducerConfig struct {
	Driver string

	// Kafka.
	Brokers      []string
	BatchTimeout time.Duration

	// Stdio.
	Writer io.Writer
}

// NewConsumer builds a consumer for cfg.Driver. An empty driver means kafka.
func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch driverName(cfg.Driver) {
	case DriverKafka:
		return newKafkaConsumer(ctx, cfg)
	case DriverStdio:
		return newStdioConsumer(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

// NewProducer builds a producer for cfg.Driver. An empty driver means kafka.
func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch driverName(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		return newStdioProducer(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

func driverName(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

// SplitCommaList parses comma-separated flag values, dropping blanks.
func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return compact(strings.Split(s, ","))
}

func compact(values []string) []string {
	kept := values[:0:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			kept = append(kept, v)
		}
	}
	return kept
}

func kafkaTLSFromEnv() bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
