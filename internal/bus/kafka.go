package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"pump-signal-engine/internal/domain"
	"pump-signal-engine/internal/observability"
)

const kafkaSinkName = "kafka"

// KafkaConfig configures the outward BUY signal topic.
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers" validate:"required_if=Enabled true"`
	Topic        string        `yaml:"topic" default:"pump.signals.buy" validate:"required_if=Enabled true"`
	Compression  string        `yaml:"compression" default:"snappy" validate:"oneof=gzip snappy lz4 zstd none"`
	BatchTimeout time.Duration `yaml:"batch_timeout" default:"50ms"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"5s"`
	MaxAttempts  int           `yaml:"max_attempts" default:"3"`
}

// signalMessage is the wire layout of a published signal.
type signalMessage struct {
	ID             string  `json:"id"`
	Mint           string  `json:"mint"`
	Action         string  `json:"action"`
	Confidence     float64 `json:"confidence"`
	Reason         string  `json:"reason"`
	ReferencePrice float64 `json:"reference_price"`
	Checkpoint     string  `json:"checkpoint"`
	TimestampMs    int64   `json:"timestamp_ms"`
}

func encodeSignal(sig domain.Signal) ([]byte, error) {
	return json.Marshal(signalMessage{
		ID:             sig.ID,
		Mint:           sig.Mint,
		Action:         string(sig.Action),
		Confidence:     sig.Confidence,
		Reason:         sig.Reason,
		ReferencePrice: sig.ReferencePrice,
		Checkpoint:     sig.Checkpoint,
		TimestampMs:    sig.Timestamp.UnixMilli(),
	})
}

// KafkaSink publishes BUY signals keyed by mint so per-mint order holds per partition.
// The writer is async; delivery errors are reported through the completion hook.
type KafkaSink struct {
	writer  *kafka.Writer
	logger  zerolog.Logger
	metrics *observability.Metrics
}

var _ Sink = (*KafkaSink)(nil)

// NewKafkaSink creates an async producer for cfg.Topic.
func NewKafkaSink(cfg KafkaConfig, logger *zerolog.Logger, metrics *observability.Metrics) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "kafka_sink").Str("topic", cfg.Topic).Logger()
	}

	s := &KafkaSink{logger: l, metrics: metrics}
	s.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Compression:  parseCompression(cfg.Compression),
		MaxAttempts:  cfg.MaxAttempts,
		WriteTimeout: cfg.WriteTimeout,
		BatchTimeout: cfg.BatchTimeout,
		Async:        true,
		Completion:   s.completion,
	}
	return s, nil
}

// Name returns the sink name.
func (s *KafkaSink) Name() string { return kafkaSinkName }

// Emit enqueues sig on the async writer.
func (s *KafkaSink) Emit(sig domain.Signal) {
	value, err := encodeSignal(sig)
	if err != nil {
		s.metrics.RecordSinkError(kafkaSinkName)
		s.logger.Error().Err(err).Str("mint", sig.Mint).Msg("encode signal")
		return
	}

	msg := kafka.Message{Key: []byte(sig.Mint), Value: value, Time: sig.Timestamp}
	if err := s.writer.WriteMessages(context.Background(), msg); err != nil {
		s.metrics.RecordSinkError(kafkaSinkName)
		s.logger.Warn().Err(err).Str("mint", sig.Mint).Msg("enqueue signal")
	}
}

func (s *KafkaSink) completion(messages []kafka.Message, err error) {
	if err == nil {
		return
	}
	s.metrics.RecordSinkError(kafkaSinkName)
	s.logger.Warn().Err(err).Int("messages", len(messages)).Msg("signal batch not delivered")
}

// Close flushes pending messages and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func parseCompression(name string) kafka.Compression {
	switch name {
	case "gzip":
		return kafka.Gzip
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	case "none":
		return 0
	default:
		return kafka.Snappy
	}
}
