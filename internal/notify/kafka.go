// Package notify publishes a load-completed event for every committed run so
// downstream consumers can pick up fresh registry data.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/xtgz/chai/internal/ingestion"
)

type (
	// LoadCompleted is the event payload. It is keyed by package manager so
	// all events of one package manager land on the same partition.
	LoadCompleted struct {
		PackageManager   string                  `json:"package_manager"`
		PackageManagerID uuid.UUID               `json:"package_manager_id"`
		LoadHistoryID    uuid.UUID               `json:"load_history_id"`
		TestMode         bool                    `json:"test_mode"`
		StartedAt        time.Time               `json:"started_at"`
		FinishedAt       time.Time               `json:"finished_at"`
		DurationSeconds  float64                 `json:"duration_seconds"`
		Totals           Totals                  `json:"totals"`
		Stages           []ingestion.StageReport `json:"stages"`
	}

	// Totals sums the stage counters of a run.
	Totals struct {
		Read       int64 `json:"read"`
		Written    int64 `json:"written"`
		Conflicted int64 `json:"conflicted"`
		Dropped    int64 `json:"dropped"`
		Malformed  int64 `json:"malformed"`
	}

	messageWriter interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// KafkaNotifier implements ingestion.Notifier on a Kafka topic.
	KafkaNotifier struct {
		writer       messageWriter
		writeTimeout time.Duration
		logger       *slog.Logger
	}
)

var _ ingestion.Notifier = (*KafkaNotifier)(nil)

// NewKafkaNotifier creates a publisher for cfg. The caller must Close it.
func NewKafkaNotifier(cfg *Config, logger *slog.Logger) (*KafkaNotifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchSize:              1,
		WriteTimeout:           cfg.WriteTimeout,
	}

	logger.Info("Load notifications enabled",
		slog.Any("brokers", cfg.Brokers),
		slog.String("topic", cfg.Topic))

	return newKafkaNotifier(w, cfg.WriteTimeout, logger), nil
}

func newKafkaNotifier(w messageWriter, writeTimeout time.Duration, logger *slog.Logger) *KafkaNotifier {
	return &KafkaNotifier{writer: w, writeTimeout: writeTimeout, logger: logger}
}

// LoadCompleted implements ingestion.Notifier.
func (n *KafkaNotifier) LoadCompleted(ctx context.Context, report *ingestion.RunReport) error {
	payload, err := json.Marshal(NewLoadCompleted(report))
	if err != nil {
		return fmt.Errorf("failed to encode load-completed event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.writeTimeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(report.PackageManager),
		Value: payload,
		Time:  report.FinishedAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("load_completed")},
		},
	}

	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish load-completed event: %w", err)
	}

	n.logger.Debug("Load-completed event published",
		slog.String("package_manager", report.PackageManager),
		slog.String("load_history_id", report.LoadHistoryID.String()))

	return nil
}

// Close flushes and closes the writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// NewLoadCompleted builds the event for a committed run.
func NewLoadCompleted(report *ingestion.RunReport) LoadCompleted {
	t := report.Totals()

	return LoadCompleted{
		PackageManager:   report.PackageManager,
		PackageManagerID: report.PackageManagerID,
		LoadHistoryID:    report.LoadHistoryID,
		TestMode:         report.TestMode,
		StartedAt:        report.StartedAt,
		FinishedAt:       report.FinishedAt,
		DurationSeconds:  report.Duration().Seconds(),
		Totals: Totals{
			Read:       t.Read,
			Written:    t.Written,
			Conflicted: t.Conflicted,
			Dropped:    t.Dropped,
			Malformed:  t.Malformed,
		},
		Stages: report.Stages,
	}
}
