package listener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stanstork/stratum-notify/internal/config"
	"github.com/stanstork/stratum-notify/internal/models"
)

// Publisher is the part of the event bus the listener needs.
type Publisher interface {
	Publish(event *models.Event)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaListener consumes event envelopes from one topic as part of a
// consumer group. Offsets are committed after the event is on the bus, so a
// crash between the two replays the message.
type KafkaListener struct {
	reader    messageReader
	publisher Publisher
	logger    zerolog.Logger
}

func NewKafkaListener(cfg config.KafkaConfig, publisher Publisher, logger zerolog.Logger) *KafkaListener {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: 0,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error().Str("component", "kafka_reader").Msg(fmt.Sprintf(msg, args...))
		}),
	})
	return newKafkaListener(reader, publisher, logger)
}

func newKafkaListener(reader messageReader, publisher Publisher, logger zerolog.Logger) *KafkaListener {
	return &KafkaListener{
		reader:    reader,
		publisher: publisher,
		logger:    logger.With().Str("component", "kafka_listener").Logger(),
	}
}

// Run consumes until ctx is cancelled. Messages that cannot be decoded are
// logged and committed so they do not block the partition.
func (l *KafkaListener) Run(ctx context.Context) error {
	l.logger.Info().Msg("kafka listener started")
	defer l.logger.Info().Msg("kafka listener stopped")

	for {
		msg, err := l.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch kafka message: %w", err)
		}

		evt, err := Decode(msg.Value)
		if err != nil {
			l.logger.Warn().
				Err(err).
				Str("topic", msg.Topic).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("skipping undecodable event")
		} else {
			l.publisher.Publish(evt)
		}

		if err := l.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit kafka offset %d: %w", msg.Offset, err)
		}
	}
}

func (l *KafkaListener) Close() error {
	return l.reader.Close()
}
