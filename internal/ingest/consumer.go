package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

// Handler processes one decoded event.
type Handler func(ctx context.Context, ev model.Event) error

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Options tune the consumer.
type Options struct {
	Workers int
	Now     func() time.Time
}

// Consumer reads events from Kafka and fans them out to a fixed worker
// pool. Messages with the same key always land on the same worker, so
// events for one entity are handled in order.
type Consumer struct {
	reader  Reader
	handler Handler
	opts    Options
	logger  zerolog.Logger
}

// NewKafkaReader builds a consumer-group reader.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
	})
}

// NewConsumer wraps reader.
func NewConsumer(reader Reader, handler Handler, opts Options, logger zerolog.Logger) *Consumer {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Consumer{
		reader:  reader,
		handler: handler,
		opts:    opts,
		logger:  logger.With().Str("component", "ingest").Logger(),
	}
}

// Run blocks until ctx is cancelled or the reader fails permanently. In-flight
// messages are finished before it returns.
func (c *Consumer) Run(ctx context.Context) error {
	lanes := make([]chan kafka.Message, c.opts.Workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for msg := range in {
				c.handle(ctx, msg)
			}
		}(lanes[i])
	}
	defer func() {
		for _, lane := range lanes {
			close(lane)
		}
		wg.Wait()
		if err := c.reader.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("close kafka reader")
		}
	}()

	c.logger.Info().Int("workers", c.opts.Workers).Msg("event consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info().Msg("event consumer shutting down")
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			c.logger.Error().Err(err).Msg("fetch message failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		select {
		case lanes[c.lane(msg.Key)] <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Consumer) lane(key []byte) int {
	if c.opts.Workers == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(c.opts.Workers))
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	logger := c.logger.With().Int("partition", msg.Partition).Int64("offset", msg.Offset).Logger()

	ev, err := DecodeEvent(msg.Value, c.opts.Now())
	if err != nil {
		logger.Warn().Err(err).Msg("dropping undecodable event")
	} else if err := c.handler(ctx, ev); err != nil {
		logger.Error().Err(err).Str("event_key", ev.Key).Msg("event handler failed")
	}

	if err := c.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
		logger.Warn().Err(err).Msg("commit offset failed")
	}
}
