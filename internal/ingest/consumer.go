package ingest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// ConsumerOption configures Consumer.
type ConsumerOption func(*ConsumerConfig)

// ConsumerConfig holds consumer configuration.
type ConsumerConfig struct {
	Brokers     []string
	GroupID     string
	WorkerCount int
	BufferSize  int
	RetryMax    int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	MinBytes    int
	MaxBytes    int
}

// WithBrokers sets Kafka brokers.
func WithBrokers(brokers []string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Brokers = brokers
	}
}

// WithGroupID sets consumer group ID.
func WithGroupID(groupID string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.GroupID = groupID
	}
}

// WithWorkers sets number of worker goroutines.
func WithWorkers(count int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if count > 0 {
			c.WorkerCount = count
		}
	}
}

// WithRetry configures retry attempts and backoff range.
func WithRetry(max int, backoffMin, backoffMax time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.RetryMax = max
		c.BackoffMin = backoffMin
		c.BackoffMax = backoffMax
	}
}

// Reader is the part of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerStats counts handled messages.
type ConsumerStats struct {
	Handled  uint64 `json:"handled"`
	Rejected uint64 `json:"rejected"`
	Failed   uint64 `json:"failed"`
}

// Consumer reads one topic with a worker pool. Offsets are committed after
// handling; bad messages are committed too so they cannot loop. Each
// partition is pinned to one worker so its messages are submitted and
// committed in offset order.
type Consumer struct {
	cfg       *ConsumerConfig
	handler   MessageHandler
	reader    Reader
	newReader func(topic string) Reader
	log       zerolog.Logger

	lanes    []chan kafka.Message
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	handled  atomic.Uint64
	rejected atomic.Uint64
	failed   atomic.Uint64
}

// NewConsumer creates a consumer for handler's topic.
func NewConsumer(handler MessageHandler, log zerolog.Logger, opts ...ConsumerOption) (*Consumer, error) {
	cfg := &ConsumerConfig{
		GroupID:     "trade-executor",
		WorkerCount: 1,
		BufferSize:  10,
		RetryMax:    3,
		BackoffMin:  50 * time.Millisecond,
		BackoffMax:  2 * time.Second,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}

	c := &Consumer{
		cfg:      cfg,
		handler:  handler,
		log:      log.With().Str("component", "ingest").Str("topic", handler.Topic()).Logger(),
		lanes:    make([]chan kafka.Message, cfg.WorkerCount),
		stopChan: make(chan struct{}),
	}
	for i := range c.lanes {
		c.lanes[i] = make(chan kafka.Message, cfg.BufferSize)
	}
	c.newReader = func(topic string) Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    topic,
			GroupID:  cfg.GroupID,
			MinBytes: cfg.MinBytes,
			MaxBytes: cfg.MaxBytes,
		})
	}
	return c, nil
}

// Start opens the reader and starts the workers.
func (c *Consumer) Start() {
	c.reader = c.newReader(c.handler.Topic())

	for _, lane := range c.lanes {
		c.wg.Add(1)
		go c.worker(lane)
	}
	c.wg.Add(1)
	go c.fetch()
	c.log.Info().Int("workers", c.cfg.WorkerCount).Str("group_id", c.cfg.GroupID).Msg("kafka consumer started")
}

// Stop stops fetching, drains the workers and closes the reader.
func (c *Consumer) Stop(ctx context.Context) error {
	var stopErr error
	c.stopOnce.Do(func() {
		close(c.stopChan)

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-ctx.Done():
			stopErr = fmt.Errorf("timeout waiting for consumer to stop: %w", ctx.Err())
		case <-done:
		}

		if c.reader != nil {
			if err := c.reader.Close(); err != nil {
				c.log.Warn().Err(err).Msg("error closing reader")
			}
		}
		if stopErr == nil {
			c.log.Info().Msg("kafka consumer stopped")
		}
	})
	return stopErr
}

func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Handled:  c.handled.Load(),
		Rejected: c.rejected.Load(),
		Failed:   c.failed.Load(),
	}
}

func (c *Consumer) fetch() {
	defer c.wg.Done()
	defer func() {
		for _, lane := range c.lanes {
			close(lane)
		}
	}()

	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		msg, err := c.reader.FetchMessage(ctx)
		cancel()
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				c.log.Warn().Err(err).Msg("error reading message")
				select {
				case <-time.After(c.cfg.BackoffMin):
				case <-c.stopChan:
					return
				}
			}
			continue
		}

		select {
		case c.laneFor(msg) <- msg:
		case <-c.stopChan:
			return
		}
	}
}

func (c *Consumer) laneFor(msg kafka.Message) chan kafka.Message {
	i := msg.Partition % len(c.lanes)
	if i < 0 {
		i = -i
	}
	return c.lanes[i]
}

func (c *Consumer) worker(lane <-chan kafka.Message) {
	defer c.wg.Done()
	for msg := range lane {
		c.process(msg)
	}
}

func (c *Consumer) process(msg kafka.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.failed.Add(1)
			c.log.Error().Interface("panic", r).Int64("offset", msg.Offset).Msg("panic in message handler")
		}
	}()

	var err error
	attempts := 0
	for {
		attempts++
		err = c.handler.Handle(context.Background(), msg.Value)
		if err == nil || errors.Is(err, ErrBadMessage) || attempts > c.cfg.RetryMax {
			break
		}
		select {
		case <-time.After(backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, attempts)):
		case <-c.stopChan:
			// Leave it uncommitted; it is redelivered after restart.
			c.failed.Add(1)
			return
		}
	}

	switch {
	case err == nil:
		c.handled.Add(1)
	case errors.Is(err, ErrBadMessage):
		c.rejected.Add(1)
		c.log.Warn().Err(err).Int("partition", msg.Partition).Int64("offset", msg.Offset).Msg("dropping bad message")
	default:
		c.failed.Add(1)
		c.log.Error().Err(err).Int("attempts", attempts).Int64("offset", msg.Offset).Msg("message not handled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if cerr := c.reader.CommitMessages(ctx, msg); cerr != nil {
		c.log.Warn().Err(cerr).Int64("offset", msg.Offset).Msg("commit failed")
	}
}

func backoffWithJitter(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	d := min << uint(attempt-1)
	if d > max || d <= 0 {
		d = max
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}
