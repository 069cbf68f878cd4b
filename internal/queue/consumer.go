// Package queue consumes inbound message batches from RabbitMQ and hands
// them to the routing pipeline. Delivery acknowledgement is per batch: items
// that fail are reported by the pipeline per unit, matching the at-least-once
// contract of the downstream workflow engine.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/skamalj/router-agent/internal/pipeline"
)

// BatchHandler processes one decoded batch of inbound items.
type BatchHandler interface {
	ProcessBatch(ctx context.Context, items []pipeline.Item) []pipeline.Result
}

// Options configure the consumer.
type Options struct {
	URL          string
	Queue        string
	Prefetch     int
	BatchTimeout time.Duration
}

// Consumer is a reconnecting RabbitMQ consumer for the inbound queue.
type Consumer struct {
	opts    Options
	handler BatchHandler
	logger  *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	wg   sync.WaitGroup
}

// NewConsumer creates an inbound queue consumer.
func NewConsumer(log *slog.Logger, opts Options, handler BatchHandler) (*Consumer, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("queue consumer: url is required")
	}
	if opts.Queue == "" {
		return nil, fmt.Errorf("queue consumer: queue name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("queue consumer: handler is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 2 * time.Minute
	}
	return &Consumer{
		opts:    opts,
		handler: handler,
		logger:  log.With(slog.String("component", "queue_consumer")),
	}, nil
}

// Start connects, declares the queue, and consumes until ctx is cancelled.
// Connection loss triggers reconnection with doubling backoff.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.supervise(ctx)
	return nil
}

// Close tears down the connection and waits for the consume loop to stop.
func (c *Consumer) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil && !conn.IsClosed() {
		_ = conn.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *Consumer) connect(ctx context.Context) error {
	conn, err := amqp.Dial(c.opts.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("amqp qos: %w", err)
	}
	if _, err := ch.QueueDeclare(c.opts.Queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declare queue %q: %w", c.opts.Queue, err)
	}
	deliveries, err := ch.Consume(c.opts.Queue, "", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("consume queue %q: %w", c.opts.Queue, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consumeLoop(ctx, deliveries)
	c.logger.Info("consumer started",
		slog.String("queue", c.opts.Queue),
		slog.Int("prefetch", c.opts.Prefetch),
	)
	return nil
}

// supervise reconnects after connection loss until ctx is cancelled.
func (c *Consumer) supervise(ctx context.Context) {
	defer c.wg.Done()
	backoff := time.Second
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		closed := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-ctx.Done():
			return
		case amqpErr, ok := <-closed:
			if ctx.Err() != nil {
				return
			}
			if !ok || amqpErr == nil {
				return
			}
			c.logger.Error("amqp connection closed, reconnecting", slog.Any("error", amqpErr))
		}

		for {
			if ctx.Err() != nil {
				return
			}
			if err := c.connect(ctx); err != nil {
				c.logger.Error("reconnect failed",
					slog.Any("error", err),
					slog.Duration("retry_in", backoff),
				)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
				continue
			}
			backoff = time.Second
			break
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.handleDelivery(ctx, d)
		}
	}
}

// handleDelivery decodes and processes one delivery. Malformed payloads are
// poison: acknowledged and dropped, never redelivered. Unit failures inside a
// batch are reported by the pipeline and do not hold the delivery hostage.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	items, err := decodeItems(d.Body)
	if err != nil {
		c.logger.Warn("dropping malformed delivery", slog.Any("error", err))
		_ = d.Ack(false)
		return
	}

	batchCtx, cancel := context.WithTimeout(ctx, c.opts.BatchTimeout)
	results := c.handler.ProcessBatch(batchCtx, items)
	cancel()

	failed := 0
	for _, res := range results {
		if !res.Completed() {
			failed++
		}
	}
	if failed > 0 {
		c.logger.Warn("batch completed with failures",
			slog.Int("items", len(items)),
			slog.Int("failed", failed),
		)
	}
	_ = d.Ack(false)
}

// decodeItems accepts either a JSON array of items or a single item object.
func decodeItems(body []byte) ([]pipeline.Item, error) {
	var items []pipeline.Item
	if err := json.Unmarshal(body, &items); err == nil {
		return items, nil
	}
	var single pipeline.Item
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, fmt.Errorf("decode inbound payload: %w", err)
	}
	return []pipeline.Item{single}, nil
}
