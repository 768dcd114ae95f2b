package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
	messageTimeout       = 30 * time.Second
)

type QueueConfig struct {
	URL      string
	Queue    string
	Prefetch int
	Workers  int
}

// QueueConsumer reads purchase notifications from an AMQP queue and funnels
// them into the same reconciler as the webhook and poll paths
type QueueConsumer struct {
	cfg        QueueConfig
	adapter    Adapter
	reconciler Processor

	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueueConsumer builds a consumer without connecting; Start dials the broker
func NewQueueConsumer(cfg QueueConfig, adapter Adapter, reconciler Processor) *QueueConsumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QueueConsumer{
		cfg:        cfg,
		adapter:    adapter,
		reconciler: reconciler,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (c *QueueConsumer) connect() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		c.cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	zap.L().Info("Connected to purchase queue",
		zap.String("queue", c.cfg.Queue),
		zap.Int("prefetch", c.cfg.Prefetch))

	go c.monitorConnection(conn)
	return nil
}

func (c *QueueConsumer) monitorConnection(conn *amqp.Connection) {
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case err := <-notifyClose:
		if err != nil {
			zap.L().Error("Queue connection closed unexpectedly", zap.Error(err))
			c.reconnect()
		}
	case <-c.ctx.Done():
	}
}

// reconnect retries with a linearly growing delay
func (c *QueueConsumer) reconnect() {
	c.closeConnection()

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		zap.L().Info("Reconnecting to purchase queue", zap.Int("attempt", attempt))

		if err := c.connect(); err == nil {
			go func() {
				if err := c.consume(); err != nil && c.ctx.Err() == nil {
					zap.L().Error("Failed to restart queue consumer after reconnect", zap.Error(err))
				}
			}()
			return
		}

		delay := reconnectDelay * time.Duration(attempt)
		zap.L().Warn("Queue reconnection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return
		}
	}

	zap.L().Error("Max queue reconnection attempts reached, giving up")
}

// Start connects and launches the workers; it returns once consuming began
func (c *QueueConsumer) Start() error {
	if err := c.connect(); err != nil {
		return err
	}
	return c.consume()
}

func (c *QueueConsumer) consume() error {
	c.mu.RLock()
	channel := c.channel
	c.mu.RUnlock()

	if channel == nil {
		return fmt.Errorf("channel is not initialized")
	}

	msgs, err := channel.Consume(
		c.cfg.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	zap.L().Info("Starting queue workers", zap.Int("workers", c.cfg.Workers))
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(msgs, i)
	}
	return nil
}

func (c *QueueConsumer) worker(msgs <-chan amqp.Delivery, workerId int) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				zap.L().Warn("Queue delivery channel closed", zap.Int("worker_id", workerId))
				return
			}
			c.HandleDelivery(c.ctx, msg)
		}
	}
}

// HandleDelivery reconciles one message and settles it: malformed payloads
// are dropped, retryable failures are requeued, everything else is acked
func (c *QueueConsumer) HandleDelivery(ctx context.Context, msg amqp.Delivery) {
	ctx, cancel := context.WithTimeout(ctx, messageTimeout)
	defer cancel()

	ctx = models.WithDeliveryContext(ctx, &models.DeliveryContext{
		Source:     c.adapter.Source(),
		Path:       "queue",
		RequestId:  msg.MessageId,
		ReceivedAt: time.Now().UTC(),
	})

	events, err := c.adapter.Normalize(ctx, msg.Body)
	if err != nil {
		requeue := !errors.Is(err, store.ErrValidation) && store.IsRetryable(err)
		zap.L().Error("Failed to normalize queued purchase",
			zap.String("message_id", msg.MessageId),
			zap.Bool("requeue", requeue),
			zap.Error(err))
		if nackErr := msg.Nack(false, requeue); nackErr != nil {
			zap.L().Warn("Failed to nack message", zap.Error(nackErr))
		}
		return
	}

	retry := false
	for _, event := range events {
		if c.reconciler.Process(ctx, event).Retryable {
			retry = true
		}
	}

	if retry {
		if err := msg.Nack(false, true); err != nil {
			zap.L().Warn("Failed to nack message", zap.Error(err))
		}
		return
	}
	if err := msg.Ack(false); err != nil {
		zap.L().Warn("Failed to ack message", zap.Error(err))
	}
}

func (c *QueueConsumer) closeConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Close stops the workers and the broker connection
func (c *QueueConsumer) Close() {
	c.cancel()
	c.closeConnection()
	c.wg.Wait()
	zap.L().Info("Queue consumer closed")
}
