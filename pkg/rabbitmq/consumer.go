package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"video-search/config"
)

type Consumer[T any] interface {
	Consume(ctx context.Context, dependencies T) error
}

type consumer[T any] struct {
	conn       *amqp.Connection
	cfg        *config.RabbitMQ
	handler    func(ctx context.Context, msg amqp.Delivery, dependencies T) error
	numWorkers int
}

func dlxName(cfg *config.RabbitMQ) string {
	return cfg.ExchangeName + "_dlx"
}

func dlqName(cfg *config.RabbitMQ) string {
	return cfg.QueueName + "_dlq"
}

func dlqRoutingKey(cfg *config.RabbitMQ) string {
	return "dlq." + cfg.RoutingKey
}

// declareTopology sets up the ingest exchange and queue with a dead-letter
// queue behind it. Publisher and consumer both call it.
func declareTopology(ch *amqp.Channel, cfg *config.RabbitMQ) error {
	if err := ch.ExchangeDeclare(cfg.ExchangeName, cfg.Kind, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(dlxName(cfg), cfg.Kind, true, false, false, false, nil); err != nil {
		return err
	}
	dlq, err := ch.QueueDeclare(dlqName(cfg), true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(dlq.Name, dlqRoutingKey(cfg), dlxName(cfg), false, nil); err != nil {
		return err
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    dlxName(cfg),
		"x-dead-letter-routing-key": dlqRoutingKey(cfg),
	}
	q, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, args)
	if err != nil {
		return err
	}
	return ch.QueueBind(q.Name, cfg.RoutingKey, cfg.ExchangeName, false, nil)
}

// Consume runs the worker pool until ctx ends. Shutdown stops new deliveries
// first, lets in-flight messages finish for up to DrainTimeout, then cuts
// them off; cut-off messages are requeued rather than dead-lettered.
func (c consumer[T]) Consume(ctx context.Context, dependencies T) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := declareTopology(ch, c.cfg); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("queue", c.cfg.QueueName).Msg("failed to declare topology")
		return err
	}

	if err := ch.Qos(c.numWorkers, 0, false); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("queue", c.cfg.QueueName).Msg("failed to set QoS")
		return err
	}

	tag := fmt.Sprintf("%s-%s", c.cfg.QueueName, uuid.NewString()[:8])
	deliveries, err := ch.Consume(c.cfg.QueueName, tag, false, false, false, false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("queue", c.cfg.QueueName).Msg("failed to consume queue")
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("queue", c.cfg.QueueName).
		Str("exchange", c.cfg.ExchangeName).
		Str("routing_key", c.cfg.RoutingKey).
		Int("workers", c.numWorkers).
		Msg("ingest consumer started")

	maxTries := c.cfg.MaxRetries
	if maxTries < 1 {
		maxTries = 1
	}

	// handlers outlive ctx until the drain deadline
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWork()

	jobs := make(chan amqp.Delivery, c.numWorkers)
	var wg sync.WaitGroup
	for i := 1; i <= c.numWorkers; i++ {
		wg.Add(1)
		go func(workerId int) {
			defer wg.Done()
			for msg := range jobs {
				if ctx.Err() != nil {
					// received but not started before shutdown
					settle(workCtx, msg, nil, true)
					continue
				}
				operation := func() (struct{}, error) {
					return struct{}{}, c.handler(workCtx, msg, dependencies)
				}

				bo := backoff.NewExponentialBackOff()
				bo.MaxInterval = 10 * time.Second

				_, err := backoff.Retry(workCtx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(maxTries))
				if err != nil {
					zerolog.Ctx(ctx).Error().Err(err).Int("worker_id", workerId).Msg("failed to handle message")
				}
				settle(workCtx, msg, err, err != nil && workCtx.Err() != nil)
			}
		}(i)
	}

	for {
		select {
		case delivery, ok := <-deliveries:
			if !ok {
				close(jobs)
				wg.Wait()
				return nil
			}
			jobs <- delivery
		case <-ctx.Done():
			if err := ch.Cancel(tag, false); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to cancel consumer")
			}
			close(jobs)
			c.drain(ctx, &wg, stopWork)
			return ctx.Err()
		}
	}
}

func (c consumer[T]) drain(ctx context.Context, wg *sync.WaitGroup, stopWork context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(c.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		zerolog.Ctx(ctx).Info().Msg("ingest consumer drained")
	case <-timer.C:
		zerolog.Ctx(ctx).Warn().Dur("drain_timeout", c.cfg.DrainTimeout).Msg("interrupting in-flight messages")
		stopWork()
		<-done
	}
}

// settle acks a handled message. A failed one goes to the dead-letter queue,
// unless shutdown cut it off, in which case it is requeued for another worker.
func settle(ctx context.Context, msg amqp.Delivery, err error, interrupted bool) {
	switch {
	case interrupted:
		if nackErr := msg.Nack(false, true); nackErr != nil {
			zerolog.Ctx(ctx).Error().Err(nackErr).Msg("failed to requeue message")
		}
	case err != nil:
		zerolog.Ctx(ctx).Error().Err(err).Msg("sending message to dlq")
		if nackErr := msg.Nack(false, false); nackErr != nil {
			zerolog.Ctx(ctx).Error().Err(nackErr).Msg("failed to nack message")
		}
	default:
		if ackErr := msg.Ack(false); ackErr != nil {
			zerolog.Ctx(ctx).Error().Err(ackErr).Msg("failed to acknowledge message")
		}
	}
}

func NewConsumer[T any](
	conn *amqp.Connection,
	cfg *config.RabbitMQ,
	numWorkers int,
	handler func(ctx context.Context, msg amqp.Delivery, dependencies T) error,
) Consumer[T] {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &consumer[T]{
		conn:       conn,
		cfg:        cfg,
		handler:    handler,
		numWorkers: numWorkers,
	}
}
