package events

import (
	"context"
	"errors"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"homeservices-realtime/internal/logging"
)

// MessageHandler processes one Kafka message.
type MessageHandler interface {
	Handle(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// Consumer runs a consumer group over the payments topic.
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler MessageHandler
	log     zerolog.Logger
}

func NewConsumer(opts Options, handler MessageHandler) (*Consumer, error) {
	config, err := SaramaConfig(opts)
	if err != nil {
		return nil, err
	}
	group, err := sarama.NewConsumerGroup(opts.Brokers, opts.GroupID, config)
	if err != nil {
		return nil, err
	}
	return newConsumer(group, []string{opts.Topic}, handler), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, handler MessageHandler) *Consumer {
	return &Consumer{
		group:   group,
		topics:  topics,
		handler: handler,
		log:     logging.Component("events"),
	}
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// Retry settings for transient handler failures (tuned in tests).
var (
	retryBaseDelay = time.Second
	retryMaxDelay  = 30 * time.Second
)

// ConsumeClaim marks a message once it is handled or known to be
// unprocessable. A transient failure is retried in place, so nothing after
// it is marked until it succeeds. If the session ends first the message
// stays uncommitted and is redelivered after the rebalance.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !c.process(session, msg) {
				return nil
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

// process handles msg until it succeeds, is skipped, or the session ends.
// It reports whether msg was marked.
func (c *Consumer) process(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) bool {
	ctx := session.Context()
	delay := retryBaseDelay
	for attempt := 1; ; attempt++ {
		err := c.handler.Handle(ctx, msg)
		switch {
		case err == nil:
			session.MarkMessage(msg, "")
			return true
		case errors.Is(err, errSkip):
			c.log.Warn().Err(err).Str("topic", msg.Topic).Int32("partition", msg.Partition).Int64("offset", msg.Offset).Msg("skipping payment event")
			session.MarkMessage(msg, "")
			return true
		}

		c.log.Error().Err(err).
			Str("topic", msg.Topic).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("payment event failed")
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}

// Run consumes until ctx is cancelled or the group is closed.
func (c *Consumer) Run(ctx context.Context) {
	go func() {
		for err := range c.group.Errors() {
			c.log.Warn().Err(err).Msg("consumer group error")
		}
	}()

	for {
		if err := c.group.Consume(ctx, c.topics, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			c.log.Error().Err(err).Msg("consume failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}
