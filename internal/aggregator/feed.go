package aggregator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"safeping.service/pkg/logger"
	"safeping.service/pkg/telemetry"
)

type SQSClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Consumer polls the change-feed queue and folds row-change events into
// the aggregator. Events are applied sequentially; the projection
// tolerates duplicates and reordering, so a plain delete-after-handle
// loop is enough.
type Consumer struct {
	client   SQSClient
	queueURL string
	agg      *Aggregator
}

// NewConsumer creates a feed consumer bound to one aggregator.
func NewConsumer(client SQSClient, url string, agg *Aggregator) *Consumer {
	return &Consumer{
		client:   client,
		queueURL: url,
		agg:      agg,
	}
}

// Run polls the feed queue until the context is canceled. Receive
// failures flip the aggregator to disconnected and back off
// exponentially; the poll loop itself never gives up.
func (c *Consumer) Run(ctx context.Context) {
	log.Info().Str("queue_url", c.queueURL).Msg("Feed consumer started. Polling for events...")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Feed consumer shutting down...")
			return
		default:
		}

		output, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              &c.queueURL,
			MaxNumberOfMessages:   10,
			WaitTimeSeconds:       20,
			MessageAttributeNames: []string{"All"}, // Request attributes to get trace context
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.agg.MarkDisconnected()
			wait := bo.NextBackOff()
			log.Error().Err(err).
				Dur("retry_in", wait).
				Int64("reconnect_attempts", c.agg.ReconnectAttempts()).
				Msg("Feed receive failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		c.agg.MarkConnected()
		bo.Reset()

		for _, msg := range output.Messages {
			c.handleMessage(ctx, msg)
		}
	}
}

// handleMessage applies one feed event and deletes the message. A
// malformed body is deleted too: redelivery cannot fix it.
func (c *Consumer) handleMessage(ctx context.Context, msg types.Message) {
	ctx, span := telemetry.StartSpanFromSQSMessage(ctx, msg)
	defer span.End()

	ctx = logger.EnrichContextWithLogger(ctx)

	if msg.Body == nil {
		log.Ctx(ctx).Error().Msg("Feed message has no body")
	} else {
		var ev ChangeEvent
		if err := json.Unmarshal([]byte(*msg.Body), &ev); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("Malformed feed event, dropping")
		} else {
			log.Ctx(ctx).Debug().
				Str("event_type", ev.Type).
				Str("table", ev.Table).
				Msg("Applying feed event")
			c.agg.HandleEvent(ctx, ev)
		}
	}

	if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.queueURL,
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("Failed to delete feed message")
	}
}
