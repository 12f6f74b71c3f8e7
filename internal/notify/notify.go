package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Notifier confirms that an SOS reached the backend. Delivery of the
// confirmation itself is best-effort and never gates queue removal.
type Notifier interface {
	EmergencyDelivered(ctx context.Context, userID, incidentID string) error
}

// Noop is used when no alerting channel is configured.
type Noop struct{}

func (Noop) EmergencyDelivered(context.Context, string, string) error { return nil }

// SESNotifier emails the organization's on-call supervisor when a worker's
// SOS has been durably delivered.
type SESNotifier struct {
	client    *ses.Client
	sender    string
	recipient string
}

func NewSESNotifier(client *ses.Client, sender, recipient string) *SESNotifier {
	return &SESNotifier{client: client, sender: sender, recipient: recipient}
}

func (s *SESNotifier) EmergencyDelivered(ctx context.Context, userID, incidentID string) error {
	tracer := otel.Tracer("ses-notifier")
	ctx, span := tracer.Start(ctx, "send_emergency_alert", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("app.userId", userID))

	input := &ses.SendEmailInput{
		Source: aws.String(s.sender),
		Destination: &types.Destination{
			ToAddresses: []string{s.recipient},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(fmt.Sprintf("SOS delivered for worker %s", userID)),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data: aws.String(fmt.Sprintf("Worker %s triggered an SOS. Incident %s has been created and contact notification is underway.", userID, incidentID)),
				},
			},
		},
	}

	_, err := s.client.SendEmail(ctx, input)
	return err
}
