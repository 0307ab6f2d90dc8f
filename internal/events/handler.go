package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"

	"homeservices-realtime/internal/escalation"
	"homeservices-realtime/internal/metrics"
	"homeservices-realtime/internal/model"
	"homeservices-realtime/internal/repository"
)

// Event types carried on the payments topic.
const (
	TypePaymentFailed    = "payment_failed"
	TypePaymentRecovered = "payment_recovered"
)

// errSkip marks a message that can never succeed; it is committed so the
// partition keeps moving.
var errSkip = errors.New("skip message")

// PaymentEvent is the wire form of a payment collaborator event.
type PaymentEvent struct {
	Type string `json:"type"`
	model.PaymentFailure
}

// EscalationSink receives decoded payment events.
type EscalationSink interface {
	PaymentFailed(ctx context.Context, f model.PaymentFailure) (model.SendOutcome, error)
	PaymentRecovered(ctx context.Context, subjectID string) error
}

type PaymentHandler struct {
	sink EscalationSink
}

func NewPaymentHandler(sink EscalationSink) *PaymentHandler {
	return &PaymentHandler{sink: sink}
}

// Handle applies one message. Errors wrapping errSkip are permanent.
func (h *PaymentHandler) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev PaymentEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		metrics.PaymentEventsConsumed.WithLabelValues("unknown", "malformed").Inc()
		return fmt.Errorf("%w: decode offset %d: %v", errSkip, msg.Offset, err)
	}
	if ev.SubjectID == "" {
		metrics.PaymentEventsConsumed.WithLabelValues(ev.Type, "malformed").Inc()
		return fmt.Errorf("%w: offset %d has no subject id", errSkip, msg.Offset)
	}

	var err error
	switch ev.Type {
	case TypePaymentFailed:
		_, err = h.sink.PaymentFailed(ctx, ev.PaymentFailure)
	case TypePaymentRecovered:
		err = h.sink.PaymentRecovered(ctx, ev.SubjectID)
	default:
		metrics.PaymentEventsConsumed.WithLabelValues("unknown", "ignored").Inc()
		return fmt.Errorf("%w: unknown event type %q", errSkip, ev.Type)
	}

	switch {
	case err == nil:
		metrics.PaymentEventsConsumed.WithLabelValues(ev.Type, "ok").Inc()
		return nil
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, escalation.ErrInvalidArgument):
		metrics.PaymentEventsConsumed.WithLabelValues(ev.Type, "rejected").Inc()
		return fmt.Errorf("%w: %s for %s: %v", errSkip, ev.Type, ev.SubjectID, err)
	default:
		metrics.PaymentEventsConsumed.WithLabelValues(ev.Type, "error").Inc()
		return fmt.Errorf("%s for %s: %w", ev.Type, ev.SubjectID, err)
	}
}
