// Package dispatch sends SMS and email through a pluggable provider and
// reports the outcome as a value. Nothing in this package returns an error
// to the caller's workflow.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"

	"homeservices-realtime/internal/logging"
	"homeservices-realtime/internal/metrics"
	"homeservices-realtime/internal/model"
)

var (
	ErrChannelNotConfigured = errors.New("channel not configured")
	ErrProviderUnavailable  = errors.New("provider unavailable")
	ErrProviderSendFailed   = errors.New("provider send failed")
	ErrInvalidRecipient     = errors.New("invalid recipient")
)

// e164 is '+' followed by 1-14 digits, the first of which is 1-9.
var e164 = regexp.MustCompile(`^\+[1-9][0-9]{0,13}$`)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// ValidateRecipient reports whether phone is an E.164 number.
func ValidateRecipient(phone string) bool {
	return e164.MatchString(phone)
}

func validEmail(addr string) bool {
	return len(addr) <= 254 && emailRegex.MatchString(addr)
}

// Dispatcher is the single entry point for outbound SMS and email.
type Dispatcher struct {
	provider ChannelProvider
	log      zerolog.Logger
}

func New(provider ChannelProvider) *Dispatcher {
	if provider == nil {
		provider = NullProvider{}
	}
	return &Dispatcher{
		provider: provider,
		log:      logging.Component("dispatch"),
	}
}

// Configured reports whether the provider can deliver on ch.
func (d *Dispatcher) Configured(ch model.Channel) bool {
	return d.provider.Configured(ch)
}

// SendSMS sends body to an E.164 recipient.
func (d *Dispatcher) SendSMS(ctx context.Context, to, body string) model.Result {
	if !ValidateRecipient(to) {
		return d.fail(model.ChannelSMS, to, ErrInvalidRecipient)
	}
	if !d.provider.Configured(model.ChannelSMS) {
		return d.unconfigured(model.ChannelSMS, to, body)
	}
	return d.send(model.ChannelSMS, to, func() (string, error) {
		return d.provider.SendSMS(ctx, to, body)
	})
}

// SendEmail sends a plain-text email.
func (d *Dispatcher) SendEmail(ctx context.Context, to, subject, body string) model.Result {
	if !validEmail(to) {
		return d.fail(model.ChannelEmail, to, ErrInvalidRecipient)
	}
	if !d.provider.Configured(model.ChannelEmail) {
		return d.unconfigured(model.ChannelEmail, to, subject)
	}
	return d.send(model.ChannelEmail, to, func() (string, error) {
		return d.provider.SendEmail(ctx, to, subject, body)
	})
}

func (d *Dispatcher) send(ch model.Channel, to string, fn func() (string, error)) (res model.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = d.fail(ch, to, fmt.Errorf("%w: provider panic: %v", ErrProviderSendFailed, r))
		}
	}()

	id, err := fn()
	if err != nil {
		return d.fail(ch, to, err)
	}
	metrics.NotificationsSent.WithLabelValues(string(ch), "success").Inc()
	d.log.Debug().
		Str("channel", string(ch)).
		Str("provider", d.provider.Name()).
		Str("provider_id", id).
		Msg("notification sent")
	return model.Result{Success: true, ProviderID: id}
}

func (d *Dispatcher) unconfigured(ch model.Channel, to, summary string) model.Result {
	metrics.NotificationsSent.WithLabelValues(string(ch), "unconfigured").Inc()
	d.log.Info().
		Str("channel", string(ch)).
		Str("recipient", to).
		Str("summary", summary).
		Msg("channel not configured, message logged only")
	return model.Result{Success: false, Error: ErrChannelNotConfigured.Error()}
}

func (d *Dispatcher) fail(ch model.Channel, to string, err error) model.Result {
	metrics.NotificationsSent.WithLabelValues(string(ch), "failure").Inc()
	d.log.Warn().Err(err).Str("channel", string(ch)).Str("recipient", to).Msg("notification failed")
	return model.Result{Success: false, Error: err.Error()}
}
