package dispatch

import (
	"context"
	crand "crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"homeservices-realtime/internal/logging"
	"homeservices-realtime/internal/model"
)

// ChannelProvider is the strategy behind the Dispatcher. Implementations
// return a provider message id on success.
type ChannelProvider interface {
	Name() string
	Configured(ch model.Channel) bool
	SendSMS(ctx context.Context, to, body string) (string, error)
	SendEmail(ctx context.Context, to, subject, body string) (string, error)
}

// NullProvider is selected when no provider credentials are configured.
type NullProvider struct{}

func (NullProvider) Name() string                  { return "null" }
func (NullProvider) Configured(model.Channel) bool { return false }

func (NullProvider) SendSMS(context.Context, string, string) (string, error) {
	return "", ErrChannelNotConfigured
}

func (NullProvider) SendEmail(context.Context, string, string, string) (string, error) {
	return "", ErrChannelNotConfigured
}

// Retry settings (can be tuned in tests)
var (
	providerMaxRetries  = 3
	providerBaseBackoff = 200 * time.Millisecond
	providerJitter      = 50 * time.Millisecond
)

// sleepHook is used in tests to avoid sleeping for real
var sleepHook = time.Sleep

// sendMailHook allows tests to override SMTP sending behavior.
var sendMailHook = smtp.SendMail

// LiveConfig holds provider credentials.
type LiveConfig struct {
	SMSEndpoint  string
	SMSAccountID string
	SMSAuthToken string
	SMSFrom      string

	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	SMTPFrom string
}

// LiveProvider sends SMS through an HTTP messaging API (form-encoded POST
// with basic auth) and email over SMTP.
type LiveProvider struct {
	cfg    LiveConfig
	client *http.Client
}

func NewLiveProvider(cfg LiveConfig) *LiveProvider {
	return &LiveProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewProvider picks the strategy once at startup: a LiveProvider when any
// channel has credentials, otherwise the NullProvider.
func NewProvider(cfg LiveConfig) ChannelProvider {
	p := NewLiveProvider(cfg)
	if !p.Configured(model.ChannelSMS) && !p.Configured(model.ChannelEmail) {
		logging.Get().Warn().Msg("no SMS or email provider configured, notifications will be logged only")
		return NullProvider{}
	}
	return p
}

func (p *LiveProvider) Name() string { return "live" }

func (p *LiveProvider) Configured(ch model.Channel) bool {
	switch ch {
	case model.ChannelSMS:
		return p.cfg.SMSEndpoint != "" && p.cfg.SMSFrom != ""
	case model.ChannelEmail:
		return p.cfg.SMTPHost != "" && p.cfg.SMTPFrom != ""
	}
	return false
}

type smsResponse struct {
	SID     string `json:"sid"`
	Message string `json:"message"`
}

func (p *LiveProvider) SendSMS(ctx context.Context, to, body string) (string, error) {
	var id string
	err := withRetries(ctx, "sms", func() error {
		var err error
		id, err = p.postSMS(ctx, to, body)
		return err
	})
	return id, err
}

func (p *LiveProvider) postSMS(ctx context.Context, to, body string) (string, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", p.cfg.SMSFrom)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.SMSEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrProviderSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if p.cfg.SMSAccountID != "" {
		req.SetBasicAuth(p.cfg.SMSAccountID, p.cfg.SMSAuthToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	var out smsResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("%w: status %d %s", ErrProviderSendFailed, resp.StatusCode, out.Message)
	}
	return out.SID, nil
}

func (p *LiveProvider) SendEmail(ctx context.Context, to, subject, body string) (string, error) {
	id := ulid.Make().String()
	addr := fmt.Sprintf("%s:%d", p.cfg.SMTPHost, p.cfg.SMTPPort)
	var auth smtp.Auth
	if p.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", p.cfg.SMTPUser, p.cfg.SMTPPass, p.cfg.SMTPHost)
	}
	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMessage-ID: <%s@%s>\r\n\r\n%s",
		p.cfg.SMTPFrom, to, subject, id, p.cfg.SMTPHost, body,
	)

	err := withRetries(ctx, "email", func() error {
		if err := sendMailHook(addr, auth, p.cfg.SMTPFrom, []string{to}, []byte(msg)); err != nil {
			return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// withRetries retries fn with exponential backoff while it reports the
// provider as unavailable. Permanent failures return immediately.
func withRetries(ctx context.Context, name string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= providerMaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil || !errors.Is(lastErr, ErrProviderUnavailable) {
			return lastErr
		}
		logging.Get().Warn().Err(lastErr).Str("provider", name).Int("attempt", attempt).Msg("provider attempt failed")
		if attempt == providerMaxRetries {
			break
		}
		slept := make(chan struct{})
		go func(d time.Duration) {
			sleepHook(d)
			close(slept)
		}(backoffDuration(attempt))
		select {
		case <-slept:
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrProviderUnavailable, ctx.Err())
		}
	}
	return lastErr
}

func backoffDuration(attempt int) time.Duration {
	d := providerBaseBackoff * time.Duration(1<<uint(attempt-1))
	if providerJitter > 0 {
		if n, err := crand.Int(crand.Reader, big.NewInt(int64(providerJitter))); err == nil {
			d += time.Duration(n.Int64())
		}
	}
	return d
}
