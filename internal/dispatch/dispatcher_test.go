package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"homeservices-realtime/internal/model"
)

func init() {
	sleepHook = func(time.Duration) {}
	providerJitter = 0
}

func TestValidateRecipient(t *testing.T) {
	tests := []struct {
		phone string
		want  bool
	}{
		{"+14155552671", true},
		{"+442071838750", true},
		{"+1", true},
		{"+12345678901234", true},
		{"+123456789012345", false},
		{"4155552671", false},
		{"+0123", false},
		{"+", false},
		{"", false},
		{"+1 415 555 2671", false},
		{"+1415555267a", false},
	}
	for _, tt := range tests {
		if got := ValidateRecipient(tt.phone); got != tt.want {
			t.Errorf("ValidateRecipient(%q) = %v, want %v", tt.phone, got, tt.want)
		}
	}
}

type fakeProvider struct {
	sms, email bool
	err        error
	panics     bool
	calls      []string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Configured(ch model.Channel) bool {
	if ch == model.ChannelSMS {
		return f.sms
	}
	return f.email
}

func (f *fakeProvider) SendSMS(ctx context.Context, to, body string) (string, error) {
	if f.panics {
		panic("boom")
	}
	f.calls = append(f.calls, "sms:"+to)
	return "SM1", f.err
}

func (f *fakeProvider) SendEmail(ctx context.Context, to, subject, body string) (string, error) {
	f.calls = append(f.calls, "email:"+to)
	return "EM1", f.err
}

func TestDispatcherUnconfigured(t *testing.T) {
	d := New(NullProvider{})
	res := d.SendSMS(context.Background(), "+14155552671", "hi")
	if res.Success || res.Error != "channel not configured" {
		t.Fatalf("sms result = %+v", res)
	}
	res = d.SendEmail(context.Background(), "a@example.com", "s", "b")
	if res.Success || res.Error != "channel not configured" {
		t.Fatalf("email result = %+v", res)
	}
}

func TestDispatcherNilProviderIsNull(t *testing.T) {
	d := New(nil)
	if d.Configured(model.ChannelSMS) || d.Configured(model.ChannelEmail) {
		t.Fatal("nil provider should behave like NullProvider")
	}
}

func TestDispatcherInvalidRecipient(t *testing.T) {
	p := &fakeProvider{sms: true, email: true}
	d := New(p)
	if res := d.SendSMS(context.Background(), "4155552671", "hi"); res.Success || res.Error != ErrInvalidRecipient.Error() {
		t.Fatalf("sms result = %+v", res)
	}
	if res := d.SendEmail(context.Background(), "not-an-email", "s", "b"); res.Success {
		t.Fatalf("email result = %+v", res)
	}
	if len(p.calls) != 0 {
		t.Fatalf("provider should not be called: %v", p.calls)
	}
}

func TestDispatcherSuccessAndFailure(t *testing.T) {
	p := &fakeProvider{sms: true, email: true}
	d := New(p)
	res := d.SendSMS(context.Background(), "+14155552671", "hi")
	if !res.Success || res.ProviderID != "SM1" {
		t.Fatalf("sms result = %+v", res)
	}

	p.err = ErrProviderSendFailed
	res = d.SendEmail(context.Background(), "a@example.com", "s", "b")
	if res.Success || !strings.Contains(res.Error, "provider send failed") {
		t.Fatalf("email result = %+v", res)
	}
}

func TestDispatcherRecoversProviderPanic(t *testing.T) {
	d := New(&fakeProvider{sms: true, panics: true})
	res := d.SendSMS(context.Background(), "+14155552671", "hi")
	if res.Success || !strings.Contains(res.Error, "panic") {
		t.Fatalf("result = %+v", res)
	}
}

func TestNewProviderSelection(t *testing.T) {
	if _, ok := NewProvider(LiveConfig{}).(NullProvider); !ok {
		t.Fatal("expected NullProvider without credentials")
	}
	p := NewProvider(LiveConfig{SMTPHost: "smtp.example.com", SMTPFrom: "billing@example.com"})
	live, ok := p.(*LiveProvider)
	if !ok {
		t.Fatalf("expected LiveProvider, got %T", p)
	}
	if live.Configured(model.ChannelSMS) || !live.Configured(model.ChannelEmail) {
		t.Fatal("only email should be configured")
	}
}

func TestLiveProviderSMS(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC1" || pass != "secret" {
			t.Errorf("unexpected basic auth %q %q", user, pass)
		}
		if r.Form.Get("To") != "+14155552671" || r.Form.Get("From") != "+15005550006" || r.Form.Get("Body") != "hello" {
			t.Errorf("unexpected form: %v", r.Form)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM123"}`))
	}))
	defer server.Close()

	p := NewLiveProvider(LiveConfig{SMSEndpoint: server.URL, SMSAccountID: "AC1", SMSAuthToken: "secret", SMSFrom: "+15005550006"})
	id, err := p.SendSMS(context.Background(), "+14155552671", "hello")
	if err != nil {
		t.Fatalf("SendSMS: %v", err)
	}
	if id != "SM123" {
		t.Fatalf("id = %q", id)
	}
}

func TestLiveProviderSMSRetriesUnavailable(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := NewLiveProvider(LiveConfig{SMSEndpoint: server.URL, SMSFrom: "+15005550006"})
	_, err := p.SendSMS(context.Background(), "+14155552671", "hello")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("err = %v, want ErrProviderUnavailable", err)
	}
	if calls != providerMaxRetries {
		t.Fatalf("calls = %d, want %d", calls, providerMaxRetries)
	}
}

func TestLiveProviderSMSRejectedIsNotRetried(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"invalid To"}`))
	}))
	defer server.Close()

	p := NewLiveProvider(LiveConfig{SMSEndpoint: server.URL, SMSFrom: "+15005550006"})
	_, err := p.SendSMS(context.Background(), "+14155552671", "hello")
	if !errors.Is(err, ErrProviderSendFailed) {
		t.Fatalf("err = %v, want ErrProviderSendFailed", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestLiveProviderEmail(t *testing.T) {
	orig := sendMailHook
	defer func() { sendMailHook = orig }()

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg string
	sendMailHook = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, string(msg)
		return nil
	}

	p := NewLiveProvider(LiveConfig{SMTPHost: "smtp.example.com", SMTPPort: 2525, SMTPUser: "u", SMTPPass: "p", SMTPFrom: "billing@example.com"})
	id, err := p.SendEmail(context.Background(), "jo@example.com", "Payment failed", "Please update your card.")
	if err != nil {
		t.Fatalf("SendEmail: %v", err)
	}
	if id == "" {
		t.Fatal("expected a message id")
	}
	if gotAddr != "smtp.example.com:2525" || gotFrom != "billing@example.com" || len(gotTo) != 1 || gotTo[0] != "jo@example.com" {
		t.Fatalf("unexpected envelope: %s %s %v", gotAddr, gotFrom, gotTo)
	}
	if !strings.Contains(gotMsg, "Subject: Payment failed") || !strings.Contains(gotMsg, id) {
		t.Fatalf("unexpected message: %q", gotMsg)
	}
}

func TestLiveProviderEmailRetries(t *testing.T) {
	orig := sendMailHook
	defer func() { sendMailHook = orig }()

	calls := 0
	sendMailHook = func(string, smtp.Auth, string, []string, []byte) error {
		calls++
		if calls < 2 {
			return errors.New("connection refused")
		}
		return nil
	}
	p := NewLiveProvider(LiveConfig{SMTPHost: "smtp.example.com", SMTPPort: 25, SMTPFrom: "billing@example.com"})
	if _, err := p.SendEmail(context.Background(), "jo@example.com", "s", "b"); err != nil {
		t.Fatalf("SendEmail: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}
