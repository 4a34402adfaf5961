package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"grainwatch/internal/clock"
	"grainwatch/internal/config"
	"grainwatch/internal/domain"
	"grainwatch/internal/notifyqueue"
	"grainwatch/internal/retry"
)

var testFiredAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type captureProducer struct {
	mu   sync.Mutex
	jobs []notifyqueue.Job
	err  error
}

func (p *captureProducer) Enqueue(_ context.Context, job notifyqueue.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *captureProducer) Close() error { return nil }

type flakyChannel struct {
	fails int32
	err   error
	calls int32
}

func (c *flakyChannel) Send(_ context.Context, _ domain.Notification, _ []string) error {
	call := atomic.AddInt32(&c.calls, 1)
	if call <= c.fails {
		return c.err
	}
	return nil
}

func testFiring() Firing {
	between := 20.0
	thresholdHumidity, _ := domain.NewThresholdCondition(domain.MetricHumidity, domain.OperatorBetween, 10, &between)
	changeTemp, _ := domain.NewChangeCondition(domain.MetricTemperature, domain.DirectionIncrease, 5, 48)
	triggerID := "t-1"
	return Firing{
		Alert: domain.Alert{
			ID:        "a-1",
			TriggerID: &triggerID,
			CellID:    "c1",
			Labels: domain.Labels{
				SiteName:      "North",
				CompoundName:  "Yard A",
				CellName:      "Cell 1",
				CommodityType: "WHEAT",
			},
			Severity:  domain.SeverityHigh,
			Metric:    domain.MetricTemperature,
			Value:     32.5,
			Status:    domain.StatusOpen,
			StartedAt: testFiredAt,
		},
		Trigger: domain.Trigger{
			ID:         triggerID,
			Name:       "Hot spot",
			ScopeType:  domain.ScopeCell,
			ScopeID:    "c1",
			Logic:      domain.LogicOr,
			Conditions: []domain.Condition{thresholdHumidity, changeTemp},
			Severity:   domain.SeverityHigh,
			IsActive:   true,
			Actions: []domain.Action{
				{
					Type: domain.ActionEmail,
					Template: domain.Template{
						Subject: map[string]string{"en": "[{severity}] {trigger_name}", "fr": "[{severity}] alerte"},
						Body: map[string]string{
							"en": "{cell_name} at {site_name}/{compound_name} ({commodity_type}): {metric} {value}{unit} over {threshold} at {timestamp}",
							"fr": "{cell_name}: {value}{unit}",
						},
					},
					Recipients: []string{"ops@example.com"},
				},
				{Type: domain.ActionWebhook, WebhookURL: "https://hooks.example.com/grain"},
			},
		},
	}
}

func TestRenderSubstitutesVariablesWithLocaleFallback(t *testing.T) {
	t.Parallel()

	firing := testFiring()
	notification := Render(firing, firing.Trigger.Actions[0], "de")

	if notification.Locale != "en" {
		t.Fatalf("expected fallback locale en, got %q", notification.Locale)
	}
	wantBody := "Cell 1 at North/Yard A (WHEAT): TEMPERATURE 32.5°C over 5 at 2026-03-01T12:00:00Z"
	if notification.Body != wantBody {
		t.Fatalf("body mismatch:\n got=%q\nwant=%q", notification.Body, wantBody)
	}
	if notification.Subject != "[HIGH] Hot spot" {
		t.Fatalf("subject=%q", notification.Subject)
	}
	if len(notification.Recipients) != 1 || notification.Recipients[0] != "ops@example.com" {
		t.Fatalf("recipients=%v", notification.Recipients)
	}

	french := Render(firing, firing.Trigger.Actions[0], "fr")
	if french.Locale != "fr" || french.Body != "Cell 1: 32.5°C" || french.Subject != "[HIGH] alerte" {
		t.Fatalf("unexpected french rendering: %+v", french)
	}
}

func TestThresholdVariableSelection(t *testing.T) {
	t.Parallel()

	firing := testFiring()
	if got := Variables(firing)["threshold"]; got != "5" {
		t.Fatalf("expected CHANGE amount on firing metric, got %q", got)
	}

	firing.Alert.Metric = domain.MetricHumidity
	if got := Variables(firing)["threshold"]; got != "10-20" {
		t.Fatalf("expected BETWEEN bounds, got %q", got)
	}

	firing.Alert.Metric = domain.MetricEMC
	if got := Variables(firing)["threshold"]; got != "10-20" {
		t.Fatalf("expected first condition fallback, got %q", got)
	}
}

func TestDispatchEnqueuesOneJobPerAction(t *testing.T) {
	t.Parallel()

	producer := &captureProducer{}
	dispatcher := NewDispatcher(producer, "en", clock.NewManual(testFiredAt), nil)
	firing := testFiring()

	if err := dispatcher.Dispatch(context.Background(), firing); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(producer.jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(producer.jobs))
	}
	email, webhook := producer.jobs[0], producer.jobs[1]
	if email.Channel != domain.ActionEmail || email.ActionIndex != 0 || email.AlertID != "a-1" || email.TriggerID != "t-1" {
		t.Fatalf("unexpected email job: %+v", email)
	}
	if email.ID != notifyqueue.BuildJobID("a-1", 0, domain.ActionEmail) {
		t.Fatalf("unexpected job id %q", email.ID)
	}
	if webhook.Channel != domain.ActionWebhook || webhook.Notification.WebhookURL != "https://hooks.example.com/grain" {
		t.Fatalf("unexpected webhook job: %+v", webhook)
	}
	if webhook.Notification.Variables["cell_name"] != "Cell 1" {
		t.Fatalf("webhook variables missing: %+v", webhook.Notification.Variables)
	}
	if !email.CreatedAt.Equal(testFiredAt) {
		t.Fatalf("created_at=%s", email.CreatedAt)
	}
}

func TestDispatchReportsEnqueueFailure(t *testing.T) {
	t.Parallel()

	producer := &captureProducer{err: notifyqueue.ErrQueueFull}
	dispatcher := NewDispatcher(producer, "en", nil, nil)
	err := dispatcher.Dispatch(context.Background(), testFiring())
	if !errors.Is(err, notifyqueue.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func testRetryConfig() config.NotifyRetry {
	return config.NotifyRetry{MaxAttempts: 3, InitialMS: 1, Multiplier: 2, MaxMS: 5}
}

func TestDelivererRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	channel := &flakyChannel{fails: 2, err: errors.New("gateway busy")}
	deliverer := NewDeliverer(Registry{domain.ActionSMS: channel}, testRetryConfig(), nil)

	err := deliverer.Deliver(context.Background(), notifyqueue.Job{ID: "j1", Channel: domain.ActionSMS})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := atomic.LoadInt32(&channel.calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestDelivererExhaustionIsPermanent(t *testing.T) {
	t.Parallel()

	channel := &flakyChannel{fails: 10, err: errors.New("gateway down")}
	deliverer := NewDeliverer(Registry{domain.ActionSMS: channel}, testRetryConfig(), nil)

	err := deliverer.Deliver(context.Background(), notifyqueue.Job{ID: "j1", Channel: domain.ActionSMS})
	if err == nil || !retry.IsPermanent(err) {
		t.Fatalf("expected permanent error after exhaustion, got %v", err)
	}
	if got := atomic.LoadInt32(&channel.calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestDelivererDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	channel := &flakyChannel{fails: 10, err: &StatusError{Backend: "webhook", Code: http.StatusBadRequest}}
	deliverer := NewDeliverer(Registry{domain.ActionWebhook: channel}, testRetryConfig(), nil)

	if err := deliverer.Deliver(context.Background(), notifyqueue.Job{ID: "j1", Channel: domain.ActionWebhook}); err == nil {
		t.Fatalf("expected error")
	}
	if got := atomic.LoadInt32(&channel.calls); got != 1 {
		t.Fatalf("expected single attempt for 4xx, got %d", got)
	}
}

func TestDelivererUnknownChannel(t *testing.T) {
	t.Parallel()

	deliverer := NewDeliverer(Registry{}, testRetryConfig(), nil)
	err := deliverer.Deliver(context.Background(), notifyqueue.Job{ID: "j1", Channel: domain.ActionPush})
	if !retry.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestStatusErrorRetryable(t *testing.T) {
	t.Parallel()

	cases := map[int]bool{
		http.StatusBadRequest:          false,
		http.StatusNotFound:            false,
		http.StatusRequestTimeout:      true,
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusBadGateway:          true,
	}
	for code, want := range cases {
		if got := (&StatusError{Code: code}).Retryable(); got != want {
			t.Fatalf("code %d: retryable=%v want %v", code, got, want)
		}
	}
}

func TestRelayChannelSend(t *testing.T) {
	t.Parallel()

	var received relayPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method=%s", r.Method)
		}
		if r.Header.Get("X-Test") != "1" {
			t.Errorf("missing custom header")
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	channel := NewRelayChannel(config.ChannelConfig{
		URL:        server.URL,
		Method:     http.MethodPut,
		TimeoutSec: 2,
		Headers:    map[string]string{"X-Test": "1"},
	})
	err := channel.Send(context.Background(), domain.Notification{
		AlertID: "a-1",
		Channel: domain.ActionSMS,
		Body:    "Cell 1 hot",
	}, []string{"+15550100"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if received.AlertID != "a-1" || received.Body != "Cell 1 hot" || received.Channel != domain.ActionSMS {
		t.Fatalf("unexpected payload: %+v", received)
	}
	if len(received.Recipients) != 1 || received.Recipients[0] != "+15550100" {
		t.Fatalf("recipients=%v", received.Recipients)
	}
}

func TestWebhookChannelSendAndStatusError(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		received []webhookPayload
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload webhookPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		mu.Lock()
		received = append(received, payload)
		mu.Unlock()
		if r.URL.Path == "/reject" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte("bad alert"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel := NewWebhookChannel(config.ChannelConfig{TimeoutSec: 2})
	notification := domain.Notification{
		AlertID:     "a-1",
		TriggerID:   "t-1",
		TriggerName: "Hot spot",
		CellID:      "c1",
		Severity:    domain.SeverityCritical,
		WebhookURL:  server.URL + "/ok",
		Variables:   map[string]string{"value": "31"},
	}
	if err := channel.Send(context.Background(), notification, nil); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	notification.WebhookURL = server.URL + "/reject"
	err := channel.Send(context.Background(), notification, nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Code != http.StatusUnprocessableEntity || statusErr.Body != "bad alert" || statusErr.Retryable() {
		t.Fatalf("unexpected status error: %+v", statusErr)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 || received[0].Variables["value"] != "31" || received[0].Severity != domain.SeverityCritical {
		t.Fatalf("unexpected payloads: %+v", received)
	}

	notification.WebhookURL = ""
	if err := channel.Send(context.Background(), notification, nil); !retry.IsPermanent(err) {
		t.Fatalf("expected permanent error for empty url, got %v", err)
	}
}

func TestTelegramChannelSend(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		chats []string
		texts []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(2 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		mu.Lock()
		chats = append(chats, r.FormValue("chat_id"))
		texts = append(texts, r.FormValue("text"))
		messageID := 100 + len(chats)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":1,"chat":{"id":1,"type":"private"}}}`, messageID)
	}))
	defer server.Close()

	channel, err := NewTelegramChannel(config.TelegramNotifier{BotToken: "token", ChatID: "ops", APIBase: server.URL})
	if err != nil {
		t.Fatalf("new telegram channel: %v", err)
	}
	notification := domain.Notification{Subject: "[HIGH] Hot spot", Body: "Cell 1 at 31°C"}
	if err := channel.Send(context.Background(), notification, nil); err != nil {
		t.Fatalf("send default chat: %v", err)
	}
	if err := channel.Send(context.Background(), notification, []string{"12345", "@grain_ops"}); err != nil {
		t.Fatalf("send recipients: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(chats) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(chats))
	}
	if chats[0] != "ops" || chats[1] != "12345" || chats[2] != "@grain_ops" {
		t.Fatalf("chats=%v", chats)
	}
	if texts[0] != "[HIGH] Hot spot\nCell 1 at 31°C" {
		t.Fatalf("text=%q", texts[0])
	}
}

func TestNewTelegramChannelRequiresCredentials(t *testing.T) {
	t.Parallel()

	if _, err := NewTelegramChannel(config.TelegramNotifier{ChatID: "ops"}); err == nil {
		t.Fatalf("expected missing token error")
	}
	if _, err := NewTelegramChannel(config.TelegramNotifier{BotToken: "token"}); err == nil {
		t.Fatalf("expected missing chat error")
	}
}

func TestNewRegistryBackends(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry(config.NotifyConfig{
		Email:   config.ChannelConfig{Backend: config.BackendHTTP, URL: "http://relay.local/email"},
		SMS:     config.ChannelConfig{Backend: config.BackendLog},
		Push:    config.ChannelConfig{Backend: config.BackendTelegram},
		Webhook: config.ChannelConfig{Backend: config.BackendWebhook},
		Telegram: config.TelegramNotifier{
			BotToken: "token",
			ChatID:   "ops",
			APIBase:  "http://127.0.0.1:1",
		},
	}, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if _, ok := registry[domain.ActionEmail].(*RelayChannel); !ok {
		t.Fatalf("email channel type %T", registry[domain.ActionEmail])
	}
	if _, ok := registry[domain.ActionSMS].(*LogChannel); !ok {
		t.Fatalf("sms channel type %T", registry[domain.ActionSMS])
	}
	if _, ok := registry[domain.ActionPush].(*TelegramChannel); !ok {
		t.Fatalf("push channel type %T", registry[domain.ActionPush])
	}
	if _, ok := registry[domain.ActionWebhook].(*WebhookChannel); !ok {
		t.Fatalf("webhook channel type %T", registry[domain.ActionWebhook])
	}

	if _, err := NewRegistry(config.NotifyConfig{Email: config.ChannelConfig{Backend: "smtp"}}, nil); err == nil {
		t.Fatalf("expected unsupported backend error")
	}
}
