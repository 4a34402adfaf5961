package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"grainwatch/internal/app"
	"grainwatch/internal/clock"
	"grainwatch/internal/config"
	"grainwatch/internal/domain"
)

// newServiceFromConfig writes config to a temp file and creates Service from it.
// Params: test handle and TOML content.
// Returns: initialized service instance and config path.
func newServiceFromConfig(t *testing.T, content string) (*app.Service, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "grainwatch.toml")
	writeConfig(t, path, content)
	source, err := config.FromCLI(path, "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	service, err := app.NewService(context.Background(), source, clock.RealClock{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service, path
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// runService starts service in background with cancellable context.
// Params: test handle and initialized service.
// Returns: cancel callback and done channel with Run result.
func runService(t *testing.T, service *app.Service) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx)
	}()
	return cancel, done
}

// waitReady waits for /readyz endpoint to return 200.
func waitReady(t *testing.T, baseURL string) {
	t.Helper()
	waitFor(t, 8*time.Second, func() bool {
		response, err := http.Get(baseURL + "/readyz")
		if err != nil {
			return false
		}
		defer response.Body.Close()
		return response.StatusCode == http.StatusOK
	})
}

// waitServiceStop asserts service Run exits without error after cancellation.
func waitServiceStop(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case runErr := <-done:
		if runErr != nil {
			t.Fatalf("service run error: %v", runErr)
		}
	case <-time.After(8 * time.Second):
		t.Fatalf("service did not stop after cancel")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// listAlerts fetches alerts through the HTTP API.
func listAlerts(t *testing.T, baseURL, query string) []domain.Alert {
	t.Helper()
	response, err := http.Get(baseURL + "/api/alerts?" + query)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(response.Body)
		t.Fatalf("list alerts status %d: %s", response.StatusCode, body)
	}
	var payload struct {
		Items []domain.Alert `json:"items"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("decode alerts: %v", err)
	}
	return payload.Items
}

// postJSON sends body and returns status code.
func postJSON(t *testing.T, target, actor, body string) int {
	t.Helper()
	request, err := http.NewRequest(http.MethodPost, target, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if actor != "" {
		request.Header.Set("X-Actor-Id", actor)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("post %s: %v", target, err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)
	return response.StatusCode
}

// webhookSink records webhook deliveries by alert id.
type webhookSink struct {
	mu       sync.Mutex
	alertIDs []string
}

func (s *webhookSink) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	var payload struct {
		AlertID string `json:"alertId"`
	}
	_ = json.NewDecoder(request.Body).Decode(&payload)
	s.mu.Lock()
	s.alertIDs = append(s.alertIDs, payload.AlertID)
	s.mu.Unlock()
	writer.WriteHeader(http.StatusNoContent)
}

func (s *webhookSink) deliveries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.alertIDs...)
}

func reading(sensor string, temperature float64, at time.Time) string {
	return fmt.Sprintf(`{"sensorId":%q,"temperature":%g,"recordedAt":%q}`, sensor, temperature, at.UTC().Format(time.RFC3339))
}
