package e2e

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"grainwatch/internal/domain"
	"grainwatch/test/testutil"
)

func TestSingleModeAlertLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("e2e test skipped in short mode")
	}
	webhook := &webhookSink{}
	webhookServer := httptest.NewServer(webhook)
	defer webhookServer.Close()

	port, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	service, _ := newServiceFromConfig(t, e2eSingleConfig(port, webhookServer.URL+"/hook"))
	cancel, done := runService(t, service)
	defer func() {
		cancel()
		waitServiceStop(t, done)
	}()
	waitReady(t, baseURL)

	base := time.Now().UTC().Truncate(time.Second).Add(-time.Minute)
	if code := postJSON(t, baseURL+"/ingest", "", reading("AA:01", 34, base)); code != http.StatusAccepted {
		t.Fatalf("ingest status %d", code)
	}
	if code := postJSON(t, baseURL+"/ingest", "", reading("AA:02", 20, base)); code != http.StatusAccepted {
		t.Fatalf("ingest status %d", code)
	}

	var opened domain.Alert
	waitFor(t, 5*time.Second, func() bool {
		items := listAlerts(t, baseURL, "status=OPEN")
		if len(items) == 1 {
			opened = items[0]
			return true
		}
		return false
	})
	if opened.CellID != "c1" || opened.Labels.CompoundName != "Yard A" || opened.Value != 34 {
		t.Fatalf("unexpected alert: %+v", opened)
	}
	waitFor(t, 5*time.Second, func() bool { return len(webhook.deliveries()) == 1 })

	alertURL := baseURL + "/api/alerts/" + opened.ID
	if code := postJSON(t, alertURL+"/acknowledge", "operator-1", ""); code != http.StatusOK {
		t.Fatalf("acknowledge status %d", code)
	}
	if code := postJSON(t, alertURL+"/status", "operator-1", `{"status":"OPEN"}`); code != http.StatusConflict {
		t.Fatalf("expected ACKNOWLEDGED -> OPEN conflict, got %d", code)
	}
	if code := postJSON(t, alertURL+"/status", "operator-1", `{"status":"IN_PROGRESS"}`); code != http.StatusOK {
		t.Fatalf("in progress status %d", code)
	}

	if code := postJSON(t, baseURL+"/ingest", "", reading("AA:01", 25, base.Add(10*time.Second))); code != http.StatusAccepted {
		t.Fatalf("ingest status %d", code)
	}
	waitFor(t, 5*time.Second, func() bool {
		items := listAlerts(t, baseURL, "status=RESOLVED&cellId=c1")
		return len(items) == 1 && items[0].ID == opened.ID && items[0].AssigneeID == "operator-1"
	})

	if code := postJSON(t, baseURL+"/ingest", "", reading("AA:01", 36, base.Add(20*time.Second))); code != http.StatusAccepted {
		t.Fatalf("ingest status %d", code)
	}
	waitFor(t, 5*time.Second, func() bool {
		items := listAlerts(t, baseURL, "status=OPEN&cellId=c1")
		return len(items) == 1 && items[0].ID != opened.ID
	})
	waitFor(t, 5*time.Second, func() bool { return len(webhook.deliveries()) == 2 })
	if deliveries := webhook.deliveries(); deliveries[0] == deliveries[1] {
		t.Fatalf("expected deliveries for two distinct alerts, got %v", deliveries)
	}

	response, err := http.Get(baseURL + "/api/alerts/export.xlsx?cellId=c1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	_ = response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("export status %d", response.StatusCode)
	}
}
