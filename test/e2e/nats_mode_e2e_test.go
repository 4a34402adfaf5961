package e2e

import (
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"grainwatch/internal/domain"
	"grainwatch/test/testutil"
)

func TestNATSModeIngestDeliveryAndTriggerDeletion(t *testing.T) {
	if testing.Short() {
		t.Skip("e2e test skipped in short mode")
	}
	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	webhook := &webhookSink{}
	webhookServer := httptest.NewServer(webhook)
	defer webhookServer.Close()
	hookURL := webhookServer.URL + "/hook"

	port, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	service, configPath := newServiceFromConfig(t, e2eNATSConfig(port, natsURL, hookURL, hotTrigger("hot", hookURL), hotTrigger("hot2", hookURL)))
	cancel, done := runService(t, service)
	defer func() {
		cancel()
		waitServiceStop(t, done)
	}()
	waitReady(t, baseURL)

	nc, js := testutil.ConnectJetStream(t, natsURL)
	at := time.Now().UTC().Truncate(time.Second)
	if _, err := js.Publish("e2e.readings", []byte(reading("AA:02", 33, at))); err != nil {
		t.Fatalf("publish reading: %v", err)
	}

	waitFor(t, 8*time.Second, func() bool {
		return len(listAlerts(t, baseURL, "cellId=c2&status=OPEN")) == 2
	})
	waitFor(t, 8*time.Second, func() bool { return len(webhook.deliveries()) == 2 })

	writeConfig(t, configPath, e2eNATSConfig(port, natsURL, hookURL, hotTrigger("hot", hookURL)))
	if err := nc.Publish("e2e.catalog.changes", []byte(`{"kind":"trigger","id":"hot2"}`)); err != nil {
		t.Fatalf("publish change: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var detached domain.Alert
	waitFor(t, 8*time.Second, func() bool {
		for _, item := range listAlerts(t, baseURL, "cellId=c2") {
			if item.TriggerName == "Hot hot2" && item.TriggerID == nil {
				detached = item
				return true
			}
		}
		return false
	})
	if detached.DedupHeld || detached.Status != domain.StatusOpen {
		t.Fatalf("unexpected detached alert: %+v", detached)
	}
	if len(webhook.deliveries()) != 2 {
		t.Fatalf("trigger deletion must not notify, got %d deliveries", len(webhook.deliveries()))
	}
}
