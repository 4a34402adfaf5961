package e2e

import "fmt"

const e2eTopology = `
[topology.organization.org1]
name = "Acme Grain"

[topology.organization.org1.site.s1]
name = "North"

[topology.organization.org1.site.s1.compound.cp1]
name = "Yard A"

[topology.organization.org1.site.s1.compound.cp1.cell.c1]
name = "Bin 1"
commodity_type = "wheat"
sensors = ["AA:01"]

[topology.organization.org1.site.s1.compound.cp1.cell.c2]
name = "Bin 2"
commodity_type = "corn"
sensors = ["AA:02"]
`

// e2eSingleConfig builds single-mode config with one compound-scoped webhook trigger.
// Params: HTTP port and webhook URL.
// Returns: TOML document.
func e2eSingleConfig(port int, webhookURL string) string {
	return fmt.Sprintf(`
[service]
name = "grainwatch-e2e"
sweep_interval_sec = 1

[log.console]
enabled = true
level = "error"
format = "line"

[ingest.http]
enabled = true
listen = "127.0.0.1:%d"

[notify.retry]
max_attempts = 3
initial_ms = 5
max_ms = 20

[notify.webhook]
backend = "webhook"
%s
%s`, port, e2eTopology, hotTrigger("hot", webhookURL))
}

// e2eNATSConfig builds nats-mode config: JetStream ingest, KV alert store, notify queue and catalog watch.
// Params: HTTP port, NATS URL, and webhook URL.
// Returns: TOML document.
func e2eNATSConfig(port int, natsURL, webhookURL string, triggers ...string) string {
	body := fmt.Sprintf(`
[service]
name = "grainwatch-e2e-nats"
mode = "nats"
sweep_interval_sec = 3600

[log.console]
enabled = true
level = "error"
format = "line"

[ingest.http]
enabled = true
listen = "127.0.0.1:%d"

[ingest.nats]
enabled = true
url = ["%s"]
subject = "e2e.readings"
stream = "E2E_READINGS"
ack_wait_sec = 5
nack_delay_ms = 50

[store]
alerts = "nats"

[store.nats]
alerts_bucket = "e2e_alerts"
holds_bucket = "e2e_holds"

[notify.queue]
stream = "E2E_NOTIFY"
subject = "e2e.notify"
ack_wait_sec = 5
nack_delay_ms = 50
max_deliver = 3
dlq = true
dlq_stream = "E2E_NOTIFY_DLQ"
dlq_subject = "e2e.notify.dlq"

[notify.retry]
max_attempts = 2
initial_ms = 5
max_ms = 20

[notify.webhook]
backend = "webhook"

[catalog]
watch_enabled = true
change_subject = "e2e.catalog.changes"
refresh_interval_sec = 3600
%s
`, port, natsURL, e2eTopology)
	for _, trigger := range triggers {
		body += "\n" + trigger
	}
	return body
}

// hotTrigger is a compound-scoped temperature threshold with one webhook action.
func hotTrigger(id, webhookURL string) string {
	return fmt.Sprintf(`
[trigger.%[1]s]
name = "Hot %[1]s"
organization_id = "org1"
scope_type = "COMPOUND"
scope_id = "cp1"
logic = "AND"
severity = "HIGH"

[[trigger.%[1]s.condition]]
type = "THRESHOLD"
metric = "TEMPERATURE"
operator = "ABOVE"
value = 30.0

[[trigger.%[1]s.action]]
type = "WEBHOOK"
webhook_url = "%[2]s"
`, id, webhookURL)
}
