// Package notify implements the outbound event contract of the pipeline. The
// Hub accepts alerts, campaign events and system events without ever blocking
// the caller, batches them on a background goroutine and fans them out to
// pluggable sinks (logs, Prometheus, Pub/Sub, Redis, Kafka, chat channels and
// WebSocket rooms). Alerts that every sink accepted are acknowledged so the
// outbox sweep can stop redelivering them.
package notify
