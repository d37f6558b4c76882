// Package sinks contains notify.Sink implementations that forward event
// batches to logs, Prometheus, Google Cloud Pub/Sub, Redis pub/sub and Kafka.
package sinks
