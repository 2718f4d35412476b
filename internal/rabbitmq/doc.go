// Package rabbitmq provides the RabbitMQ plumbing used by the courier transport.
//
// This package includes:
//   - ConnectionManager: dials the broker with bounded retries and reports connection loss
//   - ConfirmChannel: publishes in confirm mode and waits for the broker's verdict
//   - ConfirmTracker: correlates publish sequence numbers with waiting publishers
//   - Consumer: consumes a queue with one goroutine per delivery, bounded by the prefetch count
//   - TopologyManager: declares exchanges, queues and bindings
//
// Losing the connection, a channel or a consumer is reported as a fatal error. Recovery is left
// to whoever runs the transport.
package rabbitmq
