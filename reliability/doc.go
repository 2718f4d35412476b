// Package reliability decides what happens to a message whose handler failed.
//
// A Chain runs its ErrorHandlers in order: the RPC error handler resolves a waiting caller with
// the failure, the retry handler applies a RetryPolicy (schedule a deferred redelivery or reject),
// and the tracing and logging handlers make the failure visible. Every handler runs; a handler
// that fails or panics turns the message into a reject.
package reliability
