// Package messaging defines the transport contract and the per-message integration context.
//
// Handlers talk to the outside world only through an IntegrationContext. Business sends
// (Send, Delay, Publish, Request, Reply) are staged in the outbox of the current unit of work and
// leave only when it commits. Retry and Reject act on the transport directly and do not depend on
// the handler's transaction. RPCRequest bypasses the outbox as well, since its caller waits for the
// reply.
package messaging
