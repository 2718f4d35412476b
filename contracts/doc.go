// Package contracts provides the message model shared by every courier component.
//
// It defines:
//   - Message: an immutable payload with its reflected contract type and a mutable header bag
//   - Headers: a closed set of typed header kinds with write-once and overwrite semantics
//   - ContractType and Registry: the catalogue of commands, events, queries, requests and replies
//   - EndpointIdentity: the (logical name, instance name) address of an endpoint
//   - MessageFactory: creation of outgoing messages correlated with the message being handled
//
// Ancestor contracts are Go interfaces. A concrete event type implementing a registered interface
// event is delivered to subscribers of the interface as well as to subscribers of the concrete type.
package contracts
