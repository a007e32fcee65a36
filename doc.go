// Package saga provides a saga orchestration engine paired with a transactional
// outbox relay.
//
// A saga is a business process implemented as a sequence of local transactions
// across independently owned services. The orchestrator drives the sequence: it
// dispatches a command per step, waits for the participant's reply, and on a
// business failure unwinds the completed steps in reverse order by issuing
// their compensation commands.
//
// Every command the orchestrator sends is staged in an outbox within the same
// storage transaction as the saga state change that decided to send it, so a
// crash can never split the decision from the message. A Relay polls the
// outbox under a time-bounded lease and publishes staged messages to the
// transport at least once; duplicate deliveries are made safe on the receiving
// side by the IdempotencyStore.
//
// Typical flow:
//  1. Register Definitions in a Registry.
//  2. Run an Orchestrator backed by an InstanceStore; start sagas with StartSaga.
//  3. Run a Relay with a storage-specific RelayStore and a transport Publisher.
//  4. Wrap participant command handlers in a Participant so duplicate command
//     deliveries produce one side effect and identical replies.
//
// For the MySQL implementation of all store interfaces, see the mysql package.
// For a Redis-backed idempotency store, see the redis package.
package saga
