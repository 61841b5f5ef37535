// Package escrow holds a payer's funds in trust until a delivery condition is
// satisfied, then releases them to the payee or, once the deadline has passed
// without release, returns them to the payer.
//
// Every escrow account is an event-sourced aggregate backed by Redis or
// Valkey. A transition commits by appending its event with an expected
// sequence number inside a single Lua script, so the state change, the
// public feed record, the release authorization bookkeeping and the payout
// credit either all happen or none do. Concurrent callers racing to release
// and refund the same account are serialized by that sequence check: the
// first to commit wins and every other attempt fails its precondition.
//
// Typical usage looks like:
//   - Create a Vault with configuration
//   - Open a Store backed by Redis
//   - Build a Service on the Store
//   - CreateEscrow, hand the Authorization to whoever confirms delivery
//   - ReleasePayment with the Authorization, or RefundPayment after the
//     deadline
//   - Consume the public feed with ReadFeed or PollFeed, or subscribe to the
//     in-process EventHub
//
// The examples/ directory contains a runnable cash-on-delivery workflow.
package escrow
