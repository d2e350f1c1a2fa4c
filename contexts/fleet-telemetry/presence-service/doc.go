// Package presence implements the transporter presence index inside Haulmatch.
//
// Layering:
// - ports: stable boundaries for the durable directory and time
// - application: presence index operations and the stale sweeper worker
//
// Boundary notes:
// - The index lives entirely in the shared store; the durable store is only
//   consulted on the empty-online-set fallback and by the stale sweeper.
// - The delivery fabric consumes this service through its own Presence port;
//   this package must never import the fabric.
package presence
