// Package fabric implements the cross-instance delivery fabric inside
// Haulmatch: authenticated long-lived client sessions, logical rooms, and
// fan-out that reaches every connected client regardless of host instance.
//
// Layering:
// - ports: auth verifier and presence boundaries
// - application: hub, sessions, room registry, relay loop, inbound routing
// - adapters: gorilla/websocket transport, JWT verifier, notifier facade
//
// Boundary notes:
// - The fabric consumes presence through ports.Presence; it never imports the
//   presence service package, which keeps the old cyclic reference broken.
// - Delivery is at-most-once. Clients reconcile on reconnect by re-reading
//   their durable records.
package fabric
