// Package lifecycle implements the booking state machine inside Haulmatch.
//
// Layering:
// - domain: booking/assignment entities, invariants, errors
// - application: create/cancel/accept/expire commands, active-booking query,
//   and the startup expiry sweeper, all using explicit ports
// - ports: stable boundaries for durable persistence, shared-store guards,
//   the broadcast dispatcher, and the delivery fabric
// - adapters: postgres (gorm), in-memory, shared-store guard, and HTTP
// - transport: module-private DTOs for HTTP contracts
//
// Boundary notes:
// - Every observable transition is an atomic conditional update on the
//   durable row; decisions are based on the update's return, never a prior
//   read.
// - Keep this module self-contained under dispatch-core; cross-service
//   collaboration goes through ports only.
package lifecycle
