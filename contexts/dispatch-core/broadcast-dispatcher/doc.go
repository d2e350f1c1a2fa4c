// Package dispatcher decides who sees a booking and when: initial geo
// matching, progressive radius expansion on a distributed timer, the booking
// timeout, and catch-up re-broadcast when a transporter comes online.
//
// The at-most-once fan-out invariant lives here: a transporter enters the
// shared notified set exactly once per booking, and only the instance that
// added them sends the new_broadcast event.
package dispatcher
