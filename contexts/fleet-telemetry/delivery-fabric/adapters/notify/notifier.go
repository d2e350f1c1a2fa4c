// Package notify is the facade other services use to push events through the
// delivery fabric without importing the hub.
package notify

import (
	"context"

	"haulmatch/contexts/fleet-telemetry/delivery-fabric/application"
	"haulmatch/internal/shared/events"
)

// Notifier emits into user rooms. It satisfies the Notifier ports of the
// booking lifecycle and the broadcast dispatcher.
type Notifier struct {
	Hub *application.Hub
}

func (n Notifier) NotifyUser(ctx context.Context, userID string, event events.Name, payload any) error {
	return n.Hub.Emit(ctx, events.RoomUser(userID), event, payload)
}

func (n Notifier) NotifyUsers(ctx context.Context, userIDs []string, event events.Name, payload any) error {
	var firstErr error
	for _, userID := range userIDs {
		if err := n.Hub.Emit(ctx, events.RoomUser(userID), event, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (n Notifier) NotifyBookingRoom(ctx context.Context, bookingID string, event events.Name, payload any) error {
	return n.Hub.Emit(ctx, events.RoomBooking(bookingID), event, payload)
}
