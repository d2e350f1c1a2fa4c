package errors

import "errors"

var (
	ErrOrderActiveExists    = errors.New("customer already has an active broadcast")
	ErrBookingNotFound      = errors.New("booking not found")
	ErrForbidden            = errors.New("forbidden")
	ErrBookingCannotCancel  = errors.New("booking is not cancellable in its current state")
	ErrRequestAlreadyTaken  = errors.New("request already taken")
	ErrVehicleTypeMismatch  = errors.New("transporter has no vehicle of the requested type")
	ErrVehicleInsufficient  = errors.New("transporter has no free vehicle of the requested type")
	ErrInvalidBookingInput  = errors.New("invalid booking input")
	ErrStoreUnavailable     = errors.New("coordination store unavailable")
	ErrDurableStoreConflict = errors.New("durable store conflict")
)
