package httpadapter

import (
	"context"
	"log/slog"

	"haulmatch/contexts/dispatch-core/booking-lifecycle/application/commands"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/application/queries"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/domain/entities"
	httptransport "haulmatch/contexts/dispatch-core/booking-lifecycle/transport/http"
)

// Handler adapts lifecycle use cases to HTTP contracts. Routing, decoding,
// and error-to-status mapping live in the platform HTTP server.
type Handler struct {
	Create commands.CreateBookingUseCase
	Cancel commands.CancelBookingUseCase
	Accept commands.AcceptBookingUseCase
	Active queries.ActiveBookingsQuery
	Logger *slog.Logger
}

func (h Handler) CreateBookingHandler(ctx context.Context, customerID string, req httptransport.CreateBookingRequest) (httptransport.CreateBookingResponse, error) {
	result, err := h.Create.Execute(ctx, commands.CreateBookingCommand{
		CustomerID:     customerID,
		CustomerName:   req.CustomerName,
		CustomerPhone:  req.CustomerPhone,
		Pickup:         locationFromDTO(req.Pickup),
		Drop:           locationFromDTO(req.Drop),
		VehicleType:    req.VehicleType,
		VehicleSubtype: req.VehicleSubtype,
		TrucksNeeded:   req.TrucksNeeded,
		PricePerTruck:  req.PricePerTruck,
		DistanceKM:     req.DistanceKM,
		Goods:          req.Goods,
		WeightTonnes:   req.WeightTonnes,
		ScheduledAt:    req.ScheduledAt,
	})
	if err != nil {
		return httptransport.CreateBookingResponse{}, err
	}
	return httptransport.CreateBookingResponse{
		Booking:              bookingResponse(result.Booking),
		MatchingTransporters: result.MatchingTransporters,
		TimeoutSeconds:       result.TimeoutSeconds,
		Replayed:             result.Replayed,
	}, nil
}

func (h Handler) CancelBookingHandler(ctx context.Context, bookingID, customerID string) (httptransport.CancelBookingResponse, error) {
	result, err := h.Cancel.Execute(ctx, commands.CancelBookingCommand{
		BookingID:  bookingID,
		CustomerID: customerID,
	})
	if err != nil {
		return httptransport.CancelBookingResponse{}, err
	}
	return httptransport.CancelBookingResponse{
		Booking:          bookingResponse(result.Booking),
		AlreadyCancelled: result.AlreadyCancelled,
	}, nil
}

func (h Handler) AcceptBookingHandler(ctx context.Context, bookingID, transporterID string, req httptransport.AcceptBookingRequest) (httptransport.AcceptBookingResponse, error) {
	result, err := h.Accept.Execute(ctx, commands.AcceptBookingCommand{
		BookingID:     bookingID,
		TransporterID: transporterID,
		DriverID:      req.DriverID,
	})
	if err != nil {
		return httptransport.AcceptBookingResponse{}, err
	}
	return httptransport.AcceptBookingResponse{
		AssignmentID: result.Assignment.ID,
		VehicleID:    result.Assignment.VehicleID,
		Booking:      bookingResponse(result.Booking),
		FullyFilled:  result.FullyFilled,
	}, nil
}

func (h Handler) ActiveBookingsHandler(ctx context.Context, transporterID string) (httptransport.ActiveBookingsResponse, error) {
	result, err := h.Active.Execute(ctx, transporterID)
	if err != nil {
		return httptransport.ActiveBookingsResponse{}, err
	}
	bookings := make([]httptransport.BookingResponse, 0, len(result.Bookings))
	for _, booking := range result.Bookings {
		bookings = append(bookings, bookingResponse(booking))
	}
	return httptransport.ActiveBookingsResponse{Bookings: bookings}, nil
}

func locationFromDTO(dto httptransport.LocationDTO) entities.Location {
	return entities.Location{
		Lat:     dto.Lat,
		Lng:     dto.Lng,
		Address: dto.Address,
		City:    dto.City,
		State:   dto.State,
	}
}

func bookingResponse(b entities.Booking) httptransport.BookingResponse {
	return httptransport.BookingResponse{
		BookingID:  b.ID,
		CustomerID: b.CustomerID,
		Status:     string(b.Status),
		Pickup: httptransport.LocationDTO{
			Lat: b.Pickup.Lat, Lng: b.Pickup.Lng,
			Address: b.Pickup.Address, City: b.Pickup.City, State: b.Pickup.State,
		},
		Drop: httptransport.LocationDTO{
			Lat: b.Drop.Lat, Lng: b.Drop.Lng,
			Address: b.Drop.Address, City: b.Drop.City, State: b.Drop.State,
		},
		VehicleType:    b.VehicleType,
		VehicleSubtype: b.VehicleSubtype,
		TrucksNeeded:   b.TrucksNeeded,
		TrucksFilled:   b.TrucksFilled,
		PricePerTruck:  b.PricePerTruck,
		TotalAmount:    b.TotalAmount,
		ExpiresAt:      b.ExpiresAt,
		CreatedAt:      b.CreatedAt,
	}
}
