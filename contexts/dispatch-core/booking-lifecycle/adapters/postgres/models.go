package postgresadapter

import (
	"encoding/json"
	"time"

	"haulmatch/contexts/dispatch-core/booking-lifecycle/domain/entities"
)

type bookingModel struct {
	ID            string `gorm:"primaryKey"`
	CustomerID    string `gorm:"index"`
	CustomerName  string
	CustomerPhone string

	PickupLat     float64
	PickupLng     float64
	PickupAddress string
	PickupCity    string
	PickupState   string
	DropLat       float64
	DropLng       float64
	DropAddress   string
	DropCity      string
	DropState     string

	VehicleType    string
	VehicleSubtype string
	TruckTypeKey   string `gorm:"index"`

	TrucksNeeded int
	TrucksFilled int

	PricePerTruck float64
	TotalAmount   float64
	DistanceKM    float64 `gorm:"column:distance_km"`
	Goods         string
	WeightTonnes  float64

	ScheduledAt *time.Time
	ExpiresAt   time.Time `gorm:"index"`

	Status      string `gorm:"index"`
	Fingerprint string

	// JSON array of transporter IDs, best-effort audit mirror of the
	// shared-store notified set.
	NotifiedTransporters string `gorm:"type:text"`

	CreatedAt      time.Time
	StateChangedAt time.Time
}

func (bookingModel) TableName() string { return "bookings" }

func bookingModelFromEntity(b entities.Booking) bookingModel {
	notified := "[]"
	if len(b.NotifiedTransporters) > 0 {
		if encoded, err := json.Marshal(b.NotifiedTransporters); err == nil {
			notified = string(encoded)
		}
	}
	return bookingModel{
		ID:                   b.ID,
		CustomerID:           b.CustomerID,
		CustomerName:         b.CustomerName,
		CustomerPhone:        b.CustomerPhone,
		PickupLat:            b.Pickup.Lat,
		PickupLng:            b.Pickup.Lng,
		PickupAddress:        b.Pickup.Address,
		PickupCity:           b.Pickup.City,
		PickupState:          b.Pickup.State,
		DropLat:              b.Drop.Lat,
		DropLng:              b.Drop.Lng,
		DropAddress:          b.Drop.Address,
		DropCity:             b.Drop.City,
		DropState:            b.Drop.State,
		VehicleType:          b.VehicleType,
		VehicleSubtype:       b.VehicleSubtype,
		TruckTypeKey:         b.TruckTypeKey(),
		TrucksNeeded:         b.TrucksNeeded,
		TrucksFilled:         b.TrucksFilled,
		PricePerTruck:        b.PricePerTruck,
		TotalAmount:          b.TotalAmount,
		DistanceKM:           b.DistanceKM,
		Goods:                b.Goods,
		WeightTonnes:         b.WeightTonnes,
		ScheduledAt:          b.ScheduledAt,
		ExpiresAt:            b.ExpiresAt,
		Status:               string(b.Status),
		Fingerprint:          b.Fingerprint,
		NotifiedTransporters: notified,
		CreatedAt:            b.CreatedAt,
		StateChangedAt:       b.StateChangedAt,
	}
}

func (m bookingModel) toEntity() entities.Booking {
	var notified []string
	_ = json.Unmarshal([]byte(m.NotifiedTransporters), &notified)
	return entities.Booking{
		ID:            m.ID,
		CustomerID:    m.CustomerID,
		CustomerName:  m.CustomerName,
		CustomerPhone: m.CustomerPhone,
		Pickup: entities.Location{
			Lat: m.PickupLat, Lng: m.PickupLng,
			Address: m.PickupAddress, City: m.PickupCity, State: m.PickupState,
		},
		Drop: entities.Location{
			Lat: m.DropLat, Lng: m.DropLng,
			Address: m.DropAddress, City: m.DropCity, State: m.DropState,
		},
		VehicleType:          m.VehicleType,
		VehicleSubtype:       m.VehicleSubtype,
		TrucksNeeded:         m.TrucksNeeded,
		TrucksFilled:         m.TrucksFilled,
		PricePerTruck:        m.PricePerTruck,
		TotalAmount:          m.TotalAmount,
		DistanceKM:           m.DistanceKM,
		Goods:                m.Goods,
		WeightTonnes:         m.WeightTonnes,
		ScheduledAt:          m.ScheduledAt,
		ExpiresAt:            m.ExpiresAt,
		Status:               entities.BookingStatus(m.Status),
		Fingerprint:          m.Fingerprint,
		NotifiedTransporters: notified,
		CreatedAt:            m.CreatedAt,
		StateChangedAt:       m.StateChangedAt,
	}
}

func toBookingEntities(rows []bookingModel) []entities.Booking {
	out := make([]entities.Booking, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntity())
	}
	return out
}

type assignmentModel struct {
	ID            string `gorm:"primaryKey"`
	BookingID     string `gorm:"index"`
	TransporterID string `gorm:"index"`
	VehicleID     string
	DriverID      string
	Status        string `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (assignmentModel) TableName() string { return "assignments" }

func assignmentModelFromEntity(a entities.Assignment) assignmentModel {
	return assignmentModel{
		ID:            a.ID,
		BookingID:     a.BookingID,
		TransporterID: a.TransporterID,
		VehicleID:     a.VehicleID,
		DriverID:      a.DriverID,
		Status:        string(a.Status),
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func (m assignmentModel) toEntity() entities.Assignment {
	return entities.Assignment{
		ID:            m.ID,
		BookingID:     m.BookingID,
		TransporterID: m.TransporterID,
		VehicleID:     m.VehicleID,
		DriverID:      m.DriverID,
		Status:        entities.AssignmentStatus(m.Status),
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

const (
	vehicleStatusAvailable = "available"
	vehicleStatusAssigned  = "assigned"
	vehicleStatusOnTrip    = "on_trip"
)

type vehicleModel struct {
	ID             string `gorm:"primaryKey"`
	TransporterID  string `gorm:"index"`
	VehicleType    string
	VehicleSubtype string
	TruckTypeKey   string `gorm:"index"`
	Status         string `gorm:"index"`
	BookingID      *string
	UpdatedAt      time.Time
}

func (vehicleModel) TableName() string { return "vehicles" }

type transporterModel struct {
	ID          string `gorm:"primaryKey"`
	Name        string
	Phone       string
	IsAvailable bool `gorm:"index"`
	LastLat     float64
	LastLng     float64
	UpdatedAt   time.Time
}

func (transporterModel) TableName() string { return "transporters" }
