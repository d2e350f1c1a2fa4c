package commands

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
)

// roundCoord truncates a coordinate to ~11m so jittery GPS fixes of the same
// request hash identically.
func roundCoord(value float64) float64 {
	return math.Round(value*10000) / 10000
}

func hashRequest(payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// fingerprint derives the duplicate-submission key for a create request.
// Identical customer + route + vehicle type within the marker TTL replays
// instead of creating.
func fingerprint(customerID, vehicleType, vehicleSubtype string, pickupLat, pickupLng, dropLat, dropLng float64) (string, error) {
	return hashRequest(struct {
		CustomerID     string  `json:"customer_id"`
		VehicleType    string  `json:"vehicle_type"`
		VehicleSubtype string  `json:"vehicle_subtype"`
		PickupLat      float64 `json:"pickup_lat"`
		PickupLng      float64 `json:"pickup_lng"`
		DropLat        float64 `json:"drop_lat"`
		DropLng        float64 `json:"drop_lng"`
	}{
		CustomerID:     customerID,
		VehicleType:    vehicleType,
		VehicleSubtype: vehicleSubtype,
		PickupLat:      roundCoord(pickupLat),
		PickupLng:      roundCoord(pickupLng),
		DropLat:        roundCoord(dropLat),
		DropLng:        roundCoord(dropLng),
	})
}
