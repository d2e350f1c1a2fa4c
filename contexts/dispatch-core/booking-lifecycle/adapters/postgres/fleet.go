package postgresadapter

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"haulmatch/contexts/dispatch-core/booking-lifecycle/domain/entities"
	presenceports "haulmatch/contexts/fleet-telemetry/presence-service/ports"
)

// Fleet-side reads and writes. The same repository also serves as the
// presence service's durable Directory.

func (r *Repository) FindAvailableVehicle(ctx context.Context, transporterID, vehicleType, vehicleSubtype string) (entities.VehicleRef, bool, error) {
	var row vehicleModel
	err := r.db.WithContext(ctx).
		Where("transporter_id = ? AND truck_type_key = ? AND status = ?",
			transporterID, entities.TruckTypeKey(vehicleType, vehicleSubtype), vehicleStatusAvailable).
		Order("updated_at ASC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.VehicleRef{}, false, nil
		}
		return entities.VehicleRef{}, false, r.logError("booking_repo_find_vehicle_failed", err,
			"transporter_id", transporterID)
	}
	return entities.VehicleRef{
		ID:             row.ID,
		TransporterID:  row.TransporterID,
		VehicleType:    row.VehicleType,
		VehicleSubtype: row.VehicleSubtype,
	}, true, nil
}

func (r *Repository) MarkVehicleAssigned(ctx context.Context, vehicleID, bookingID string) error {
	res := r.db.WithContext(ctx).Model(&vehicleModel{}).
		Where("id = ? AND status = ?", vehicleID, vehicleStatusAvailable).
		Updates(map[string]any{"status": vehicleStatusAssigned, "booking_id": bookingID})
	if res.Error != nil {
		return r.logError("booking_repo_mark_vehicle_failed", res.Error, "vehicle_id", vehicleID)
	}
	return nil
}

func (r *Repository) TransporterTruckTypes(ctx context.Context, transporterID string) ([]string, error) {
	var keys []string
	if err := r.db.WithContext(ctx).Model(&vehicleModel{}).
		Distinct("truck_type_key").
		Where("transporter_id = ?", transporterID).
		Pluck("truck_type_key", &keys).Error; err != nil {
		return nil, r.logError("booking_repo_truck_types_failed", err, "transporter_id", transporterID)
	}
	return keys, nil
}

func (r *Repository) TransportersByVehicleType(ctx context.Context, vehicleType, vehicleSubtype string) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&vehicleModel{}).
		Distinct("transporter_id").
		Where("truck_type_key = ?", entities.TruckTypeKey(vehicleType, vehicleSubtype)).
		Pluck("transporter_id", &ids).Error; err != nil {
		return nil, r.logError("booking_repo_transporters_by_type_failed", err)
	}
	return ids, nil
}

// IsAvailable reads the durable availability flag set by the transporter in
// their profile, the fallback source of truth when the presence index is
// cold.
func (r *Repository) IsAvailable(ctx context.Context, transporterID string) (bool, error) {
	var row transporterModel
	err := r.db.WithContext(ctx).Select("id", "is_available").
		Where("id = ?", transporterID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, r.logError("booking_repo_is_available_failed", err, "transporter_id", transporterID)
	}
	return row.IsAvailable, nil
}

func (r *Repository) MarkUnavailable(ctx context.Context, transporterID string) error {
	res := r.db.WithContext(ctx).Model(&transporterModel{}).
		Where("id = ?", transporterID).
		Update("is_available", false)
	if res.Error != nil {
		return r.logError("booking_repo_mark_unavailable_failed", res.Error, "transporter_id", transporterID)
	}
	return nil
}

// PresenceSeed reconstructs a presence entry from durable state for the
// reconnect-restore path. Found only when the transporter is still flagged
// available and has a free vehicle to advertise.
func (r *Repository) PresenceSeed(ctx context.Context, transporterID string) (presenceports.Seed, bool, error) {
	var transporter transporterModel
	err := r.db.WithContext(ctx).Where("id = ?", transporterID).First(&transporter).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return presenceports.Seed{}, false, nil
		}
		return presenceports.Seed{}, false, r.logError("booking_repo_presence_seed_failed", err,
			"transporter_id", transporterID)
	}
	if !transporter.IsAvailable {
		return presenceports.Seed{}, false, nil
	}

	var vehicle vehicleModel
	err = r.db.WithContext(ctx).
		Where("transporter_id = ? AND status = ?", transporterID, vehicleStatusAvailable).
		Order("updated_at ASC").
		First(&vehicle).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return presenceports.Seed{}, false, nil
		}
		return presenceports.Seed{}, false, r.logError("booking_repo_presence_seed_failed", err,
			"transporter_id", transporterID)
	}

	return presenceports.Seed{
		TruckTypeKey: vehicle.TruckTypeKey,
		VehicleID:    vehicle.ID,
		Lat:          transporter.LastLat,
		Lng:          transporter.LastLng,
	}, true, nil
}
