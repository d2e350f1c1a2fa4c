// Package postgresadapter persists bookings, assignments, and fleet rows via
// gorm. Status transitions are conditional UPDATEs; callers branch on
// RowsAffected, never on a read-then-write.
package postgresadapter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"haulmatch/contexts/dispatch-core/booking-lifecycle/domain/entities"
	domainerrors "haulmatch/contexts/dispatch-core/booking-lifecycle/domain/errors"
)

type Repository struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewRepository(db *gorm.DB, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{db: db, logger: logger}
}

// Migrate creates the dispatch tables. Dev convenience; production uses
// versioned migrations.
func (r *Repository) Migrate() error {
	return r.db.AutoMigrate(&bookingModel{}, &assignmentModel{}, &vehicleModel{}, &transporterModel{})
}

// CreateBooking re-checks the single-in-flight rule and inserts inside one
// serializable transaction, closing the read-check-insert race between
// instances.
func (r *Repository) CreateBooking(ctx context.Context, booking entities.Booking) error {
	row := bookingModelFromEntity(booking)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		if err := tx.Model(&bookingModel{}).
			Where("customer_id = ? AND status IN ?", booking.CustomerID, openStatusStrings()).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return domainerrors.ErrOrderActiveExists
		}
		return tx.Create(&row).Error
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		if errors.Is(err, domainerrors.ErrOrderActiveExists) {
			return err
		}
		return r.logError("booking_repo_create_failed", err, "booking_id", booking.ID)
	}
	return nil
}

func (r *Repository) GetBooking(ctx context.Context, bookingID string) (entities.Booking, bool, error) {
	var row bookingModel
	err := r.db.WithContext(ctx).Where("id = ?", bookingID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.Booking{}, false, nil
		}
		return entities.Booking{}, false, r.logError("booking_repo_get_failed", err, "booking_id", bookingID)
	}
	return row.toEntity(), true, nil
}

func (r *Repository) FindActiveBookingByCustomer(ctx context.Context, customerID string) (entities.Booking, bool, error) {
	var row bookingModel
	err := r.db.WithContext(ctx).
		Where("customer_id = ? AND status IN ?", customerID, openStatusStrings()).
		Order("created_at DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.Booking{}, false, nil
		}
		return entities.Booking{}, false, r.logError("booking_repo_find_active_failed", err, "customer_id", customerID)
	}
	return row.toEntity(), true, nil
}

func (r *Repository) UpdateStatusIfIn(ctx context.Context, bookingID string, allowed []entities.BookingStatus, next entities.BookingStatus, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&bookingModel{}).
		Where("id = ? AND status IN ?", bookingID, statusStrings(allowed)).
		Updates(map[string]any{
			"status":           string(next),
			"state_changed_at": at,
		})
	if res.Error != nil {
		return 0, r.logError("booking_repo_status_update_failed", res.Error,
			"booking_id", bookingID, "next_status", string(next))
	}
	return res.RowsAffected, nil
}

// IncrementTrucksFilled is the accept gate: one UPDATE whose WHERE clause
// enforces both the open status and the free-slot invariant. At most
// trucks_needed concurrent callers ever see RowsAffected == 1.
func (r *Repository) IncrementTrucksFilled(ctx context.Context, bookingID string, at time.Time) (entities.Booking, bool, error) {
	res := r.db.WithContext(ctx).Model(&bookingModel{}).
		Where("id = ? AND trucks_filled < trucks_needed AND status IN ?",
			bookingID, statusStrings(entities.AcceptableStatuses())).
		Updates(map[string]any{
			"trucks_filled":    gorm.Expr("trucks_filled + 1"),
			"state_changed_at": at,
		})
	if res.Error != nil {
		return entities.Booking{}, false, r.logError("booking_repo_increment_failed", res.Error, "booking_id", bookingID)
	}

	booking, ok, err := r.GetBooking(ctx, bookingID)
	if err != nil {
		return entities.Booking{}, false, err
	}
	if !ok {
		return entities.Booking{}, false, domainerrors.ErrBookingNotFound
	}
	return booking, res.RowsAffected == 1, nil
}

func (r *Repository) AppendNotifiedTransporters(ctx context.Context, bookingID string, transporterIDs []string) error {
	if len(transporterIDs) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row bookingModel
		if err := tx.Select("id", "notified_transporters").Where("id = ?", bookingID).First(&row).Error; err != nil {
			return err
		}
		var existing []string
		_ = json.Unmarshal([]byte(row.NotifiedTransporters), &existing)
		seen := make(map[string]struct{}, len(existing))
		for _, id := range existing {
			seen[id] = struct{}{}
		}
		for _, id := range transporterIDs {
			if _, dup := seen[id]; !dup {
				existing = append(existing, id)
				seen[id] = struct{}{}
			}
		}
		encoded, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		return tx.Model(&bookingModel{}).Where("id = ?", bookingID).
			Update("notified_transporters", string(encoded)).Error
	})
	if err != nil {
		return r.logError("booking_repo_append_notified_failed", err, "booking_id", bookingID)
	}
	return nil
}

func (r *Repository) ListOpenBookingsByTruckTypes(ctx context.Context, truckTypeKeys []string, now time.Time) ([]entities.Booking, error) {
	if len(truckTypeKeys) == 0 {
		return nil, nil
	}
	var rows []bookingModel
	if err := r.db.WithContext(ctx).
		Where("truck_type_key IN ? AND status IN ? AND expires_at > ?",
			truckTypeKeys, statusStrings(entities.RebroadcastStatuses()), now).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, r.logError("booking_repo_list_open_failed", err)
	}
	return toBookingEntities(rows), nil
}

func (r *Repository) ListExpiredOpenBookings(ctx context.Context, now time.Time) ([]entities.Booking, error) {
	var rows []bookingModel
	if err := r.db.WithContext(ctx).
		Where("status IN ? AND expires_at <= ?", openStatusStrings(), now).
		Order("expires_at ASC").
		Find(&rows).Error; err != nil {
		return nil, r.logError("booking_repo_list_expired_failed", err)
	}
	return toBookingEntities(rows), nil
}

func (r *Repository) CreateAssignment(ctx context.Context, assignment entities.Assignment) error {
	row := assignmentModelFromEntity(assignment)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return r.logError("booking_repo_create_assignment_failed", err,
			"assignment_id", assignment.ID, "booking_id", assignment.BookingID)
	}
	return nil
}

func (r *Repository) AssignmentsForBooking(ctx context.Context, bookingID string) ([]entities.Assignment, error) {
	var rows []assignmentModel
	if err := r.db.WithContext(ctx).
		Where("booking_id = ?", bookingID).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, r.logError("booking_repo_list_assignments_failed", err, "booking_id", bookingID)
	}
	out := make([]entities.Assignment, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntity())
	}
	return out, nil
}

// CancelPendingAssignments flips pending assignments to cancelled and frees
// their vehicles in one transaction.
func (r *Repository) CancelPendingAssignments(ctx context.Context, bookingID string, at time.Time) ([]entities.Assignment, error) {
	var cancelled []entities.Assignment
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []assignmentModel
		if err := tx.Where("booking_id = ? AND status = ?", bookingID, string(entities.AssignmentPending)).
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]string, 0, len(rows))
		vehicleIDs := make([]string, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
			vehicleIDs = append(vehicleIDs, row.VehicleID)
			row.Status = string(entities.AssignmentCancelled)
			row.UpdatedAt = at
			cancelled = append(cancelled, row.toEntity())
		}
		if err := tx.Model(&assignmentModel{}).Where("id IN ?", ids).
			Updates(map[string]any{"status": string(entities.AssignmentCancelled), "updated_at": at}).Error; err != nil {
			return err
		}
		return tx.Model(&vehicleModel{}).
			Where("id IN ? AND status = ?", vehicleIDs, vehicleStatusAssigned).
			Updates(map[string]any{"status": vehicleStatusAvailable, "booking_id": nil, "updated_at": at}).Error
	})
	if err != nil {
		return nil, r.logError("booking_repo_cancel_assignments_failed", err, "booking_id", bookingID)
	}
	return cancelled, nil
}

func (r *Repository) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+7)
	fields = append(fields,
		"event", event,
		"module", "dispatch-core/booking-lifecycle",
		"layer", "adapter",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	r.logger.Error("booking repository operation failed", fields...)
	return err
}

func statusStrings(statuses []entities.BookingStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func openStatusStrings() []string {
	return statusStrings(entities.OpenStatuses())
}
