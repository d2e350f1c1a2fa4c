package application

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"haulmatch/contexts/fleet-telemetry/presence-service/ports"
	"haulmatch/internal/platform/sharedstore"
)

// Shared-store key layout. Clients outside this core may read these keys but
// must not write them.
func keyGeo(truckTypeKey string) string   { return "geo:drivers:" + truckTypeKey }
func keyDetails(transporter string) string { return "driver:details:" + transporter }
func keyVehicle(transporter string) string { return "driver:vehicle:" + transporter }
func keyPresence(transporter string) string {
	return "transporter:presence:" + transporter
}
func keyTruckType(transporter string) string {
	return "transporter:truck-type:" + transporter
}

const keyOnline = "online:transporters"

// UpdateInput is one presence upsert from a heartbeat or availability toggle.
type UpdateInput struct {
	TransporterID string
	TruckTypeKey  string
	VehicleID     string
	Lat           float64
	Lng           float64
	IsOnTrip      bool
}

// Service answers "who is online near here" for the dispatcher and keeps the
// presence entries fresh. An entry exists if and only if the transporter is
// accepting broadcasts.
type Service struct {
	Store     sharedstore.Store
	Directory ports.Directory
	Clock     ports.Clock
	TTL       time.Duration
	Logger    *slog.Logger
}

func (s Service) ttl() time.Duration {
	if s.TTL <= 0 {
		return 60 * time.Second
	}
	return s.TTL
}

func (s Service) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

// Update upserts the presence entry with TTL. On-trip transporters are
// dropped from the geo index but keep their detail hash so heartbeats can
// still extend them. A truck type change removes the old geo row first.
func (s Service) Update(ctx context.Context, input UpdateInput) error {
	logger := ResolveLogger(s.Logger)

	previousType, hadPrevious, err := s.Store.Get(ctx, keyTruckType(input.TransporterID))
	if err != nil {
		return err
	}
	if hadPrevious && previousType != input.TruckTypeKey {
		if err := s.Store.GeoRem(ctx, keyGeo(previousType), input.TransporterID); err != nil {
			return err
		}
	}

	if input.IsOnTrip {
		if err := s.Store.GeoRem(ctx, keyGeo(input.TruckTypeKey), input.TransporterID); err != nil {
			return err
		}
	} else {
		if err := s.Store.GeoAdd(ctx, keyGeo(input.TruckTypeKey), sharedstore.GeoMember{
			Member: input.TransporterID,
			Lat:    input.Lat,
			Lng:    input.Lng,
		}); err != nil {
			return err
		}
	}

	now := s.now()
	ttl := s.ttl()
	if err := s.Store.HSet(ctx, keyDetails(input.TransporterID), map[string]string{
		"truck_type": input.TruckTypeKey,
		"vehicle_id": input.VehicleID,
		"lat":        strconv.FormatFloat(input.Lat, 'f', 6, 64),
		"lng":        strconv.FormatFloat(input.Lng, 'f', 6, 64),
		"is_on_trip": boolField(input.IsOnTrip),
		"last_seen":  strconv.FormatInt(now.UnixMilli(), 10),
	}); err != nil {
		return err
	}
	if _, err := s.Store.Expire(ctx, keyDetails(input.TransporterID), ttl); err != nil {
		return err
	}
	if err := s.Store.Set(ctx, keyPresence(input.TransporterID), "1", ttl); err != nil {
		return err
	}
	if err := s.Store.Set(ctx, keyVehicle(input.TransporterID), input.VehicleID, ttl); err != nil {
		return err
	}
	if err := s.Store.Set(ctx, keyTruckType(input.TransporterID), input.TruckTypeKey, 0); err != nil {
		return err
	}
	if _, err := s.Store.SAdd(ctx, keyOnline, input.TransporterID); err != nil {
		return err
	}

	logger.Debug("presence updated",
		"event", "presence_updated",
		"module", "fleet-telemetry/presence-service",
		"layer", "application",
		"transporter_id", input.TransporterID,
		"truck_type", input.TruckTypeKey,
		"on_trip", input.IsOnTrip,
	)
	return nil
}

// Offline removes every trace of the transporter from the index.
func (s Service) Offline(ctx context.Context, transporterID string) error {
	truckType, ok, err := s.Store.Get(ctx, keyTruckType(transporterID))
	if err != nil {
		return err
	}
	if ok {
		if err := s.Store.GeoRem(ctx, keyGeo(truckType), transporterID); err != nil {
			return err
		}
	}
	if err := s.Store.SRem(ctx, keyOnline, transporterID); err != nil {
		return err
	}
	return s.Store.Del(ctx,
		keyDetails(transporterID),
		keyPresence(transporterID),
		keyVehicle(transporterID),
		keyTruckType(transporterID),
	)
}

// Heartbeat extends the presence TTL only when the entry currently exists.
// A late heartbeat must not revive a session the user just toggled offline.
func (s Service) Heartbeat(ctx context.Context, transporterID string, lat, lng float64) (bool, error) {
	exists, err := s.Store.Exists(ctx, keyPresence(transporterID))
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	ttl := s.ttl()
	if _, err := s.Store.Expire(ctx, keyPresence(transporterID), ttl); err != nil {
		return false, err
	}
	if _, err := s.Store.Expire(ctx, keyDetails(transporterID), ttl); err != nil {
		return false, err
	}
	if _, err := s.Store.Expire(ctx, keyVehicle(transporterID), ttl); err != nil {
		return false, err
	}

	details, err := s.Store.HGetAll(ctx, keyDetails(transporterID))
	if err != nil {
		return false, err
	}
	if err := s.Store.HSet(ctx, keyDetails(transporterID), map[string]string{
		"lat":       strconv.FormatFloat(lat, 'f', 6, 64),
		"lng":       strconv.FormatFloat(lng, 'f', 6, 64),
		"last_seen": strconv.FormatInt(s.now().UnixMilli(), 10),
	}); err != nil {
		return false, err
	}
	if details["is_on_trip"] != "1" && details["truck_type"] != "" {
		if err := s.Store.GeoAdd(ctx, keyGeo(details["truck_type"]), sharedstore.GeoMember{
			Member: transporterID,
			Lat:    lat,
			Lng:    lng,
		}); err != nil {
			return false, err
		}
	}
	return true, nil
}

// RestoreOnReconnect re-creates the presence entry for a transporter whose
// durable is_available flag is still true. Returns false when the durable
// record says unavailable or is missing.
func (s Service) RestoreOnReconnect(ctx context.Context, transporterID string) (bool, error) {
	available, err := s.Directory.IsAvailable(ctx, transporterID)
	if err != nil {
		return false, err
	}
	if !available {
		return false, nil
	}
	seed, ok, err := s.Directory.PresenceSeed(ctx, transporterID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := s.Update(ctx, UpdateInput{
		TransporterID: transporterID,
		TruckTypeKey:  seed.TruckTypeKey,
		VehicleID:     seed.VehicleID,
		Lat:           seed.Lat,
		Lng:           seed.Lng,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Nearest returns online transporter ids of the given truck type within
// radiusKM of (lat,lng), distance ascending, capped at limit. On-trip
// transporters and geo stragglers whose detail hash already expired are
// excluded; stragglers are lazily swept from the index.
func (s Service) Nearest(ctx context.Context, truckTypeKey string, lat, lng, radiusKM float64, limit int) ([]string, error) {
	// Over-fetch so lazy sweeping does not shrink the page below limit.
	fetch := limit * 2
	if fetch < limit {
		fetch = limit
	}
	hits, err := s.Store.GeoSearch(ctx, keyGeo(truckTypeKey), lat, lng, radiusKM, fetch)
	if err != nil {
		return nil, err
	}

	matched := make([]string, 0, limit)
	for _, hit := range hits {
		if limit > 0 && len(matched) == limit {
			break
		}
		details, err := s.Store.HGetAll(ctx, keyDetails(hit.Member))
		if err != nil {
			return nil, err
		}
		if len(details) == 0 {
			// Straggler: detail hash expired but the geo row survived.
			if err := s.Store.GeoRem(ctx, keyGeo(truckTypeKey), hit.Member); err != nil {
				return nil, err
			}
			if err := s.Store.SRem(ctx, keyOnline, hit.Member); err != nil {
				return nil, err
			}
			continue
		}
		if details["is_on_trip"] == "1" {
			continue
		}
		matched = append(matched, hit.Member)
	}
	return matched, nil
}

// OnlineFilter returns the subset of ids currently online. An empty online
// set may mean "really empty" or "store just restarted", so it falls back to
// durable point reads.
func (s Service) OnlineFilter(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	count, err := s.Store.SCard(ctx, keyOnline)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		online := make([]string, 0, len(ids))
		for _, id := range ids {
			available, err := s.Directory.IsAvailable(ctx, id)
			if err != nil {
				return nil, err
			}
			if available {
				online = append(online, id)
			}
		}
		return online, nil
	}

	hits, err := s.Store.SMIsMember(ctx, keyOnline, ids...)
	if err != nil {
		return nil, err
	}
	online := make([]string, 0, len(ids))
	for i, hit := range hits {
		if hit {
			online = append(online, ids[i])
		}
	}
	return online, nil
}

// OnlineMembers lists the whole online set. Used by the stale sweeper.
func (s Service) OnlineMembers(ctx context.Context) ([]string, error) {
	return s.Store.SMembers(ctx, keyOnline)
}

// TruckTypeFor resolves a transporter's current truck type key from the
// reverse map.
func (s Service) TruckTypeFor(ctx context.Context, transporterID string) (string, bool, error) {
	return s.Store.Get(ctx, keyTruckType(transporterID))
}

// DropStale removes a transporter whose detail hash has expired and flips the
// durable availability flag.
func (s Service) DropStale(ctx context.Context, transporterID string) error {
	if err := s.Offline(ctx, transporterID); err != nil {
		return err
	}
	return s.Directory.MarkUnavailable(ctx, transporterID)
}

// IsOnline answers the point query "is transporter X online".
func (s Service) IsOnline(ctx context.Context, transporterID string) (bool, error) {
	return s.Store.SIsMember(ctx, keyOnline, transporterID)
}

func boolField(value bool) string {
	if value {
		return "1"
	}
	return "0"
}
