package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"haulmatch/contexts/fleet-telemetry/delivery-fabric/ports"
	"haulmatch/internal/platform/sharedstore"
	"haulmatch/internal/shared/events"
)

// relayChannel is the shared pub/sub channel every instance subscribes to.
const relayChannel = "fabric:events"

// relayFrame is one cross-instance emit. The source-instance marker keeps a
// relayed message from being re-delivered by its own publisher.
type relayFrame struct {
	Instance string          `json:"instance"`
	Room     string          `json:"room"`
	Event    events.Name     `json:"event"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Hub owns every local session and room binding and relays emits across
// instances over the shared store. All per-instance maps sit behind one
// mutex; nothing else in the process touches them.
type Hub struct {
	InstanceID      string
	Store           sharedstore.Store
	Presence        ports.Presence
	Clock           ports.Clock
	Logger          *slog.Logger
	MaxConnsPerUser int
	ResumeWindow    time.Duration

	mu       sync.Mutex
	sessions map[string]*Session            // socket id -> session
	byUser   map[string][]*Session          // user id -> sessions, oldest first
	rooms    map[string]map[string]*Session // room -> socket id -> session
}

// NewHub builds an empty hub for this instance.
func NewHub(instanceID string, store sharedstore.Store, presence ports.Presence, clock ports.Clock, maxConnsPerUser int, logger *slog.Logger) *Hub {
	if maxConnsPerUser <= 0 {
		maxConnsPerUser = 5
	}
	return &Hub{
		InstanceID:      instanceID,
		Store:           store,
		Presence:        presence,
		Clock:           clock,
		Logger:          logger,
		MaxConnsPerUser: maxConnsPerUser,
		ResumeWindow:    2 * time.Minute,
		sessions:        make(map[string]*Session),
		byUser:          make(map[string][]*Session),
		rooms:           make(map[string]map[string]*Session),
	}
}

func (h *Hub) now() time.Time {
	if h.Clock != nil {
		return h.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

// Register admits an authenticated session: enforces the per-user connection
// cap (oldest loses), binds the user and role rooms, greets the client, and
// restores presence for transporters/drivers whose durable flag allows it.
func (h *Hub) Register(ctx context.Context, session *Session) {
	logger := ResolveLogger(h.Logger)

	var evicted *Session
	h.mu.Lock()
	existing := h.byUser[session.UserID]
	if len(existing) >= h.MaxConnsPerUser {
		evicted = existing[0]
		h.removeLocked(evicted)
	}
	h.sessions[session.ID] = session
	h.byUser[session.UserID] = append(h.byUser[session.UserID], session)
	h.joinLocked(session, events.RoomUser(session.UserID))
	h.joinLocked(session, events.RoomRole(session.Role))
	h.mu.Unlock()

	if evicted != nil {
		if envelope, ok := events.Marshal(events.ConnectionPolicy, events.ConnectionPolicyPayload{
			Reason:         "connection limit exceeded, oldest connection closed",
			MaxConnections: h.MaxConnsPerUser,
		}); ok {
			_ = evicted.Send(envelope)
		}
		evicted.CloseConn()
		logger.Info("oldest connection evicted",
			"event", "fabric_connection_evicted",
			"module", "fleet-telemetry/delivery-fabric",
			"layer", "application",
			"user_id", session.UserID,
			"socket_id", evicted.ID,
		)
	}

	if envelope, ok := events.Marshal(events.Connected, events.ConnectedPayload{
		SocketID:        session.ID,
		InstanceID:      h.InstanceID,
		UserID:          session.UserID,
		Role:            session.Role,
		ResumeWindowSec: int(h.ResumeWindow / time.Second),
	}); ok {
		session.Enqueue(envelope)
	}

	if session.Role == ports.RoleTransporter || session.Role == ports.RoleDriver {
		// Fire-and-forget: a reconnecting transporter whose durable
		// is_available flag is still true comes back online without an
		// explicit toggle.
		go func() {
			restored, err := h.Presence.RestoreOnReconnect(context.WithoutCancel(ctx), session.UserID)
			if err != nil {
				logger.Warn("presence restore on reconnect failed",
					"event", "fabric_presence_restore_failed",
					"module", "fleet-telemetry/delivery-fabric",
					"layer", "application",
					"user_id", session.UserID,
					"error", err.Error(),
				)
				return
			}
			if restored {
				logger.Info("presence restored on reconnect",
					"event", "fabric_presence_restored",
					"module", "fleet-telemetry/delivery-fabric",
					"layer", "application",
					"user_id", session.UserID,
				)
			}
		}()
	}
}

// Unregister removes a closed session from every registry. Presence is left
// to its TTL; a quick reconnect inside the resume window keeps the
// transporter online without a gap.
func (h *Hub) Unregister(session *Session) {
	h.mu.Lock()
	h.removeLocked(session)
	h.mu.Unlock()
	session.CloseConn()
}

// removeLocked detaches a session from sessions, byUser, and all rooms.
func (h *Hub) removeLocked(session *Session) {
	delete(h.sessions, session.ID)
	peers := h.byUser[session.UserID]
	for i, peer := range peers {
		if peer.ID == session.ID {
			h.byUser[session.UserID] = append(peers[:i], peers[i+1:]...)
			break
		}
	}
	if len(h.byUser[session.UserID]) == 0 {
		delete(h.byUser, session.UserID)
	}
	for room, members := range h.rooms {
		delete(members, session.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) joinLocked(session *Session, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		h.rooms[room] = members
	}
	members[session.ID] = session
}

// Join binds a session to a logical room.
func (h *Hub) Join(session *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joinLocked(session, room)
}

// Leave unbinds a session from a room.
func (h *Hub) Leave(session *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[room]
	delete(members, session.ID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Emit delivers an event to every member of room across all instances.
// Local members get it directly; the frame is relayed for the rest.
func (h *Hub) Emit(ctx context.Context, room string, event events.Name, payload any) error {
	envelope, ok := events.Marshal(event, payload)
	if !ok {
		return fmt.Errorf("encode %s payload", event)
	}
	h.deliverLocal(room, envelope)

	frame, err := json.Marshal(relayFrame{
		Instance: h.InstanceID,
		Room:     room,
		Event:    event,
		Data:     envelope.Data,
	})
	if err != nil {
		return err
	}
	return h.Store.Publish(ctx, relayChannel, frame)
}

func (h *Hub) deliverLocal(room string, envelope events.Envelope) {
	h.mu.Lock()
	members := make([]*Session, 0, len(h.rooms[room]))
	for _, session := range h.rooms[room] {
		members = append(members, session)
	}
	h.mu.Unlock()
	for _, session := range members {
		session.Enqueue(envelope)
	}
}

// Run consumes the relay channel until ctx is cancelled, applying frames from
// other instances to local room members.
func (h *Hub) Run(ctx context.Context) error {
	logger := ResolveLogger(h.Logger)
	sub, err := h.Store.Subscribe(ctx, relayChannel)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, open := <-sub.Messages():
			if !open {
				return nil
			}
			var frame relayFrame
			if err := json.Unmarshal(msg.Payload, &frame); err != nil {
				logger.Error("relay frame decode failed",
					"event", "fabric_relay_decode_failed",
					"module", "fleet-telemetry/delivery-fabric",
					"layer", "application",
					"error", err.Error(),
				)
				continue
			}
			if frame.Instance == h.InstanceID {
				continue
			}
			h.deliverLocal(frame.Room, events.Envelope{Event: frame.Event, Data: frame.Data})
		}
	}
}

// HandleInbound routes one client frame. Unknown events are ignored.
func (h *Hub) HandleInbound(ctx context.Context, session *Session, raw []byte) {
	logger := ResolveLogger(h.Logger)

	var envelope events.Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		logger.Debug("inbound frame decode failed",
			"event", "fabric_inbound_decode_failed",
			"module", "fleet-telemetry/delivery-fabric",
			"layer", "application",
			"socket_id", session.ID,
			"error", err.Error(),
		)
		return
	}

	switch envelope.Event {
	case events.Heartbeat:
		var payload events.HeartbeatPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return
		}
		if session.Role != ports.RoleTransporter && session.Role != ports.RoleDriver {
			return
		}
		extended, err := h.Presence.Heartbeat(ctx, session.UserID, payload.Lat, payload.Lng)
		if err != nil {
			logger.Warn("heartbeat presence extend failed",
				"event", "fabric_heartbeat_failed",
				"module", "fleet-telemetry/delivery-fabric",
				"layer", "application",
				"user_id", session.UserID,
				"error", err.Error(),
			)
			return
		}
		if !extended {
			logger.Debug("heartbeat ignored for offline entry",
				"event", "fabric_heartbeat_ignored",
				"module", "fleet-telemetry/delivery-fabric",
				"layer", "application",
				"user_id", session.UserID,
			)
		}
	case events.JoinBooking:
		var payload events.RoomPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil || payload.BookingID == "" {
			return
		}
		h.Join(session, events.RoomBooking(payload.BookingID))
	case events.LeaveBooking:
		var payload events.RoomPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil || payload.BookingID == "" {
			return
		}
		h.Leave(session, events.RoomBooking(payload.BookingID))
	case events.JoinOrder:
		var payload events.RoomPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil || payload.OrderID == "" {
			return
		}
		h.Join(session, events.RoomOrder(payload.OrderID))
	case events.LeaveOrder:
		var payload events.RoomPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil || payload.OrderID == "" {
			return
		}
		h.Leave(session, events.RoomOrder(payload.OrderID))
	case events.UpdateLocation:
		if session.Role != ports.RoleDriver {
			return
		}
		var payload events.LocationUpdatePayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil || payload.TripID == "" {
			return
		}
		if err := h.Emit(ctx, events.RoomTrip(payload.TripID), events.UpdateLocation, payload); err != nil {
			logger.Warn("location relay failed",
				"event", "fabric_location_relay_failed",
				"module", "fleet-telemetry/delivery-fabric",
				"layer", "application",
				"user_id", session.UserID,
				"error", err.Error(),
			)
		}
	case events.Ping:
		if envelope, ok := events.Marshal(events.Pong, nil); ok {
			session.Enqueue(envelope)
		}
	}
}

// LocalSessionCount reports how many sessions this instance hosts.
func (h *Hub) LocalSessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
