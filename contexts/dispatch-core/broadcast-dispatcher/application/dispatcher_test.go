package application

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"haulmatch/contexts/dispatch-core/booking-lifecycle/adapters/memory"
	"haulmatch/contexts/dispatch-core/booking-lifecycle/domain/entities"
	lifecycleports "haulmatch/contexts/dispatch-core/booking-lifecycle/ports"
	"haulmatch/contexts/dispatch-core/broadcast-dispatcher/adapters/state"
	"haulmatch/contexts/dispatch-core/broadcast-dispatcher/ports"
	"haulmatch/internal/platform/sharedstore"
	"haulmatch/internal/platform/timers"
	"haulmatch/internal/shared/events"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

// scriptedPresence answers Nearest per radius and filters online membership
// from a fixed set.
type scriptedPresence struct {
	nearest map[float64][]string
	online  map[string]bool
}

func (p *scriptedPresence) Nearest(_ context.Context, _ string, _, _ float64, radiusKM float64, limit int) ([]string, error) {
	ids := p.nearest[radiusKM]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (p *scriptedPresence) OnlineFilter(_ context.Context, ids []string) ([]string, error) {
	var out []string
	for _, id := range ids {
		if p.online[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

type scheduledTimer struct {
	Payload  json.RawMessage
	ExpireAt time.Time
}

type recordingScheduler struct {
	mu        sync.Mutex
	scheduled map[string]scheduledTimer
	cancelled []string
}

func newRecordingScheduler() *recordingScheduler {
	return &recordingScheduler{scheduled: make(map[string]scheduledTimer)}
}

func (s *recordingScheduler) Schedule(_ context.Context, key string, payload json.RawMessage, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled[key] = scheduledTimer{Payload: payload, ExpireAt: expiresAt}
	return nil
}

func (s *recordingScheduler) Cancel(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scheduled, key)
	s.cancelled = append(s.cancelled, key)
	return nil
}

func (s *recordingScheduler) timerFor(key string) (scheduledTimer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer, ok := s.scheduled[key]
	return timer, ok
}

type sentBroadcast struct {
	TransporterID string
	Event         events.Name
	Payload       events.BroadcastPayload
}

type payloadNotifier struct {
	mu   sync.Mutex
	sent []sentBroadcast
}

func (n *payloadNotifier) NotifyUser(_ context.Context, userID string, event events.Name, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	record := sentBroadcast{TransporterID: userID, Event: event}
	if body, ok := payload.(events.BroadcastPayload); ok {
		record.Payload = body
	}
	n.sent = append(n.sent, record)
	return nil
}

func (n *payloadNotifier) NotifyUsers(ctx context.Context, userIDs []string, event events.Name, payload any) error {
	for _, id := range userIDs {
		_ = n.NotifyUser(ctx, id, event, payload)
	}
	return nil
}

func (n *payloadNotifier) recipients() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		out = append(out, s.TransporterID)
	}
	return out
}

func (n *payloadNotifier) lastTo(transporterID string) (sentBroadcast, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.sent) - 1; i >= 0; i-- {
		if n.sent[i].TransporterID == transporterID {
			return n.sent[i], true
		}
	}
	return sentBroadcast{}, false
}

type dispatcherFixture struct {
	service   *Service
	repo      *memory.Store
	presence  *scriptedPresence
	scheduler *recordingScheduler
	state     state.Store
	notifier  *payloadNotifier
	clock     fixedClock
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	shared := sharedstore.NewMemory()
	t.Cleanup(func() { _ = shared.Close() })

	f := &dispatcherFixture{
		repo:      memory.NewStore(),
		presence:  &scriptedPresence{nearest: map[float64][]string{}, online: map[string]bool{}},
		scheduler: newRecordingScheduler(),
		state:     state.Store{Shared: shared},
		notifier:  &payloadNotifier{},
		clock:     fixedClock{at: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.service = &Service{
		Repository:   f.repo,
		Presence:     f.presence,
		Timers:       f.scheduler,
		State:        f.state,
		Notifier:     f.notifier,
		Clock:        f.clock,
		PerStepLimit: 3,
		Steps: []ports.RadiusStep{
			{KM: 10, Timeout: 15 * time.Second},
			{KM: 25, Timeout: 15 * time.Second},
			{KM: 50, Timeout: 15 * time.Second},
		},
	}
	return f
}

func (f *dispatcherFixture) seedBooking(t *testing.T, id string, horizon time.Duration) entities.Booking {
	t.Helper()
	booking := entities.Booking{
		ID:           id,
		CustomerID:   "cust-1",
		Pickup:       entities.Location{Lat: 12.9716, Lng: 77.5946},
		Drop:         entities.Location{Lat: 13.0827, Lng: 80.2707},
		VehicleType:  "Open",
		TrucksNeeded: 2,
		Status:       entities.StatusActive,
		CreatedAt:    f.clock.at,
		ExpiresAt:    f.clock.at.Add(horizon),
	}
	if err := f.repo.CreateBooking(context.Background(), booking); err != nil {
		t.Fatalf("seed booking failed: %v", err)
	}
	return booking
}

func lifecycleMatches(ids ...string) lifecycleports.InitialMatches {
	return lifecycleports.InitialMatches{TransporterIDs: ids}
}

func TestResolveInitialMatchesUsesGeoIndex(t *testing.T) {
	f := newDispatcherFixture(t)
	f.presence.nearest[10] = []string{"t-1", "t-2"}
	booking := f.seedBooking(t, "b-1", 2*time.Minute)

	matches, err := f.service.ResolveInitialMatches(context.Background(), booking)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(matches.TransporterIDs) != 2 || matches.SkipExpansion {
		t.Fatalf("expected geo matches with expansion, got %+v", matches)
	}
}

func TestResolveInitialMatchesDurableFallback(t *testing.T) {
	f := newDispatcherFixture(t)
	booking := f.seedBooking(t, "b-1", 2*time.Minute)

	// Cold geo index; the durable roster has four owners of the type, three
	// of them online, and the cap is three.
	for _, id := range []string{"t-1", "t-2", "t-3", "t-4"} {
		f.repo.SeedVehicle(memory.Vehicle{ID: id + "-v1", TransporterID: id, VehicleType: "Open"})
	}
	f.presence.online["t-1"] = true
	f.presence.online["t-2"] = true
	f.presence.online["t-3"] = true
	f.presence.online["t-4"] = true

	matches, err := f.service.ResolveInitialMatches(context.Background(), booking)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !matches.SkipExpansion {
		t.Fatalf("fallback matches must skip radius expansion")
	}
	if len(matches.TransporterIDs) != 3 {
		t.Fatalf("fallback must cap at the per-step limit, got %v", matches.TransporterIDs)
	}
}

func TestLaunchArmsTimersAndNotifies(t *testing.T) {
	f := newDispatcherFixture(t)
	booking := f.seedBooking(t, "b-1", 2*time.Minute)
	ctx := context.Background()

	notified, err := f.service.Launch(ctx, booking, lifecycleMatches("t-1", "t-2"))
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	if notified != 2 {
		t.Fatalf("expected 2 notified, got %d", notified)
	}

	expiry, ok := f.scheduler.timerFor(BookingTimerPrefix + "b-1")
	if !ok || !expiry.ExpireAt.Equal(booking.ExpiresAt) {
		t.Fatalf("booking timer must fire at the horizon, got %+v ok=%v", expiry, ok)
	}
	radius, ok := f.scheduler.timerFor(RadiusTimerPrefix + "b-1")
	if !ok || !radius.ExpireAt.Equal(f.clock.at.Add(15*time.Second)) {
		t.Fatalf("radius timer must fire after the first step timeout, got %+v ok=%v", radius, ok)
	}
	var payload radiusTimerPayload
	if err := json.Unmarshal(radius.Payload, &payload); err != nil || payload.Step != 1 {
		t.Fatalf("radius timer should carry step 1, got %+v err=%v", payload, err)
	}

	sent, ok := f.notifier.lastTo("t-1")
	if !ok || sent.Event != events.NewBroadcast {
		t.Fatalf("transporter should get new_broadcast, got %+v", sent)
	}
	if sent.Payload.TimeoutSeconds != 120 || sent.Payload.RadiusStepIndex != 0 || sent.Payload.IsRebroadcast {
		t.Fatalf("unexpected payload: %+v", sent.Payload)
	}
}

func TestLaunchSkipsRadiusTimerOnFallbackMatches(t *testing.T) {
	f := newDispatcherFixture(t)
	booking := f.seedBooking(t, "b-1", 2*time.Minute)

	matches := lifecycleMatches("t-1")
	matches.SkipExpansion = true
	if _, err := f.service.Launch(context.Background(), booking, matches); err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	if _, ok := f.scheduler.timerFor(RadiusTimerPrefix + "b-1"); ok {
		t.Fatalf("fallback launch must not arm the radius timer")
	}
	if _, ok := f.scheduler.timerFor(BookingTimerPrefix + "b-1"); !ok {
		t.Fatalf("booking timer must always be armed")
	}
}

func TestFanOutIsAtMostOncePerTransporter(t *testing.T) {
	f := newDispatcherFixture(t)
	booking := f.seedBooking(t, "b-1", 2*time.Minute)
	ctx := context.Background()

	if _, err := f.service.Launch(ctx, booking, lifecycleMatches("t-1", "t-2")); err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	// Overlapping step: one known candidate, one new.
	sent, err := f.service.fanOut(ctx, booking, []string{"t-1", "t-3"}, 1, false)
	if err != nil {
		t.Fatalf("fan-out failed: %v", err)
	}
	if sent != 1 {
		t.Fatalf("only the unseen transporter should be notified, got %d", sent)
	}
	recipients := f.notifier.recipients()
	if len(recipients) != 3 || recipients[2] != "t-3" {
		t.Fatalf("unexpected recipients %v", recipients)
	}

	// The durable audit mirror followed along.
	stored, _, _ := f.repo.GetBooking(ctx, "b-1")
	if len(stored.NotifiedTransporters) != 3 {
		t.Fatalf("audit mirror should list 3 transporters, got %v", stored.NotifiedTransporters)
	}
}

func TestFanOutHonorsPerStepCap(t *testing.T) {
	f := newDispatcherFixture(t)
	booking := f.seedBooking(t, "b-1", 2*time.Minute)

	sent, err := f.service.fanOut(context.Background(), booking,
		[]string{"t-1", "t-2", "t-3", "t-4", "t-5"}, 0, false)
	if err != nil {
		t.Fatalf("fan-out failed: %v", err)
	}
	if sent != 3 {
		t.Fatalf("cap is 3, got %d", sent)
	}
}

func TestHandleRadiusTimerExpandsAndReschedules(t *testing.T) {
	f := newDispatcherFixture(t)
	booking := f.seedBooking(t, "b-1", 2*time.Minute)
	ctx := context.Background()

	if _, err := f.service.Launch(ctx, booking, lifecycleMatches("t-1")); err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	f.presence.nearest[25] = []string{"t-1", "t-2"}

	body, _ := json.Marshal(radiusTimerPayload{BookingID: "b-1", Step: 1})
	if err := f.service.HandleRadiusTimer(ctx, timers.Timer{Key: RadiusTimerPrefix + "b-1", Payload: body}); err != nil {
		t.Fatalf("radius timer failed: %v", err)
	}

	// Only the newly reachable transporter was notified.
	if _, ok := f.notifier.lastTo("t-2"); !ok {
		t.Fatalf("wider radius should reach t-2")
	}
	sent, _ := f.notifier.lastTo("t-2")
	if sent.Payload.RadiusStepIndex != 1 {
		t.Fatalf("expected step index 1, got %d", sent.Payload.RadiusStepIndex)
	}

	next, ok := f.scheduler.timerFor(RadiusTimerPrefix + "b-1")
	if !ok {
		t.Fatalf("next expansion must be scheduled")
	}
	var payload radiusTimerPayload
	if err := json.Unmarshal(next.Payload, &payload); err != nil || payload.Step != 2 {
		t.Fatalf("expected step 2 next, got %+v err=%v", payload, err)
	}
	if cursor, found, _ := f.state.RadiusStep(ctx, "b-1"); !found || cursor != 2 {
		t.Fatalf("cursor should advance to 2, got %d found=%v", cursor, found)
	}
}

func TestHandleRadiusTimerLastStepSchedulesDatabaseSweep(t *testing.T) {
	f := newDispatcherFixture(t)
	f.seedBooking(t, "b-1", 2*time.Minute)
	ctx := context.Background()

	f.presence.nearest[50] = []string{"t-9"}
	body, _ := json.Marshal(radiusTimerPayload{BookingID: "b-1", Step: 2})
	if err := f.service.HandleRadiusTimer(ctx, timers.Timer{Key: RadiusTimerPrefix + "b-1", Payload: body}); err != nil {
		t.Fatalf("radius timer failed: %v", err)
	}

	// After the last geo radius one more timer fires the database-wide sweep.
	next, ok := f.scheduler.timerFor(RadiusTimerPrefix + "b-1")
	if !ok {
		t.Fatalf("the database-wide sweep must be scheduled after the last radius step")
	}
	var payload radiusTimerPayload
	if err := json.Unmarshal(next.Payload, &payload); err != nil || payload.Step != 3 {
		t.Fatalf("expected the sweep step 3, got %+v err=%v", payload, err)
	}
}

func TestHandleRadiusTimerDatabaseWideSweep(t *testing.T) {
	f := newDispatcherFixture(t)
	booking := f.seedBooking(t, "b-1", 2*time.Minute)
	ctx := context.Background()

	// t-in was reached during the geo steps; t-out owns the truck type and is
	// online but sits outside every radius.
	for _, id := range []string{"t-in", "t-out"} {
		f.repo.SeedVehicle(memory.Vehicle{ID: id + "-v1", TransporterID: id, VehicleType: "Open"})
		f.presence.online[id] = true
	}
	if _, err := f.state.AddNotified(ctx, booking.ID, []string{"t-in"}, time.Minute); err != nil {
		t.Fatalf("seed notified set failed: %v", err)
	}

	body, _ := json.Marshal(radiusTimerPayload{BookingID: "b-1", Step: 3})
	if err := f.service.HandleRadiusTimer(ctx, timers.Timer{Key: RadiusTimerPrefix + "b-1", Payload: body}); err != nil {
		t.Fatalf("sweep timer failed: %v", err)
	}

	sent, ok := f.notifier.lastTo("t-out")
	if !ok || sent.Event != events.NewBroadcast {
		t.Fatalf("online matching transporter outside the radii should be reached by the sweep")
	}
	// The dedupe set still applies across the sweep.
	if _, ok := f.notifier.lastTo("t-in"); ok {
		t.Fatalf("already-notified transporter must not be re-sent by the sweep")
	}

	if _, found, _ := f.state.RadiusStep(ctx, "b-1"); found {
		t.Fatalf("cursor should be cleared after the sweep")
	}
	if _, ok := f.scheduler.timerFor(RadiusTimerPrefix + "b-1"); ok {
		t.Fatalf("no expansion beyond the sweep")
	}
}

// flakyFanOutState fails the next N AddNotified calls, then delegates.
type flakyFanOutState struct {
	ports.FanOutState
	failures int
}

func (s *flakyFanOutState) AddNotified(ctx context.Context, bookingID string, ids []string, ttl time.Duration) ([]string, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("store hiccup")
	}
	return s.FanOutState.AddNotified(ctx, bookingID, ids, ttl)
}

func TestFanOutRetriesNotifiedAppendOnce(t *testing.T) {
	f := newDispatcherFixture(t)
	booking := f.seedBooking(t, "b-1", 2*time.Minute)
	f.service.State = &flakyFanOutState{FanOutState: f.state, failures: 1}

	sent, err := f.service.fanOut(context.Background(), booking, []string{"t-1"}, 0, false)
	if err != nil {
		t.Fatalf("fan-out failed: %v", err)
	}
	if sent != 1 {
		t.Fatalf("the retried append should let the send go through, got %d", sent)
	}
	if _, ok := f.notifier.lastTo("t-1"); !ok {
		t.Fatalf("t-1 should be notified after the retry")
	}
}

func TestFanOutSkipsCandidateOnPersistentAppendFailure(t *testing.T) {
	f := newDispatcherFixture(t)
	booking := f.seedBooking(t, "b-1", 2*time.Minute)
	// Both the attempt and the retry for the first candidate fail.
	f.service.State = &flakyFanOutState{FanOutState: f.state, failures: 2}

	sent, err := f.service.fanOut(context.Background(), booking, []string{"t-1", "t-2"}, 0, false)
	if err != nil {
		t.Fatalf("a failed append must not abort the fan-out: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected only the second candidate, got %d", sent)
	}
	if _, ok := f.notifier.lastTo("t-1"); ok {
		t.Fatalf("t-1 must be skipped after both appends failed")
	}
	if _, ok := f.notifier.lastTo("t-2"); !ok {
		t.Fatalf("t-2 should still be notified")
	}
}

func TestHandleRadiusTimerSkipsFinishedBookings(t *testing.T) {
	f := newDispatcherFixture(t)
	booking := f.seedBooking(t, "b-1", 2*time.Minute)
	ctx := context.Background()

	if _, err := f.repo.UpdateStatusIfIn(ctx, booking.ID,
		entities.OpenStatuses(), entities.StatusCancelled, f.clock.at); err != nil {
		t.Fatalf("cancel transition failed: %v", err)
	}
	if err := f.state.SetRadiusStep(ctx, "b-1", 1, time.Minute); err != nil {
		t.Fatalf("seed cursor failed: %v", err)
	}

	body, _ := json.Marshal(radiusTimerPayload{BookingID: "b-1", Step: 1})
	if err := f.service.HandleRadiusTimer(ctx, timers.Timer{Key: RadiusTimerPrefix + "b-1", Payload: body}); err != nil {
		t.Fatalf("radius timer on terminal booking failed: %v", err)
	}
	if len(f.notifier.recipients()) != 0 {
		t.Fatalf("terminal booking must not fan out, got %v", f.notifier.recipients())
	}
	if _, found, _ := f.state.RadiusStep(ctx, "b-1"); found {
		t.Fatalf("cursor should be cleared for a terminal booking")
	}
}

func TestCancelTimersRemovesEverything(t *testing.T) {
	f := newDispatcherFixture(t)
	booking := f.seedBooking(t, "b-1", 2*time.Minute)
	ctx := context.Background()

	if _, err := f.service.Launch(ctx, booking, lifecycleMatches("t-1")); err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	if err := f.service.CancelTimers(ctx, "b-1"); err != nil {
		t.Fatalf("cancel timers failed: %v", err)
	}

	if _, ok := f.scheduler.timerFor(BookingTimerPrefix + "b-1"); ok {
		t.Fatalf("booking timer should be cancelled")
	}
	if _, ok := f.scheduler.timerFor(RadiusTimerPrefix + "b-1"); ok {
		t.Fatalf("radius timer should be cancelled")
	}
	if _, found, _ := f.state.RadiusStep(ctx, "b-1"); found {
		t.Fatalf("cursor should be cleared")
	}
}
