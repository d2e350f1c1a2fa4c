// Package timers is the distributed timer wheel. Every instance runs the same
// drain loop against the shared store; scripted pops and per-timer locks make
// each due timer fire its handler on exactly one instance per tick.
package timers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"haulmatch/internal/platform/sharedstore"

	"github.com/google/uuid"
)

const (
	pendingKey = "timers:pending"

	// Payload strings outlive their expiry by this much so storage is
	// self-cleaning even if a drain crashes mid-flight.
	payloadSafetyBuffer = 60 * time.Second

	handlerLockTTL = 30 * time.Second
	drainBatchSize = 256
)

// Timer is one scheduled entry returned by Drain.
type Timer struct {
	Key       string
	Payload   json.RawMessage
	ExpiresAt time.Time
}

// Handler processes one due timer. Handlers must be short and idempotent; a
// failed handler is retried on the next drain tick.
type Handler func(ctx context.Context, timer Timer) error

// record is the stored envelope for one timer payload.
type record struct {
	ExpiresAtMS int64           `json:"expires_at_ms"`
	Payload     json.RawMessage `json:"payload"`
}

// Engine schedules and fires named timers across all instances.
type Engine struct {
	Store         sharedstore.Store
	Logger        *slog.Logger
	DrainInterval time.Duration
	Now           func() time.Time

	instanceID string

	mu       sync.Mutex
	prefixes []string
	handlers map[string]Handler
}

// NewEngine builds an engine with no registered handlers.
func NewEngine(store sharedstore.Store, drainInterval time.Duration, logger *slog.Logger) *Engine {
	if drainInterval <= 0 {
		drainInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Store:         store,
		Logger:        logger,
		DrainInterval: drainInterval,
		Now:           time.Now,
		instanceID:    uuid.NewString(),
		handlers:      make(map[string]Handler),
	}
}

// Schedule places a timer under key, replacing any existing timer with the
// same key. The payload is stored with a TTL past expiry so abandoned timers
// clean themselves up.
func (e *Engine) Schedule(ctx context.Context, key string, payload json.RawMessage, expiresAt time.Time) error {
	body, err := json.Marshal(record{
		ExpiresAtMS: expiresAt.UnixMilli(),
		Payload:     payload,
	})
	if err != nil {
		return fmt.Errorf("encode timer %s: %w", key, err)
	}

	ttl := time.Until(expiresAt) + payloadSafetyBuffer
	if ttl < payloadSafetyBuffer {
		ttl = payloadSafetyBuffer
	}
	if err := e.Store.Set(ctx, key, string(body), ttl); err != nil {
		return err
	}
	return e.Store.ZAdd(ctx, pendingKey, float64(expiresAt.UnixMilli()), key)
}

// Cancel removes a timer. Idempotent: cancelling an absent timer is a no-op.
func (e *Engine) Cancel(ctx context.Context, key string) error {
	if err := e.Store.ZRem(ctx, pendingKey, key); err != nil {
		return err
	}
	return e.Store.Del(ctx, key)
}

// Drain atomically claims timers under prefix whose expiry has passed. Each
// due timer is returned to at most one caller across all instances. A timer
// whose payload string is gone was cancelled (or reaped by its TTL) and is
// silently dropped.
func (e *Engine) Drain(ctx context.Context, prefix string) ([]Timer, error) {
	now := e.Now()
	keys, err := e.Store.ZPopByScoreMatch(ctx, pendingKey, prefix, float64(now.UnixMilli()), drainBatchSize)
	if err != nil {
		return nil, err
	}

	timers := make([]Timer, 0, len(keys))
	for i, key := range keys {
		raw, ok, err := e.Store.Get(ctx, key)
		if err != nil {
			// The pop already claimed the rest of the batch; put the
			// unprocessed keys back so a later tick picks them up.
			e.requeueKeys(ctx, keys[i:])
			return timers, err
		}
		if !ok {
			continue
		}
		if err := e.Store.Del(ctx, key); err != nil {
			e.requeueKeys(ctx, keys[i:])
			return timers, err
		}
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			e.Logger.Error("timer payload decode failed",
				"event", "timer_payload_decode_failed",
				"module", "internal/platform/timers",
				"layer", "platform",
				"timer_key", key,
				"error", err.Error(),
			)
			continue
		}
		timers = append(timers, Timer{
			Key:       key,
			Payload:   rec.Payload,
			ExpiresAt: time.UnixMilli(rec.ExpiresAtMS),
		})
	}
	return timers, nil
}

// Register binds a handler to a key prefix drained by Run.
func (e *Engine) Register(prefix string, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.handlers[prefix]; !exists {
		e.prefixes = append(e.prefixes, prefix)
	}
	e.handlers[prefix] = handler
}

// Run drives the drain loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick drains every registered prefix once. Exported so the worker entrypoint
// and tests can drive the loop directly.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.Lock()
	prefixes := append([]string(nil), e.prefixes...)
	handlers := make(map[string]Handler, len(e.handlers))
	for prefix, handler := range e.handlers {
		handlers[prefix] = handler
	}
	e.mu.Unlock()

	for _, prefix := range prefixes {
		timers, err := e.Drain(ctx, prefix)
		if err != nil {
			e.Logger.Error("timer drain failed",
				"event", "timer_drain_failed",
				"module", "internal/platform/timers",
				"layer", "platform",
				"prefix", prefix,
				"error", err.Error(),
			)
			continue
		}
		for _, timer := range timers {
			e.dispatch(ctx, timer, handlers[prefix])
		}
	}
}

// dispatch serializes racing instances on the same timer behind a short lock.
// The first holder runs the handler; a failed handler puts the timer back in
// the pending set so the next tick retries.
func (e *Engine) dispatch(ctx context.Context, timer Timer, handler Handler) {
	lockKey := "lock:" + timer.Key
	acquired, err := e.Store.LockAcquire(ctx, lockKey, e.instanceID, handlerLockTTL)
	if err != nil {
		e.Logger.Error("timer lock acquire failed",
			"event", "timer_lock_failed",
			"module", "internal/platform/timers",
			"layer", "platform",
			"timer_key", timer.Key,
			"error", err.Error(),
		)
		e.requeue(ctx, timer)
		return
	}
	if !acquired {
		return
	}

	if err := handler(ctx, timer); err != nil {
		e.Logger.Error("timer handler failed",
			"event", "timer_handler_failed",
			"module", "internal/platform/timers",
			"layer", "platform",
			"timer_key", timer.Key,
			"error", err.Error(),
		)
		e.requeue(ctx, timer)
		// The lock is left to expire so another instance can retry sooner
		// than this one if it recovers first.
		return
	}
	if _, err := e.Store.LockRelease(ctx, lockKey, e.instanceID); err != nil {
		e.Logger.Warn("timer lock release failed",
			"event", "timer_lock_release_failed",
			"module", "internal/platform/timers",
			"layer", "platform",
			"timer_key", timer.Key,
			"error", err.Error(),
		)
	}
}

// requeueKeys puts popped-but-unprocessed keys back in the pending set as
// immediately due. Payload strings are untouched, so a cancelled timer among
// them still drains to nothing.
func (e *Engine) requeueKeys(ctx context.Context, keys []string) {
	score := float64(e.Now().UnixMilli())
	for _, key := range keys {
		if err := e.Store.ZAdd(ctx, pendingKey, score, key); err != nil {
			e.Logger.Error("timer requeue failed",
				"event", "timer_requeue_failed",
				"module", "internal/platform/timers",
				"layer", "platform",
				"timer_key", key,
				"error", err.Error(),
			)
		}
	}
}

func (e *Engine) requeue(ctx context.Context, timer Timer) {
	if err := e.Schedule(ctx, timer.Key, timer.Payload, e.Now()); err != nil {
		e.Logger.Error("timer requeue failed",
			"event", "timer_requeue_failed",
			"module", "internal/platform/timers",
			"layer", "platform",
			"timer_key", timer.Key,
			"error", err.Error(),
		)
	}
}
