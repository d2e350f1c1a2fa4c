package sharedstore

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the remote store cannot be reached and the
// client refuses to queue the command. Callers degrade instead of hanging.
var ErrUnavailable = errors.New("shared store unavailable")

// GeoMember is one entry in a geospatial index.
type GeoMember struct {
	Member string
	Lat    float64
	Lng    float64
}

// GeoResult is one radius-search hit, ordered by distance ascending.
type GeoResult struct {
	Member     string
	DistanceKM float64
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub consumer. Close releases the channel.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Store is the cross-instance coordination surface. Every instance of the
// service talks to the same logical store; all operations are safe under
// concurrent callers and report unambiguous success/failure per call.
//
// The three scripted operations (LockAcquire, LockRelease, ZPopByScoreMatch)
// are atomic single round-trips in every implementation.
type Store interface {
	Ping(ctx context.Context) error

	// Strings.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)

	// Hashes. Hash TTLs apply to the whole key.
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key string, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Sets.
	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key string, member string) (bool, error)
	SMIsMember(ctx context.Context, key string, members ...string) ([]bool, error)
	SCard(ctx context.Context, key string) (int64, error)

	// Sorted sets.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]string, error)

	// Lists.
	LPush(ctx context.Context, key string, values ...string) error
	RPop(ctx context.Context, key string) (string, bool, error)
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) (key string, value string, ok bool, err error)

	// Geospatial.
	GeoAdd(ctx context.Context, key string, member GeoMember) error
	GeoRem(ctx context.Context, key string, members ...string) error
	GeoSearch(ctx context.Context, key string, lat, lng, radiusKM float64, limit int) ([]GeoResult, error)

	// Pub/sub.
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Scripted atomics.
	//
	// LockAcquire sets key to holder with ttl, or extends ttl when the caller
	// already holds it, or returns false.
	LockAcquire(ctx context.Context, key string, holder string, ttl time.Duration) (bool, error)
	// LockRelease deletes key only while it still names holder.
	LockRelease(ctx context.Context, key string, holder string) (bool, error)
	// ZPopByScoreMatch atomically removes and returns up to limit members of
	// key with score <= maxScore whose member string starts with prefix. Each
	// member is returned to at most one caller across all instances.
	ZPopByScoreMatch(ctx context.Context, key string, prefix string, maxScore float64, limit int) ([]string, error)

	Close() error
}
