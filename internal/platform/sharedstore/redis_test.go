package sharedstore

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisFromClient(client)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStringsAndTTL(t *testing.T) {
	store, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", 10*time.Second))
	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", value)

	mr.FastForward(11 * time.Second)
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisSetSemantics(t *testing.T) {
	store, _ := newTestRedis(t)
	ctx := context.Background()

	added, err := store.SAdd(ctx, "set", "a")
	require.NoError(t, err)
	require.EqualValues(t, 1, added)

	added, err = store.SAdd(ctx, "set", "a")
	require.NoError(t, err)
	require.EqualValues(t, 0, added)

	hits, err := store.SMIsMember(ctx, "set", "a", "b")
	require.NoError(t, err)
	require.Equal(t, []bool{true, false}, hits)
}

func TestRedisLockScripts(t *testing.T) {
	store, mr := newTestRedis(t)
	ctx := context.Background()

	ok, err := store.LockAcquire(ctx, "lock:x", "holder-1", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Same holder extends, other holder is refused.
	ok, err = store.LockAcquire(ctx, "lock:x", "holder-1", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.LockAcquire(ctx, "lock:x", "holder-2", 10*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	released, err := store.LockRelease(ctx, "lock:x", "holder-2")
	require.NoError(t, err)
	require.False(t, released)
	released, err = store.LockRelease(ctx, "lock:x", "holder-1")
	require.NoError(t, err)
	require.True(t, released)

	ok, err = store.LockAcquire(ctx, "lock:y", "holder-1", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(6 * time.Second)
	ok, err = store.LockAcquire(ctx, "lock:y", "holder-2", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisZPopByScoreMatch(t *testing.T) {
	store, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.ZAdd(ctx, "pending", 100, "timer:radius:b1"))
	require.NoError(t, store.ZAdd(ctx, "pending", 200, "timer:booking:b1"))
	require.NoError(t, store.ZAdd(ctx, "pending", 300, "timer:radius:b2"))

	popped, err := store.ZPopByScoreMatch(ctx, "pending", "timer:radius:", 250, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"timer:radius:b1"}, popped)

	// Claimed once: a second pop returns nothing for the same member.
	popped, err = store.ZPopByScoreMatch(ctx, "pending", "timer:radius:", 250, 10)
	require.NoError(t, err)
	require.Empty(t, popped)

	rest, err := store.ZRangeByScore(ctx, "pending", 0, 1000, 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
}

func TestRedisZPopByScoreMatchSeesPastOtherPrefixBacklog(t *testing.T) {
	store, _ := newTestRedis(t)
	ctx := context.Background()

	// A deep backlog of another prefix ranks ahead of the matching members.
	for i := 0; i < 10; i++ {
		require.NoError(t, store.ZAdd(ctx, "pending", float64(10+i), "timer:booking:b"+strconv.Itoa(i)))
	}
	require.NoError(t, store.ZAdd(ctx, "pending", 90, "timer:radius:b1"))
	require.NoError(t, store.ZAdd(ctx, "pending", 91, "timer:radius:b2"))

	// The limit is smaller than the backlog; the scan must keep going until
	// the matching members are found.
	popped, err := store.ZPopByScoreMatch(ctx, "pending", "timer:radius:", 100, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"timer:radius:b1", "timer:radius:b2"}, popped)

	// The other prefix's members were left untouched.
	rest, err := store.ZRangeByScore(ctx, "pending", 0, 1000, 0)
	require.NoError(t, err)
	require.Len(t, rest, 10)
}

func TestRedisListsAndHashes(t *testing.T) {
	store, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.LPush(ctx, "queue", "first", "second"))
	value, ok, err := store.RPop(ctx, "queue")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first", value)

	require.NoError(t, store.HSet(ctx, "h", map[string]string{"a": "1", "b": "2"}))
	field, ok, err := store.HGet(ctx, "h", "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", field)
	all, err := store.HGetAll(ctx, "h")
	require.NoError(t, err)
	require.Len(t, all, 2)
}
