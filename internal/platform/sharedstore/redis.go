package sharedstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options tunes the remote client. Command timeouts are explicit rather than
// relying on library defaults.
type Options struct {
	URL            string
	MaxRetries     int
	CommandTimeout time.Duration
	PoolSize       int
}

// Redis is the production Store backed by a remote Redis-compatible service.
// TLS is inferred from the rediss:// scheme by the URL parser.
type Redis struct {
	client         *redis.Client
	commandTimeout time.Duration
}

// Lock scripts and the timer-drain pop are single round-trips so concurrent
// instances never observe a partially applied lock or drain.
var (
	lockAcquireScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == false then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if current == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

	lockReleaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

	zpopByScoreMatchScript = redis.NewScript(`
local out = {}
local plen = string.len(ARGV[2])
local want = tonumber(ARGV[3])
local skipped = 0
repeat
  local need = want - #out
  local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', skipped, need)
  for _, member in ipairs(due) do
    if string.sub(member, 1, plen) == ARGV[2] then
      redis.call('ZREM', KEYS[1], member)
      out[#out + 1] = member
    else
      skipped = skipped + 1
    end
  end
  if #due < need then
    return out
  end
until #out >= want
return out
`)
)

// NewRedis connects and pings once. A failed ping is fatal here; the caller
// decides whether an in-process fallback is permitted (development only).
func NewRedis(opts Options) (*Redis, error) {
	parsed, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse shared store url: %w", err)
	}
	if opts.MaxRetries > 0 {
		parsed.MaxRetries = opts.MaxRetries
	}
	if opts.CommandTimeout > 0 {
		parsed.DialTimeout = opts.CommandTimeout
		parsed.ReadTimeout = opts.CommandTimeout
		parsed.WriteTimeout = opts.CommandTimeout
	}
	if opts.PoolSize > 0 {
		parsed.PoolSize = opts.PoolSize
	}

	client := redis.NewClient(parsed)

	commandTimeout := opts.CommandTimeout
	if commandTimeout <= 0 {
		commandTimeout = 3 * time.Second
	}

	r := &Redis{client: client, commandTimeout: commandTimeout}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return r, nil
}

// NewRedisFromClient wraps an existing client. Used by tests with miniredis.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client, commandTimeout: 3 * time.Second}
}

func (r *Redis) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.commandTimeout)
}

func (r *Redis) wrap(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.wrap(r.client.Ping(ctx).Err())
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, r.wrap(err)
	}
	return value, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.wrap(r.client.Set(ctx, key, value, ttl).Err())
}

func (r *Redis) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	return ok, r.wrap(err)
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.wrap(r.client.Del(ctx, keys...).Err())
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	n, err := r.client.Incr(ctx, key).Result()
	return n, r.wrap(err)
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	ok, err := r.client.Expire(ctx, key, ttl).Result()
	return ok, r.wrap(err)
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, r.wrap(err)
}

func (r *Redis) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	flat := make([]any, 0, len(fields)*2)
	for field, value := range fields {
		flat = append(flat, field, value)
	}
	return r.wrap(r.client.HSet(ctx, key, flat...).Err())
}

func (r *Redis) HGet(ctx context.Context, key string, field string) (string, bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	value, err := r.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, r.wrap(err)
	}
	return value, true, nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	values, err := r.client.HGetAll(ctx, key).Result()
	return values, r.wrap(err)
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := r.client.SAdd(ctx, key, args...).Result()
	return n, r.wrap(err)
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.wrap(r.client.SRem(ctx, key, args...).Err())
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	members, err := r.client.SMembers(ctx, key).Result()
	return members, r.wrap(err)
}

func (r *Redis) SIsMember(ctx context.Context, key string, member string) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	ok, err := r.client.SIsMember(ctx, key, member).Result()
	return ok, r.wrap(err)
}

func (r *Redis) SMIsMember(ctx context.Context, key string, members ...string) ([]bool, error) {
	if len(members) == 0 {
		return nil, nil
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	hits, err := r.client.SMIsMember(ctx, key, args...).Result()
	return hits, r.wrap(err)
}

func (r *Redis) SCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	n, err := r.client.SCard(ctx, key).Result()
	return n, r.wrap(err)
}

func (r *Redis) ZAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.wrap(r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (r *Redis) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.wrap(r.client.ZRem(ctx, key, args...).Err())
}

func (r *Redis) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]string, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	rangeBy := &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}
	members, err := r.client.ZRangeByScore(ctx, key, rangeBy).Result()
	return members, r.wrap(err)
}

func (r *Redis) LPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return r.wrap(r.client.LPush(ctx, key, args...).Err())
}

func (r *Redis) RPop(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	value, err := r.client.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, r.wrap(err)
	}
	return value, true, nil
}

func (r *Redis) BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, bool, error) {
	// Blocking pops get the caller's deadline plus the pop timeout, not the
	// per-command ceiling.
	ctx, cancel := context.WithTimeout(ctx, timeout+r.commandTimeout)
	defer cancel()
	pair, err := r.client.BRPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, r.wrap(err)
	}
	if len(pair) != 2 {
		return "", "", false, nil
	}
	return pair[0], pair[1], true, nil
}

func (r *Redis) GeoAdd(ctx context.Context, key string, member GeoMember) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.wrap(r.client.GeoAdd(ctx, key, &redis.GeoLocation{
		Name:      member.Member,
		Longitude: member.Lng,
		Latitude:  member.Lat,
	}).Err())
}

func (r *Redis) GeoRem(ctx context.Context, key string, members ...string) error {
	// A geo index is a sorted set underneath; removal is a plain ZREM.
	return r.ZRem(ctx, key, members...)
}

func (r *Redis) GeoSearch(ctx context.Context, key string, lat, lng, radiusKM float64, limit int) ([]GeoResult, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	query := &redis.GeoRadiusQuery{
		Radius:   radiusKM,
		Unit:     "km",
		WithDist: true,
		Sort:     "ASC",
	}
	if limit > 0 {
		query.Count = limit
	}
	locations, err := r.client.GeoRadius(ctx, key, lng, lat, query).Result()
	if err != nil {
		return nil, r.wrap(err)
	}
	results := make([]GeoResult, 0, len(locations))
	for _, loc := range locations {
		results = append(results, GeoResult{Member: loc.Name, DistanceKM: loc.Dist})
	}
	return results, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.wrap(r.client.Publish(ctx, channel, payload).Err())
}

type redisSubscription struct {
	pubsub   *redis.PubSub
	messages chan Message
	done     chan struct{}
}

func (s *redisSubscription) Messages() <-chan Message { return s.messages }

func (s *redisSubscription) Close() error {
	close(s.done)
	return s.pubsub.Close()
}

func (r *Redis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, r.wrap(err)
	}

	sub := &redisSubscription{
		pubsub:   pubsub,
		messages: make(chan Message, 128),
		done:     make(chan struct{}),
	}
	go func() {
		defer close(sub.messages)
		source := pubsub.Channel()
		for {
			select {
			case <-sub.done:
				return
			case msg, open := <-source:
				if !open {
					return
				}
				select {
				case sub.messages <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-sub.done:
					return
				}
			}
		}
	}()
	return sub, nil
}

func (r *Redis) LockAcquire(ctx context.Context, key string, holder string, ttl time.Duration) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	result, err := lockAcquireScript.Run(ctx, r.client, []string{key}, holder, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, r.wrap(err)
	}
	return result == 1, nil
}

func (r *Redis) LockRelease(ctx context.Context, key string, holder string) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	result, err := lockReleaseScript.Run(ctx, r.client, []string{key}, holder).Int64()
	if err != nil {
		return false, r.wrap(err)
	}
	return result == 1, nil
}

func (r *Redis) ZPopByScoreMatch(ctx context.Context, key string, prefix string, maxScore float64, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 256
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	result, err := zpopByScoreMatchScript.Run(ctx, r.client, []string{key}, formatScore(maxScore), prefix, limit).StringSlice()
	if err != nil {
		return nil, r.wrap(err)
	}
	return result, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func formatScore(score float64) string {
	if math.IsInf(score, 1) {
		return "+inf"
	}
	if math.IsInf(score, -1) {
		return "-inf"
	}
	return strconv.FormatFloat(score, 'f', -1, 64)
}
