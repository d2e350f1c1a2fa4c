package sharedstore

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is the in-process fallback Store used when the remote service is
// unavailable in development. It must never be used across more than one
// process: there is no cross-instance coordination in here.
type Memory struct {
	mu sync.Mutex

	strings map[string]string
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64
	lists   map[string][]string
	geo     map[string]map[string]GeoMember

	expiries map[string]time.Time

	subMu       sync.RWMutex
	subscribers map[string][]*memorySubscription

	now func() time.Time

	closed    chan struct{}
	closeOnce sync.Once
}

// NewMemory builds an empty in-process store with a background janitor
// reaping expired keys.
func NewMemory() *Memory {
	m := &Memory{
		strings:     make(map[string]string),
		hashes:      make(map[string]map[string]string),
		sets:        make(map[string]map[string]struct{}),
		zsets:       make(map[string]map[string]float64),
		lists:       make(map[string][]string),
		geo:         make(map[string]map[string]GeoMember),
		expiries:    make(map[string]time.Time),
		subscribers: make(map[string][]*memorySubscription),
		now:         time.Now,
		closed:      make(chan struct{}),
	}
	go m.janitor()
	return m
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.closed:
			return
		case <-ticker.C:
			m.mu.Lock()
			now := m.now()
			for key, deadline := range m.expiries {
				if !deadline.After(now) {
					m.dropKeyLocked(key)
				}
			}
			m.mu.Unlock()
		}
	}
}

// dropKeyLocked removes a key from every family. Callers hold m.mu.
func (m *Memory) dropKeyLocked(key string) {
	delete(m.strings, key)
	delete(m.hashes, key)
	delete(m.sets, key)
	delete(m.zsets, key)
	delete(m.lists, key)
	delete(m.geo, key)
	delete(m.expiries, key)
}

// expireLocked applies lazy TTL expiry on read. Callers hold m.mu.
func (m *Memory) expireLocked(key string) {
	deadline, ok := m.expiries[key]
	if ok && !deadline.After(m.now()) {
		m.dropKeyLocked(key)
	}
}

func (m *Memory) setTTLLocked(key string, ttl time.Duration) {
	if ttl > 0 {
		m.expiries[key] = m.now().Add(ttl)
	} else {
		delete(m.expiries, key)
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	value, ok := m.strings[key]
	return value, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = value
	m.setTTLLocked(key, ttl)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	if _, exists := m.strings[key]; exists {
		return false, nil
	}
	m.strings[key] = value
	m.setTTLLocked(key, ttl)
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.dropKeyLocked(key)
	}
	return nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	current := int64(0)
	if raw, ok := m.strings[key]; ok {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}
	current++
	m.strings[key] = strconv.FormatInt(current, 10)
	return current, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	if !m.existsLocked(key) {
		return false, nil
	}
	m.setTTLLocked(key, ttl)
	return true, nil
}

func (m *Memory) existsLocked(key string) bool {
	if _, ok := m.strings[key]; ok {
		return true
	}
	if _, ok := m.hashes[key]; ok {
		return true
	}
	if _, ok := m.sets[key]; ok {
		return true
	}
	if _, ok := m.zsets[key]; ok {
		return true
	}
	if _, ok := m.lists[key]; ok {
		return true
	}
	if _, ok := m.geo[key]; ok {
		return true
	}
	return false
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	return m.existsLocked(key), nil
}

func (m *Memory) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	hash, ok := m.hashes[key]
	if !ok {
		hash = make(map[string]string, len(fields))
		m.hashes[key] = hash
	}
	for field, value := range fields {
		hash[field] = value
	}
	return nil
}

func (m *Memory) HGet(_ context.Context, key string, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	value, ok := m.hashes[key][field]
	return value, ok, nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	out := make(map[string]string, len(m.hashes[key]))
	for field, value := range m.hashes[key] {
		out[field] = value
	}
	return out, nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{}, len(members))
		m.sets[key] = set
	}
	var added int64
	for _, member := range members {
		if _, exists := set[member]; !exists {
			set[member] = struct{}{}
			added++
		}
	}
	return added, nil
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	set := m.sets[key]
	for _, member := range members {
		delete(set, member)
	}
	if len(set) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (m *Memory) SIsMember(_ context.Context, key string, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *Memory) SMIsMember(_ context.Context, key string, members ...string) ([]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	hits := make([]bool, len(members))
	for i, member := range members {
		_, hits[i] = m.sets[key][member]
	}
	return hits, nil
}

func (m *Memory) SCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	return int64(len(m.sets[key])), nil
}

func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	zset, ok := m.zsets[key]
	if !ok {
		zset = make(map[string]float64)
		m.zsets[key] = zset
	}
	zset[member] = score
	return nil
}

func (m *Memory) ZRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	zset := m.zsets[key]
	for _, member := range members {
		delete(zset, member)
	}
	if len(zset) == 0 {
		delete(m.zsets, key)
	}
	return nil
}

func (m *Memory) ZRangeByScore(_ context.Context, key string, min, max float64, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	members := m.zrangeLocked(key, min, max)
	if limit > 0 && len(members) > limit {
		members = members[:limit]
	}
	return members, nil
}

// zrangeLocked returns members with min <= score <= max ordered by score.
func (m *Memory) zrangeLocked(key string, min, max float64) []string {
	type pair struct {
		member string
		score  float64
	}
	pairs := make([]pair, 0, len(m.zsets[key]))
	for member, score := range m.zsets[key] {
		if score < min || score > max {
			continue
		}
		pairs = append(pairs, pair{member, score})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].score == pairs[j].score {
			return pairs[i].member < pairs[j].member
		}
		return pairs[i].score < pairs[j].score
	})
	members := make([]string, len(pairs))
	for i, p := range pairs {
		members[i] = p.member
	}
	return members
}

func (m *Memory) LPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	list := m.lists[key]
	for _, value := range values {
		list = append([]string{value}, list...)
	}
	m.lists[key] = list
	return nil
}

func (m *Memory) RPop(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	list := m.lists[key]
	if len(list) == 0 {
		return "", false, nil
	}
	value := list[len(list)-1]
	m.lists[key] = list[:len(list)-1]
	return value, true, nil
}

func (m *Memory) BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, bool, error) {
	deadline := m.now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, key := range keys {
			value, ok, err := m.RPop(ctx, key)
			if err != nil {
				return "", "", false, err
			}
			if ok {
				return key, value, true, nil
			}
		}
		if !m.now().Before(deadline) {
			return "", "", false, nil
		}
		select {
		case <-ctx.Done():
			return "", "", false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Memory) GeoAdd(_ context.Context, key string, member GeoMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	index, ok := m.geo[key]
	if !ok {
		index = make(map[string]GeoMember)
		m.geo[key] = index
	}
	index[member.Member] = member
	return nil
}

func (m *Memory) GeoRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	index := m.geo[key]
	for _, member := range members {
		delete(index, member)
	}
	if len(index) == 0 {
		delete(m.geo, key)
	}
	return nil
}

func (m *Memory) GeoSearch(_ context.Context, key string, lat, lng, radiusKM float64, limit int) ([]GeoResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	results := make([]GeoResult, 0, len(m.geo[key]))
	for _, member := range m.geo[key] {
		distance := haversineKM(lat, lng, member.Lat, member.Lng)
		if distance <= radiusKM {
			results = append(results, GeoResult{Member: member.Member, DistanceKM: distance})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].DistanceKM == results[j].DistanceKM {
			return results[i].Member < results[j].Member
		}
		return results[i].DistanceKM < results[j].DistanceKM
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

type memorySubscription struct {
	store    *Memory
	channels []string
	messages chan Message
	once     sync.Once
}

func (s *memorySubscription) Messages() <-chan Message { return s.messages }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.store.removeSubscriber(s)
		close(s.messages)
	})
	return nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.subMu.RLock()
	subs := append([]*memorySubscription(nil), m.subscribers[channel]...)
	m.subMu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.messages <- Message{Channel: channel, Payload: payload}:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	sub := &memorySubscription{
		store:    m,
		channels: channels,
		messages: make(chan Message, 128),
	}
	m.subMu.Lock()
	for _, channel := range channels {
		m.subscribers[channel] = append(m.subscribers[channel], sub)
	}
	m.subMu.Unlock()
	return sub, nil
}

func (m *Memory) removeSubscriber(sub *memorySubscription) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, channel := range sub.channels {
		subs := m.subscribers[channel]
		for i, candidate := range subs {
			if candidate == sub {
				m.subscribers[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

func (m *Memory) LockAcquire(_ context.Context, key string, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	current, exists := m.strings[key]
	if exists && current != holder {
		return false, nil
	}
	m.strings[key] = holder
	m.setTTLLocked(key, ttl)
	return true, nil
}

func (m *Memory) LockRelease(_ context.Context, key string, holder string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	if m.strings[key] != holder {
		return false, nil
	}
	m.dropKeyLocked(key)
	return true, nil
}

func (m *Memory) ZPopByScoreMatch(_ context.Context, key string, prefix string, maxScore float64, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 256
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	candidates := m.zrangeLocked(key, math.Inf(-1), maxScore)
	popped := make([]string, 0, len(candidates))
	for _, member := range candidates {
		if len(popped) == limit {
			break
		}
		if !strings.HasPrefix(member, prefix) {
			continue
		}
		delete(m.zsets[key], member)
		popped = append(popped, member)
	}
	if len(m.zsets[key]) == 0 {
		delete(m.zsets, key)
	}
	return popped, nil
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func haversineKM(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusKM = 6371.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a))
}

