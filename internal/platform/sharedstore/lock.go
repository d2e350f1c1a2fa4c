package sharedstore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Mutex is a named distributed lock on the shared store. The holder tag makes
// release safe: only the acquiring process can delete the key, and a crashed
// holder is evicted by the TTL.
type Mutex struct {
	store  Store
	key    string
	holder string
	ttl    time.Duration
}

// NewMutex names a lock. Key convention is lock:<name>.
func NewMutex(store Store, name string, ttl time.Duration) *Mutex {
	return &Mutex{
		store:  store,
		key:    "lock:" + name,
		holder: uuid.NewString(),
		ttl:    ttl,
	}
}

// TryAcquire acquires or extends the lock. Returns false when another holder
// owns it.
func (m *Mutex) TryAcquire(ctx context.Context) (bool, error) {
	return m.store.LockAcquire(ctx, m.key, m.holder, m.ttl)
}

// Release deletes the lock if this process still holds it.
func (m *Mutex) Release(ctx context.Context) error {
	_, err := m.store.LockRelease(ctx, m.key, m.holder)
	return err
}
