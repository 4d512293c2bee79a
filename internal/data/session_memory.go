package data

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"oidc-demo/internal/biz"
)

// memorySessionRepo keeps sessions in process memory. Sessions are stored as
// JSON so callers never share a *biz.Session across requests.
type memorySessionRepo struct {
	sessions sync.Map // id -> memoryEntry
	ttl      time.Duration
	now      func() time.Time

	stop      chan struct{}
	closeOnce sync.Once
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewMemorySessionRepo creates an in-memory session repo. Sessions idle for
// longer than ttl are dropped by a background sweep until Close is called.
func NewMemorySessionRepo(ttl time.Duration) biz.SessionRepo {
	r := &memorySessionRepo{
		ttl:  ttl,
		now:  time.Now,
		stop: make(chan struct{}),
	}
	if ttl > 0 {
		go r.cleanup(sweepInterval(ttl))
	}
	return r
}

func sweepInterval(ttl time.Duration) time.Duration {
	if interval := ttl / 2; interval < 5*time.Minute {
		return max(interval, time.Second)
	}
	return 5 * time.Minute
}

func (r *memorySessionRepo) Get(ctx context.Context, id string) (*biz.Session, error) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, biz.ErrSessionNotFound
	}
	entry := v.(memoryEntry)
	if r.expired(entry) {
		r.sessions.Delete(id)
		return nil, biz.ErrSessionNotFound
	}

	var sess biz.Session
	if err := json.Unmarshal(entry.data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &sess, nil
}

func (r *memorySessionRepo) Save(ctx context.Context, s *biz.Session) error {
	s.UpdatedAt = r.now()
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	r.sessions.Store(s.ID, memoryEntry{data: data, expiresAt: s.UpdatedAt.Add(r.ttl)})
	return nil
}

func (r *memorySessionRepo) Delete(ctx context.Context, id string) error {
	r.sessions.Delete(id)
	return nil
}

func (r *memorySessionRepo) Close() error {
	r.closeOnce.Do(func() { close(r.stop) })
	return nil
}

func (r *memorySessionRepo) expired(e memoryEntry) bool {
	return r.ttl > 0 && r.now().After(e.expiresAt)
}

// cleanup periodically removes expired sessions
func (r *memorySessionRepo) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sessions.Range(func(key, value any) bool {
				if r.expired(value.(memoryEntry)) {
					r.sessions.Delete(key)
				}
				return true
			})
		}
	}
}
