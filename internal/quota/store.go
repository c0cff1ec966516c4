package quota

import (
	"context"
	"sync"
	"time"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/ports"
)

// Record is the persisted anonymous cooldown.
type Record struct {
	NextDrawTime      time.Time
	DeviceFingerprint string
}

// Store persists the anonymous cooldown record. A missing record reads as
// the zero Record.
type Store interface {
	Read(ctx context.Context) (Record, error)
	Write(ctx context.Context, rec Record) error
}

// SnapshotStore is implemented by stores that can also keep the last
// server-confirmed allowance of authenticated users, so counters survive
// restarts.
type SnapshotStore interface {
	ReadSnapshot(ctx context.Context, userID string) (ports.ServerQuota, error)
	WriteSnapshot(ctx context.Context, userID string, q ports.ServerQuota) error
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	rec   Record
	snaps map[string]ports.ServerQuota
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]ports.ServerQuota)}
}

func (s *MemoryStore) Read(context.Context) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec, nil
}

func (s *MemoryStore) Write(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = rec
	return nil
}

func (s *MemoryStore) ReadSnapshot(_ context.Context, userID string) (ports.ServerQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snaps[userID], nil
}

func (s *MemoryStore) WriteSnapshot(_ context.Context, userID string, q ports.ServerQuota) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[userID] = q
	return nil
}
