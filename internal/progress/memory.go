package progress

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/addrfeat-cli/internal/model"
)

// MemoryStore keeps progress in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[model.WorkItem]model.ProgressRecord
	circuit *model.CircuitSnapshot
	runID   string
	now     func() time.Time

	// RecordCalls counts successful Record calls, including no-ops.
	RecordCalls int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[model.WorkItem]model.ProgressRecord),
		runID:   uuid.New().String(),
		now:     time.Now,
	}
}

// SetClock replaces the time source used for LastAttemptAt.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) RunID() string {
	return s.runID
}

func (s *MemoryStore) Load(_ context.Context) (map[model.WorkItem]model.ProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRecords(s.records), nil
}

func (s *MemoryStore) Save(_ context.Context, records map[model.WorkItem]model.ProgressRecord) error {
	if err := validateRecords(records); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = copyRecords(records)
	return nil
}

func (s *MemoryStore) Record(_ context.Context, item model.WorkItem, outcome model.Outcome, artifactPath string) (model.ProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *model.ProgressRecord
	if rec, ok := s.records[item]; ok {
		existing = &rec
	}
	rec, changed, err := apply(existing, item, outcome, artifactPath, s.now().UTC())
	if err != nil {
		return rec, err
	}
	s.RecordCalls++
	if changed {
		s.records[item] = rec
	}
	return rec, nil
}

func (s *MemoryStore) Reset(_ context.Context, item model.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, item)
	return nil
}

func (s *MemoryStore) LoadCircuit(_ context.Context) (*model.CircuitSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.circuit == nil {
		return nil, nil
	}
	snap := *s.circuit
	return &snap, nil
}

func (s *MemoryStore) SaveCircuit(_ context.Context, snap model.CircuitSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.circuit = &snap
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
