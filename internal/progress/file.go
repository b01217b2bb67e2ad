package progress

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/addrfeat-cli/internal/model"
	"github.com/sells-group/addrfeat-cli/internal/resilience"
)

// fileFormatVersion is written to every JSON store.
const fileFormatVersion = 1

// FileStore keeps all progress in one human-inspectable JSON document.
// Every mutation rewrites the document atomically.
type FileStore struct {
	path      string
	readOnly  bool
	runID     string
	lastRunID string

	mu      sync.Mutex
	records map[model.WorkItem]model.ProgressRecord
	circuit *model.CircuitSnapshot
	extra   map[string]json.RawMessage

	now func() time.Time
}

// fileDocument is the on-disk layout.
type fileDocument struct {
	Version   int                             `json:"version"`
	UpdatedAt string                          `json:"updated_at"`
	RunID     string                          `json:"run_id,omitempty"`
	Circuit   *model.CircuitSnapshot          `json:"circuit,omitempty"`
	Items     map[string]model.ProgressRecord `json:"items"`
}

var documentFields = []string{"version", "updated_at", "run_id", "circuit", "items"}

// OpenFileStore reads the document at path. A missing file is an empty store.
func OpenFileStore(path string, mode Mode) (*FileStore, error) {
	s := &FileStore{
		path:     path,
		readOnly: mode == ReadOnly,
		records:  make(map[model.WorkItem]model.ProgressRecord),
		now:      time.Now,
	}
	if mode == ReadWrite {
		s.runID = uuid.New().String()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, eris.Wrapf(err, "progress: read %s", path)
	}
	if err := s.decode(data); err != nil {
		return nil, err
	}
	if mode == ReadOnly {
		s.runID = s.lastRunID
	}
	return s, nil
}

func (s *FileStore) decode(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return &resilience.InvariantViolation{Detail: "progress file " + s.path + " is not valid JSON: " + err.Error()}
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return &resilience.InvariantViolation{Detail: "progress file " + s.path + ": " + err.Error()}
	}
	if doc.Version > fileFormatVersion {
		return &resilience.InvariantViolation{Detail: "progress file " + s.path + " has unsupported version"}
	}

	for key, rec := range doc.Items {
		item, err := model.ParseWorkItemKey(key)
		if err != nil {
			return &resilience.InvariantViolation{Detail: err.Error()}
		}
		if rec.Item == (model.WorkItem{}) {
			rec.Item = item
		}
		s.records[item] = rec
	}
	if err := validateRecords(s.records); err != nil {
		return err
	}

	s.circuit = doc.Circuit
	for _, f := range documentFields {
		delete(raw, f)
	}
	if len(raw) > 0 {
		s.extra = raw
	}
	s.lastRunID = doc.RunID
	return nil
}

func (s *FileStore) encode() ([]byte, error) {
	items := make(map[string]model.ProgressRecord, len(s.records))
	for item, rec := range s.records {
		items[item.Key()] = rec
	}

	doc := fileDocument{
		Version:   fileFormatVersion,
		UpdatedAt: s.now().UTC().Format(time.RFC3339Nano),
		RunID:     s.runID,
		Circuit:   s.circuit,
		Items:     items,
	}
	known, err := json.Marshal(doc)
	if err != nil {
		return nil, eris.Wrap(err, "progress: marshal document")
	}

	var out map[string]json.RawMessage
	if err := json.Unmarshal(known, &out); err != nil {
		return nil, eris.Wrap(err, "progress: merge document")
	}
	for k, v := range s.extra {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "progress: marshal document")
	}
	return append(data, '\n'), nil
}

func (s *FileStore) flush() error {
	data, err := s.encode()
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data)
}

// Path returns the document location.
func (s *FileStore) Path() string {
	return s.path
}

// RunID returns the id of this writer, or of the last writer when read-only.
func (s *FileStore) RunID() string {
	return s.runID
}

// Load returns a copy of every record.
func (s *FileStore) Load(_ context.Context) (map[model.WorkItem]model.ProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRecords(s.records), nil
}

// Save replaces the full mapping.
func (s *FileStore) Save(_ context.Context, records map[model.WorkItem]model.ProgressRecord) error {
	if s.readOnly {
		return ErrReadOnly
	}
	if err := validateRecords(records); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.records
	s.records = copyRecords(records)
	if err := s.flush(); err != nil {
		s.records = prev
		return err
	}
	return nil
}

// Record applies one attempt outcome and writes the document through.
func (s *FileStore) Record(_ context.Context, item model.WorkItem, outcome model.Outcome, artifactPath string) (model.ProgressRecord, error) {
	if s.readOnly {
		return model.ProgressRecord{}, ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *model.ProgressRecord
	if rec, ok := s.records[item]; ok {
		existing = &rec
	}
	rec, changed, err := apply(existing, item, outcome, artifactPath, s.now().UTC())
	if err != nil || !changed {
		return rec, err
	}

	s.records[item] = rec
	if err := s.flush(); err != nil {
		if existing != nil {
			s.records[item] = *existing
		} else {
			delete(s.records, item)
		}
		return model.ProgressRecord{}, err
	}
	return rec, nil
}

// Reset removes the record for item.
func (s *FileStore) Reset(_ context.Context, item model.WorkItem) error {
	if s.readOnly {
		return ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.records[item]
	if !ok {
		return nil
	}
	delete(s.records, item)
	if err := s.flush(); err != nil {
		s.records[item] = prev
		return err
	}
	return nil
}

// LoadCircuit returns the persisted circuit snapshot.
func (s *FileStore) LoadCircuit(_ context.Context) (*model.CircuitSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.circuit == nil {
		return nil, nil
	}
	snap := *s.circuit
	return &snap, nil
}

// SaveCircuit persists the circuit snapshot.
func (s *FileStore) SaveCircuit(_ context.Context, snap model.CircuitSnapshot) error {
	if s.readOnly {
		return ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.circuit
	s.circuit = &snap
	if err := s.flush(); err != nil {
		s.circuit = prev
		return err
	}
	return nil
}

// Close is a no-op; every mutation is already on disk.
func (s *FileStore) Close() error {
	return nil
}

// sortedItems returns the items in key order.
func sortedItems(records map[model.WorkItem]model.ProgressRecord) []model.WorkItem {
	items := make([]model.WorkItem, 0, len(records))
	for item := range records {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key() < items[j].Key() })
	return items
}
