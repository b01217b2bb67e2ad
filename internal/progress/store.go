// Package progress persists the per-item outcome of acquisition runs so an
// interrupted run resumes where it stopped.
package progress

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/addrfeat-cli/internal/model"
	"github.com/sells-group/addrfeat-cli/internal/resilience"
)

// Store is the durable mapping from work item to progress record.
type Store interface {
	// Load returns every recorded item.
	Load(ctx context.Context) (map[model.WorkItem]model.ProgressRecord, error)
	// Save replaces the full mapping.
	Save(ctx context.Context, records map[model.WorkItem]model.ProgressRecord) error
	// Record applies the outcome of one attempt and returns the stored record.
	Record(ctx context.Context, item model.WorkItem, outcome model.Outcome, artifactPath string) (model.ProgressRecord, error)
	// Reset removes the record for item so the next run fetches it again.
	Reset(ctx context.Context, item model.WorkItem) error
	// LoadCircuit returns the persisted circuit state, or nil when none exists.
	LoadCircuit(ctx context.Context) (*model.CircuitSnapshot, error)
	// SaveCircuit persists the circuit state.
	SaveCircuit(ctx context.Context, snap model.CircuitSnapshot) error
	// RunID identifies the writer that opened the store.
	RunID() string
	Close() error
}

// Mode selects how a store is opened.
type Mode int

const (
	// ReadOnly never locks and rejects mutations.
	ReadOnly Mode = iota
	// ReadWrite takes the single-writer lock.
	ReadWrite
)

// Drivers.
const (
	DriverJSON   = "json"
	DriverSQLite = "sqlite"
)

// ErrReadOnly is returned by mutations on a store opened ReadOnly.
var ErrReadOnly = eris.New("progress: store opened read-only")

// Open opens the store at path with the given driver. ReadWrite acquires the
// lock at <path>.lock, which is released by Close.
func Open(ctx context.Context, driver, path string, mode Mode) (Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = DriverJSON
	}
	if strings.TrimSpace(path) == "" {
		return nil, eris.New("progress: store path is required")
	}

	var lock *Lock
	if mode == ReadWrite {
		l, err := AcquireLock(path + ".lock")
		if err != nil {
			return nil, err
		}
		lock = l
	}

	var (
		s   Store
		err error
	)
	switch driver {
	case DriverJSON:
		s, err = OpenFileStore(path, mode)
	case DriverSQLite:
		if mode == ReadOnly {
			if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
				// An absent database reads as empty.
				s = NewMemoryStore()
				break
			}
		}
		s, err = OpenSQLite(ctx, path, mode)
	default:
		err = eris.Errorf("progress: unknown store driver %q", driver)
	}
	if err != nil {
		if lock != nil {
			_ = lock.Release()
		}
		return nil, err
	}
	if lock == nil {
		return s, nil
	}
	return &lockedStore{Store: s, lock: lock}, nil
}

// lockedStore releases the writer lock after the underlying store closes.
type lockedStore struct {
	Store
	lock *Lock
}

func (l *lockedStore) Close() error {
	err := l.Store.Close()
	if relErr := l.lock.Release(); relErr != nil && err == nil {
		err = relErr
	}
	return err
}

// apply computes the record that results from recording outcome over
// existing. changed is false when the call is an idempotent no-op.
func apply(existing *model.ProgressRecord, item model.WorkItem, outcome model.Outcome, artifactPath string, now time.Time) (rec model.ProgressRecord, changed bool, err error) {
	if _, err := model.ParseOutcome(string(outcome)); err != nil {
		return model.ProgressRecord{}, false, &resilience.InvariantViolation{Item: item, Detail: err.Error()}
	}
	if outcome != model.OutcomeSuccess {
		artifactPath = ""
	}

	if existing == nil {
		return model.ProgressRecord{
			Item:          item,
			Status:        outcome,
			Attempts:      1,
			LastAttemptAt: now,
			ArtifactPath:  artifactPath,
		}, true, nil
	}

	if existing.Status.IsTerminal() && existing.Status == outcome {
		return *existing, false, nil
	}
	if existing.Status.IsSettled() {
		return model.ProgressRecord{}, false, &resilience.InvariantViolation{
			Item:   item,
			Detail: "settled status " + string(existing.Status) + " cannot become " + string(outcome) + " without a reset",
		}
	}

	rec = *existing
	rec.Item = item
	rec.Status = outcome
	rec.Attempts++
	rec.LastAttemptAt = now
	rec.ArtifactPath = artifactPath
	return rec, true, nil
}

func validateRecords(records map[model.WorkItem]model.ProgressRecord) error {
	for item, rec := range records {
		if rec.Item != item {
			return &resilience.InvariantViolation{Item: item, Detail: "record keyed under a different item " + rec.Item.Key()}
		}
		if _, err := model.ParseOutcome(string(rec.Status)); err != nil {
			return &resilience.InvariantViolation{Item: item, Detail: err.Error()}
		}
		if rec.Attempts < 1 {
			return &resilience.InvariantViolation{Item: item, Detail: "record without attempts"}
		}
	}
	return nil
}

func copyRecords(in map[model.WorkItem]model.ProgressRecord) map[model.WorkItem]model.ProgressRecord {
	out := make(map[model.WorkItem]model.ProgressRecord, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
