package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/addrfeat-cli/internal/model"
	"github.com/sells-group/addrfeat-cli/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db       *sql.DB
	readOnly bool
	runID    string
	now      func() time.Time
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS items (
	region          TEXT NOT NULL,
	item            TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 1,
	last_attempt_at TEXT NOT NULL,
	artifact_path   TEXT NOT NULL DEFAULT '',
	extra           TEXT,
	PRIMARY KEY (region, item)
);

CREATE TABLE IF NOT EXISTS circuit (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	snapshot   TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_status ON items(status);
`

// OpenSQLite opens a SQLite database at path. ReadWrite configures WAL mode
// and runs migrations.
func OpenSQLite(ctx context.Context, path string, mode Mode) (*SQLiteStore, error) {
	dsn := path
	if mode == ReadOnly {
		dsn = "file:" + path + "?mode=ro"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "progress: sqlite open")
	}

	pragmas := []string{"PRAGMA busy_timeout=5000"}
	if mode == ReadWrite {
		db.SetMaxOpenConns(1)
		pragmas = append(pragmas,
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
		)
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "progress: sqlite exec %s", pragma)
		}
	}

	s := &SQLiteStore{db: db, readOnly: mode == ReadOnly, now: time.Now}
	if mode == ReadOnly {
		if err := db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'run_id'`).Scan(&s.runID); err != nil && !errors.Is(err, sql.ErrNoRows) {
			db.Close()
			return nil, eris.Wrap(err, "progress: sqlite read run id")
		}
		return s, nil
	}

	if _, err := db.ExecContext(ctx, sqliteMigration); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "progress: sqlite migrate")
	}
	s.runID = uuid.New().String()
	if _, err := db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('run_id', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		s.runID,
	); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "progress: sqlite write run id")
	}
	return s, nil
}

// RunID returns the id of this writer, or of the last writer when read-only.
func (s *SQLiteStore) RunID() string {
	return s.runID
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (model.ProgressRecord, error) {
	var (
		rec         model.ProgressRecord
		status      string
		lastAttempt string
		extra       sql.NullString
	)
	if err := row.Scan(&rec.Item.Region, &rec.Item.Item, &status, &rec.Attempts, &lastAttempt, &rec.ArtifactPath, &extra); err != nil {
		return rec, err
	}

	o, err := model.ParseOutcome(status)
	if err != nil {
		return rec, &resilience.InvariantViolation{Item: rec.Item, Detail: err.Error()}
	}
	rec.Status = o

	ts, err := time.Parse(time.RFC3339Nano, lastAttempt)
	if err != nil {
		return rec, &resilience.InvariantViolation{Item: rec.Item, Detail: "bad last_attempt_at: " + err.Error()}
	}
	rec.LastAttemptAt = ts

	if extra.Valid && extra.String != "" {
		if err := json.Unmarshal([]byte(extra.String), &rec.Extra); err != nil {
			return rec, &resilience.InvariantViolation{Item: rec.Item, Detail: "bad extra column: " + err.Error()}
		}
	}
	return rec, nil
}

const selectRecord = `SELECT region, item, status, attempts, last_attempt_at, artifact_path, extra FROM items`

// Load returns every record.
func (s *SQLiteStore) Load(ctx context.Context) (map[model.WorkItem]model.ProgressRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectRecord)
	if err != nil {
		return nil, eris.Wrap(err, "progress: sqlite load")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[model.WorkItem]model.ProgressRecord)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			if resilience.IsInvariantViolation(err) {
				return nil, err
			}
			return nil, eris.Wrap(err, "progress: sqlite scan")
		}
		out[rec.Item] = rec
	}
	return out, eris.Wrap(rows.Err(), "progress: sqlite iterate")
}

func upsertRecord(ctx context.Context, tx *sql.Tx, rec model.ProgressRecord) error {
	var extra sql.NullString
	if len(rec.Extra) > 0 {
		b, err := json.Marshal(rec.Extra)
		if err != nil {
			return eris.Wrap(err, "progress: marshal extra")
		}
		extra = sql.NullString{String: string(b), Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO items (region, item, status, attempts, last_attempt_at, artifact_path, extra)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(region, item) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			last_attempt_at = excluded.last_attempt_at,
			artifact_path = excluded.artifact_path,
			extra = excluded.extra`,
		rec.Item.Region, rec.Item.Item, string(rec.Status), rec.Attempts,
		rec.LastAttemptAt.UTC().Format(time.RFC3339Nano), rec.ArtifactPath, extra,
	)
	return eris.Wrapf(err, "progress: sqlite upsert %s", rec.Item)
}

// Save replaces the full mapping in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, records map[model.WorkItem]model.ProgressRecord) error {
	if s.readOnly {
		return ErrReadOnly
	}
	if err := validateRecords(records); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "progress: sqlite begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM items`); err != nil {
		return eris.Wrap(err, "progress: sqlite clear items")
	}
	for _, item := range sortedItems(records) {
		if err := upsertRecord(ctx, tx, records[item]); err != nil {
			return err
		}
	}
	return eris.Wrap(tx.Commit(), "progress: sqlite commit")
}

// Record applies one attempt outcome inside a transaction.
func (s *SQLiteStore) Record(ctx context.Context, item model.WorkItem, outcome model.Outcome, artifactPath string) (model.ProgressRecord, error) {
	if s.readOnly {
		return model.ProgressRecord{}, ErrReadOnly
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ProgressRecord{}, eris.Wrap(err, "progress: sqlite begin")
	}
	defer tx.Rollback() //nolint:errcheck

	var existing *model.ProgressRecord
	rec, err := scanRecord(tx.QueryRowContext(ctx, selectRecord+` WHERE region = ? AND item = ?`, item.Region, item.Item))
	switch {
	case err == nil:
		existing = &rec
	case errors.Is(err, sql.ErrNoRows):
	case resilience.IsInvariantViolation(err):
		return model.ProgressRecord{}, err
	default:
		return model.ProgressRecord{}, eris.Wrapf(err, "progress: sqlite read %s", item)
	}

	next, changed, err := apply(existing, item, outcome, artifactPath, s.now().UTC())
	if err != nil || !changed {
		return next, err
	}
	if err := upsertRecord(ctx, tx, next); err != nil {
		return model.ProgressRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.ProgressRecord{}, eris.Wrap(err, "progress: sqlite commit")
	}
	return next, nil
}

// Reset removes the record for item.
func (s *SQLiteStore) Reset(ctx context.Context, item model.WorkItem) error {
	if s.readOnly {
		return ErrReadOnly
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE region = ? AND item = ?`, item.Region, item.Item)
	return eris.Wrapf(err, "progress: sqlite reset %s", item)
}

// LoadCircuit returns the persisted circuit snapshot.
func (s *SQLiteStore) LoadCircuit(ctx context.Context) (*model.CircuitSnapshot, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM circuit WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "progress: sqlite load circuit")
	}
	var snap model.CircuitSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, &resilience.InvariantViolation{Detail: "bad circuit snapshot: " + err.Error()}
	}
	return &snap, nil
}

// SaveCircuit persists the circuit snapshot.
func (s *SQLiteStore) SaveCircuit(ctx context.Context, snap model.CircuitSnapshot) error {
	if s.readOnly {
		return ErrReadOnly
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return eris.Wrap(err, "progress: marshal circuit")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO circuit (id, snapshot, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		string(b), s.now().UTC().Format(time.RFC3339Nano),
	)
	return eris.Wrap(err, "progress: sqlite save circuit")
}
