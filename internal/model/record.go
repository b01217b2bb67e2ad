package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// ProgressRecord is the durable outcome of all attempts made for one item.
type ProgressRecord struct {
	Item          WorkItem
	Status        Outcome
	Attempts      int
	LastAttemptAt time.Time
	ArtifactPath  string

	// Extra holds fields written by newer versions; they are written back
	// unchanged on save.
	Extra map[string]json.RawMessage
}

var recordFields = []string{"region", "item", "status", "attempts", "last_attempt_at", "artifact_path"}

// MarshalJSON writes the known fields merged over Extra.
func (r ProgressRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+len(recordFields))
	for k, v := range r.Extra {
		out[k] = v
	}
	out["region"] = r.Item.Region
	out["item"] = r.Item.Item
	out["status"] = r.Status
	out["attempts"] = r.Attempts
	out["last_attempt_at"] = r.LastAttemptAt.UTC().Format(time.RFC3339Nano)
	if r.ArtifactPath != "" {
		out["artifact_path"] = r.ArtifactPath
	} else {
		delete(out, "artifact_path")
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the known fields and keeps everything else in Extra.
func (r *ProgressRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return eris.Wrap(err, "model: decode progress record")
	}

	var rec ProgressRecord
	var status, lastAttempt string
	fields := map[string]any{
		"region":          &rec.Item.Region,
		"item":            &rec.Item.Item,
		"status":          &status,
		"attempts":        &rec.Attempts,
		"last_attempt_at": &lastAttempt,
		"artifact_path":   &rec.ArtifactPath,
	}
	for name, dst := range fields {
		v, ok := raw[name]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return eris.Wrapf(err, "model: decode field %s", name)
		}
		delete(raw, name)
	}

	o, err := ParseOutcome(status)
	if err != nil {
		return err
	}
	rec.Status = o

	if lastAttempt != "" {
		ts, err := time.Parse(time.RFC3339Nano, lastAttempt)
		if err != nil {
			return eris.Wrap(err, "model: decode last_attempt_at")
		}
		rec.LastAttemptAt = ts
	}

	if len(raw) > 0 {
		rec.Extra = raw
	}
	*r = rec
	return nil
}
