package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Outcome classifies a single download attempt, and doubles as the status
// stored for a work item.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeNotFound         Outcome = "not_found"
	OutcomeRateLimited      Outcome = "rate_limited"
	OutcomeTransientFailure Outcome = "transient_failure"
	OutcomeFatal            Outcome = "fatal"
)

// Outcomes lists every outcome in reporting order.
var Outcomes = []Outcome{
	OutcomeSuccess,
	OutcomeNotFound,
	OutcomeRateLimited,
	OutcomeTransientFailure,
	OutcomeFatal,
}

// IsSettled reports whether the outcome is final regardless of operator
// overrides other than a forced refresh.
func (o Outcome) IsSettled() bool {
	return o == OutcomeSuccess || o == OutcomeNotFound
}

// IsTerminal reports whether a resumed run skips the item. Fatal items are
// terminal but may be retried on request.
func (o Outcome) IsTerminal() bool {
	return o.IsSettled() || o == OutcomeFatal
}

// IsFailure reports whether the outcome counts against the circuit breaker.
func (o Outcome) IsFailure() bool {
	return o == OutcomeRateLimited || o == OutcomeTransientFailure
}

// ParseOutcome validates a stored status string.
func ParseOutcome(s string) (Outcome, error) {
	o := Outcome(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Outcomes {
		if o == known {
			return o, nil
		}
	}
	return "", eris.Errorf("model: unknown outcome %q", s)
}

// WorkItem identifies one fetchable resource: a county within a state.
type WorkItem struct {
	Region string // 2-digit state FIPS code
	Item   string // 3-digit county code
}

// Key returns the stable store key "RR/III".
func (w WorkItem) Key() string {
	return w.Region + "/" + w.Item
}

// GEOID returns the 5-digit county GEOID.
func (w WorkItem) GEOID() string {
	return w.Region + w.Item
}

func (w WorkItem) String() string {
	return w.Key()
}

// ParseWorkItemKey is the inverse of WorkItem.Key.
func ParseWorkItemKey(key string) (WorkItem, error) {
	region, item, ok := strings.Cut(key, "/")
	if !ok || region == "" || item == "" {
		return WorkItem{}, eris.Errorf("model: malformed work item key %q", key)
	}
	return WorkItem{Region: region, Item: item}, nil
}

// CircuitSnapshot is the persisted state of the circuit breaker.
type CircuitSnapshot struct {
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty"`
	Cooldown            time.Duration `json:"cooldown_ns"`
	Trips               int           `json:"trips"`
}
