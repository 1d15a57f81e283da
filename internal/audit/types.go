package audit

import (
	"time"

	"github.com/cloaklabs/cloak/internal/pii"
)

// Event is one audit row describing a detection. Rows carry session,
// category, and counts only; raw values never reach the database.
type Event struct {
	ID             int64     `db:"id" json:"id"`
	OccurredAt     time.Time `db:"occurred_at" json:"occurred_at"`
	SessionID      string    `db:"session_id" json:"session_id"`
	RequestID      string    `db:"request_id" json:"request_id,omitempty"`
	Source         string    `db:"source" json:"source"`
	Category       string    `db:"category" json:"category"`
	Matches        int       `db:"matches" json:"matches"`
	DistinctTokens int       `db:"distinct_tokens" json:"distinct_tokens"`
}

// FindingsToEvents converts one mask result into audit rows, one per
// category.
func FindingsToEvents(sessionID, requestID, source string, at time.Time, findings []pii.Finding) []Event {
	events := make([]Event, 0, len(findings))
	for _, f := range findings {
		events = append(events, Event{
			OccurredAt:     at,
			SessionID:      sessionID,
			RequestID:      requestID,
			Source:         source,
			Category:       string(f.Category),
			Matches:        f.Count,
			DistinctTokens: len(f.Tokens),
		})
	}
	return events
}
