// Package audit stores and browses the activity log.
package audit

import "time"

// Entry is one row of the activity log.
type Entry struct {
	ID          int64          `json:"id"`
	LogName     string         `json:"log_name"`
	Description string         `json:"description"`
	SubjectType string         `json:"subject_type"`
	SubjectID   *int64         `json:"subject_id"`
	Event       string         `json:"event"`
	CauserID    *int64         `json:"causer_id"`
	CauserName  string         `json:"causer_name,omitempty"`
	Properties  map[string]any `json:"properties"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Attributes returns the recorded model attributes.
func (e Entry) Attributes() map[string]any {
	attrs, _ := e.Properties["attributes"].(map[string]any)
	return attrs
}

// Filters narrows the activity listing.
type Filters struct {
	Event       string
	SubjectType string
	CauserID    int64
	Search      string
	From        time.Time
	To          time.Time
}

// SortColumns are the activity listing columns clients may sort by.
var SortColumns = []string{"created_at", "event", "subject_type"}

// FilterKeys are the exact-match activity listing filters.
var FilterKeys = []string{"event", "subject_type", "causer_id"}
