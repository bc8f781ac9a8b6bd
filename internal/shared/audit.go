package shared

import (
	"context"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Activity represents a record stored in activity_log.
type Activity struct {
	LogName     string
	Description string
	SubjectType string
	SubjectID   int64
	Event       string
	CauserID    int64
	Properties  map[string]any
	At          time.Time
}

// ActivityRecorder persists activity entries.
type ActivityRecorder interface {
	Record(ctx context.Context, activity Activity) error
}

// Activity events.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

var sensitiveAttributes = map[string]struct{}{
	"password":       {},
	"password_hash":  {},
	"remember_token": {},
}

// DescribeEvent renders "Created Role" style descriptions.
func DescribeEvent(event, subjectType string) string {
	title := cases.Title(language.English)
	return title.String(event) + " " + title.String(subjectType)
}

// ScrubAttributes returns a copy of attrs without credential fields.
func ScrubAttributes(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if _, secret := sensitiveAttributes[k]; secret {
			continue
		}
		out[k] = v
	}
	return out
}

// NewActivity builds an activity for a model event with the causer taken from ctx.
func NewActivity(ctx context.Context, event, subjectType string, subjectID int64, attrs map[string]any) Activity {
	causer, _ := ActorFromContext(ctx)
	return Activity{
		LogName:     "default",
		Description: DescribeEvent(event, subjectType),
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Event:       event,
		CauserID:    causer,
		Properties:  map[string]any{"attributes": ScrubAttributes(attrs)},
	}
}
