package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skyrem/backoffice/internal/platform/db"
	"github.com/skyrem/backoffice/internal/shared"
)

// Recorder writes activities to activity_log.
type Recorder struct {
	db  db.DBTX
	now func() time.Time
}

// NewRecorder constructs a Recorder.
func NewRecorder(conn db.DBTX) *Recorder {
	return &Recorder{db: conn, now: time.Now}
}

// Record inserts a. Credential attributes are stripped again before writing.
func (r *Recorder) Record(ctx context.Context, a shared.Activity) error {
	if attrs, ok := a.Properties["attributes"].(map[string]any); ok {
		props := make(map[string]any, len(a.Properties))
		for k, v := range a.Properties {
			props[k] = v
		}
		props["attributes"] = shared.ScrubAttributes(attrs)
		a.Properties = props
	}
	props, err := json.Marshal(a.Properties)
	if err != nil {
		return fmt.Errorf("audit: encode properties: %w", err)
	}
	at := a.At
	if at.IsZero() {
		at = r.now()
	}
	logName := a.LogName
	if logName == "" {
		logName = "default"
	}
	_, err = r.db.Exec(ctx, `INSERT INTO activity_log
		(log_name, description, subject_type, subject_id, event, causer_id, properties, created_at)
		VALUES ($1, $2, $3, NULLIF($4::bigint, 0), $5, NULLIF($6::bigint, 0), $7, $8)`,
		logName, a.Description, a.SubjectType, a.SubjectID, a.Event, a.CauserID, props, at.UTC())
	if err != nil {
		return fmt.Errorf("audit: insert activity: %w", err)
	}
	return nil
}

var _ shared.ActivityRecorder = (*Recorder)(nil)
