package activity

import (
	"encoding/json"
	"time"
)

// ActivityType represents the type of activity event
type ActivityType string

const (
	TypeProjectCreated    ActivityType = "project_created"
	TypeProjectDeleted    ActivityType = "project_deleted"
	TypeDatasetIngested   ActivityType = "dataset_ingested"
	TypeMetadataRefreshed ActivityType = "metadata_refreshed"
	TypeTrainingStarted   ActivityType = "training_started"
	TypeTrainingSucceeded ActivityType = "training_succeeded"
	TypeTrainingFailed    ActivityType = "training_failed"
)

// ActivityEntry represents an event in a project's activity log
type ActivityEntry struct {
	ID           int64        `json:"id"`
	Project      string       `json:"project"`
	JobID        *string      `json:"job_id,omitempty"`
	ActivityType ActivityType `json:"type"`
	Summary      string       `json:"summary"`
	Details      string       `json:"details,omitempty"` // JSON string
	CreatedAt    time.Time    `json:"created_at"`
}

// EncodeDetails renders v for ActivityEntry.Details. Values that cannot be
// encoded are dropped.
func EncodeDetails(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
