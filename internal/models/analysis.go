package models

import "time"

// JobState is the lifecycle state of a remote analysis job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Terminal reports whether no further state transitions can occur.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// StepState is the state of one named sub-step reported by the backend
// while a job is running. Sub-steps are informational only.
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// AnalysisJob is one in-flight or completed remote analysis task.
// It is owned exclusively by the analysis controller; callers only
// ever see value copies.
type AnalysisJob struct {
	JobID        string               `json:"job_id"`
	SourceURL    string               `json:"source_url"`
	State        JobState             `json:"state"`
	Progress     map[string]StepState `json:"progress,omitempty"`
	Error        string               `json:"error,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	LastPolledAt time.Time            `json:"last_polled_at"`
}

// ProximityLevel labels how close a duplicate candidate sits to the
// address extracted from a new submission.
type ProximityLevel string

const (
	ProximitySameAddress      ProximityLevel = "same_address"
	ProximitySameBuilding     ProximityLevel = "same_building"
	ProximitySameBlock        ProximityLevel = "same_block"
	ProximitySameStreet       ProximityLevel = "same_street"
	ProximityWalkingDistance  ProximityLevel = "walking_distance"
	ProximitySameNeighborhood ProximityLevel = "same_neighborhood"
	ProximityUnknown          ProximityLevel = "unknown"
)

// MatchCandidate is one previously tracked property the matcher
// believes may be the same real-world property as a new submission.
type MatchCandidate struct {
	PropertyID      int64                  `json:"property_id"`
	Address         string                 `json:"address"`
	DistanceMeters  *float64               `json:"distance_meters"`
	ProximityLevel  ProximityLevel         `json:"proximity_level"`
	ConfidenceScore float64                `json:"confidence_score"`
	MatchFactors    map[string]float64     `json:"match_factors,omitempty"`
	Latitude        *float64               `json:"latitude"`
	Longitude       *float64               `json:"longitude"`
	PropertySummary map[string]interface{} `json:"property_summary,omitempty"`
}

// DuplicateCandidateSet is the matcher's output for one submitted URL.
// Candidates arrive best match first; insertion order is rank and must
// never be re-sorted.
type DuplicateCandidateSet struct {
	ExtractedAddress   string           `json:"extracted_address"`
	SourceURL          string           `json:"source_url"`
	ExtractedLatitude  *float64         `json:"extracted_latitude"`
	ExtractedLongitude *float64         `json:"extracted_longitude"`
	Candidates         []MatchCandidate `json:"candidates"`
}

// ResolutionAction identifies one of the three duplicate decisions.
type ResolutionAction string

const (
	ActionLinkToExisting  ResolutionAction = "link_to_existing"
	ActionAddSeparateRoom ResolutionAction = "add_separate_room"
	ActionCreateSeparate  ResolutionAction = "create_separate"
)

// ResolutionDecision is the caller's answer to a duplicate prompt.
// PropertyID is meaningful for link and separate-room actions only.
type ResolutionDecision struct {
	Action     ResolutionAction `json:"action"`
	PropertyID int64            `json:"property_id,omitempty"`
	URL        string           `json:"url"`
}

// PropertyListing is the denormalized listing row pulled from the
// backend's read model and cached locally for display.
type PropertyListing struct {
	ID             int64     `json:"id" gorm:"primaryKey"`
	URL            string    `json:"url"`
	Address        string    `json:"address"`
	City           string    `json:"city"`
	PriceText      string    `json:"price_text"`
	NumRooms       *int      `json:"num_rooms"`
	Status         string    `json:"status"`
	LastAnalyzedAt time.Time `json:"last_analyzed_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
