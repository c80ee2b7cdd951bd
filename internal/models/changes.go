package models

import "time"

// ChangeKind is the closed taxonomy every raw change record is
// normalized into. Unrecognized raw kinds map to ChangeOther.
type ChangeKind string

const (
	ChangeStatus       ChangeKind = "status"
	ChangePrice        ChangeKind = "price"
	ChangeAvailability ChangeKind = "availability"
	ChangeRooms        ChangeKind = "rooms"
	ChangeOther        ChangeKind = "other"
)

// ChangeEvent is one normalized field change for one property.
// Events are never mutated after creation, only filtered, sorted
// and grouped.
type ChangeEvent struct {
	PropertyID int64      `json:"property_id"`
	Address    string     `json:"address"`
	Kind       ChangeKind `json:"kind"`
	OldValue   string     `json:"old_value"`
	NewValue   string     `json:"new_value"`
	Summary    string     `json:"summary"`
	DetectedAt time.Time  `json:"detected_at"`
	RoomNumber *int       `json:"room_number,omitempty"`
}

// RawChange is one change record as the backend ships it. Field naming
// is inconsistent at the source: the kind tag may arrive as change_type
// or changeType, and values may be numbers or strings.
type RawChange struct {
	PropertyID    int64       `json:"property_id"`
	Address       string      `json:"address"`
	ChangeType    string      `json:"change_type"`
	ChangeTypeAlt string      `json:"changeType"`
	OldValue      interface{} `json:"old_value"`
	NewValue      interface{} `json:"new_value"`
	Summary       string      `json:"summary"`
	DetectedAt    string      `json:"detected_at"`
	RoomNumber    *int        `json:"room_number"`
}

// RawChangeBatch groups raw change records by the backend's source
// buckets.
type RawChangeBatch struct {
	StatusChanges         []RawChange `json:"status_changes"`
	PriceChanges          []RawChange `json:"price_changes"`
	UnavailableProperties []RawChange `json:"unavailable_properties"`
	OtherChanges          []RawChange `json:"other_changes"`
}

// Size returns the total number of raw records in the batch.
func (b RawChangeBatch) Size() int {
	return len(b.StatusChanges) + len(b.PriceChanges) +
		len(b.UnavailableProperties) + len(b.OtherChanges)
}
