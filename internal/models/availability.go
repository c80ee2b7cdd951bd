package models

import "time"

// RoomStatus is the resolved listing status of a room.
type RoomStatus string

const (
	RoomAvailable RoomStatus = "available"
	RoomTaken     RoomStatus = "taken"
	RoomOffline   RoomStatus = "offline"
)

// RawSnapshot is one availability interval as the backend recorded it,
// before reconstruction. EndDate is nil for an ongoing interval.
type RawSnapshot struct {
	StartDate string  `json:"start_date"`
	EndDate   *string `json:"end_date"`
	IsCurrent bool    `json:"is_current"`
	Status    string  `json:"status"`
	PriceText string  `json:"price_text"`
}

// AvailabilityPeriod is one contiguous interval during which a room
// held one listed status. Periods are a read-side projection and are
// recomputed from snapshots each time they are needed.
type AvailabilityPeriod struct {
	PeriodID         string     `json:"period_id"`
	RoomID           string     `json:"room_id"`
	StartDate        time.Time  `json:"start_date"`
	EndDate          *time.Time `json:"end_date"`
	DurationDays     int        `json:"duration_days"`
	PriceTextAtStart string     `json:"price_text_at_start"`
	IsCurrent        bool       `json:"is_current"`
}

// RoomAvailabilitySummary aggregates a room's reconstructed periods.
// AverageDurationDays is nil when no completed periods exist.
type RoomAvailabilitySummary struct {
	RoomID              string     `json:"room_id"`
	TotalPeriods        int        `json:"total_periods"`
	AverageDurationDays *float64   `json:"average_duration_days,omitempty"`
	TimesChanged        int        `json:"times_changed"`
	CurrentStatus       RoomStatus `json:"current_status"`
	IsCurrentlyListed   bool       `json:"is_currently_listed"`
	DaysSinceDiscovered int        `json:"days_since_discovered"`
}
