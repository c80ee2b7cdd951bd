package changes

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"roomwatch/server/internal/dates"
	"roomwatch/server/internal/models"
)

// kindAliases maps the tag spellings the backend has been observed to
// emit onto the closed taxonomy. Matching is case-insensitive. Anything
// unlisted becomes models.ChangeOther.
var kindAliases = map[string]models.ChangeKind{
	"status":                  models.ChangeStatus,
	"status_change":           models.ChangeStatus,
	"status_changed":          models.ChangeStatus,
	"price":                   models.ChangePrice,
	"price_change":            models.ChangePrice,
	"price_changed":           models.ChangePrice,
	"availability":            models.ChangeAvailability,
	"room_available":          models.ChangeAvailability,
	"room_became_available":   models.ChangeAvailability,
	"room_unavailable":        models.ChangeAvailability,
	"room_became_unavailable": models.ChangeAvailability,
	"rooms":                   models.ChangeRooms,
	"room_count":              models.ChangeRooms,
	"room_count_changed":      models.ChangeRooms,
	"room_added":              models.ChangeRooms,
	"room_removed":            models.ChangeRooms,
}

// Direction tags which way a numeric change moved and whether that is
// good news for a renter. Rent going up is unfavorable by convention.
type Direction string

const (
	DirectionIncrease Direction = "increase"
	DirectionDecrease Direction = "decrease"
	DirectionNone     Direction = "none"
	DirectionUnknown  Direction = "unknown"
)

// Delta is a derived presentation value for a numeric change. Known is
// false when either side of the change could not be parsed as a number.
type Delta struct {
	Value     float64   `json:"value"`
	Known     bool      `json:"known"`
	Direction Direction `json:"direction"`
	Favorable bool      `json:"favorable"`
}

// Aggregator normalizes the backend's heterogeneous change buckets into
// one comparable event model. It is stateless and safe to share.
type Aggregator struct {
	logger *logrus.Logger

	// irrelevant holds kinds excluded from the relevant-change count,
	// as configured from the backend's irrelevant set.
	irrelevant map[models.ChangeKind]bool
}

// NewAggregator creates an aggregator. irrelevantKinds may be nil.
func NewAggregator(logger *logrus.Logger, irrelevantKinds []models.ChangeKind) *Aggregator {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}

	irrelevant := make(map[models.ChangeKind]bool, len(irrelevantKinds))
	for _, k := range irrelevantKinds {
		irrelevant[k] = true
	}

	return &Aggregator{
		logger:     logger,
		irrelevant: irrelevant,
	}
}

// Aggregate flattens a raw batch into normalized events. Every input
// record yields exactly one event; malformed records degrade to the
// catch-all kind with best-effort fields instead of being dropped.
func (a *Aggregator) Aggregate(batch models.RawChangeBatch) []models.ChangeEvent {
	events := make([]models.ChangeEvent, 0, batch.Size())

	events = appendBucket(events, batch.StatusChanges, models.ChangeStatus)
	events = appendBucket(events, batch.PriceChanges, models.ChangePrice)
	events = appendBucket(events, batch.UnavailableProperties, models.ChangeAvailability)
	events = appendBucket(events, batch.OtherChanges, models.ChangeOther)

	a.logger.WithFields(logrus.Fields{
		"raw_records": batch.Size(),
		"events":      len(events),
	}).Debug("Aggregated change batch")

	return events
}

// appendBucket normalizes one source bucket. The bucket implies a
// default kind; an explicit change_type tag on the record wins when it
// maps to a known kind.
func appendBucket(events []models.ChangeEvent, raw []models.RawChange, fallback models.ChangeKind) []models.ChangeEvent {
	for _, rc := range raw {
		events = append(events, normalize(rc, fallback))
	}
	return events
}

func normalize(rc models.RawChange, fallback models.ChangeKind) models.ChangeEvent {
	return models.ChangeEvent{
		PropertyID: rc.PropertyID,
		Address:    rc.Address,
		Kind:       resolveKind(rc, fallback),
		OldValue:   valueString(rc.OldValue),
		NewValue:   valueString(rc.NewValue),
		Summary:    rc.Summary,
		DetectedAt: dates.Normalize(rc.DetectedAt),
		RoomNumber: rc.RoomNumber,
	}
}

// resolveKind picks the change_type tag over the changeType spelling,
// then falls back to the bucket's implied kind.
func resolveKind(rc models.RawChange, fallback models.ChangeKind) models.ChangeKind {
	tag := rc.ChangeType
	if tag == "" {
		tag = rc.ChangeTypeAlt
	}
	if tag == "" {
		return fallback
	}

	if kind, ok := kindAliases[strings.ToLower(strings.TrimSpace(tag))]; ok {
		return kind
	}
	return models.ChangeOther
}

// valueString renders a raw old/new value for display without losing
// information on unexpected shapes.
func valueString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// PriceDelta computes the signed price movement for a price event.
// An increase is unfavorable. Non-numeric values degrade to unknown.
func PriceDelta(e models.ChangeEvent) Delta {
	return numericDelta(e, true)
}

// RoomCountDelta computes the signed room-count movement for an
// availability or rooms event. More rooms listed is favorable.
func RoomCountDelta(e models.ChangeEvent) Delta {
	return numericDelta(e, false)
}

func numericDelta(e models.ChangeEvent, increaseUnfavorable bool) Delta {
	oldV, okOld := parseNumber(e.OldValue)
	newV, okNew := parseNumber(e.NewValue)
	if !okOld || !okNew {
		return Delta{Direction: DirectionUnknown}
	}

	d := Delta{Value: newV - oldV, Known: true}
	switch {
	case d.Value > 0:
		d.Direction = DirectionIncrease
		d.Favorable = !increaseUnfavorable
	case d.Value < 0:
		d.Direction = DirectionDecrease
		d.Favorable = increaseUnfavorable
	default:
		d.Direction = DirectionNone
	}
	return d
}

// parseNumber tolerates currency prefixes and thousands separators as
// they appear in scraped price text.
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "€")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// CountByKind tallies events per kind for batch summaries.
func (a *Aggregator) CountByKind(events []models.ChangeEvent) map[models.ChangeKind]int {
	counts := make(map[models.ChangeKind]int)
	for _, e := range events {
		counts[e.Kind]++
	}
	return counts
}

// RelevantCount is the number of events whose kind is not in the
// configured irrelevant set.
func (a *Aggregator) RelevantCount(events []models.ChangeEvent) int {
	count := 0
	for _, e := range events {
		if !a.irrelevant[e.Kind] {
			count++
		}
	}
	return count
}

// SortByDetectedAt returns a copy sorted by detection time, oldest
// first unless reverse is set. The sort is stable: ties keep their
// original insertion order.
func SortByDetectedAt(events []models.ChangeEvent, reverse bool) []models.ChangeEvent {
	sorted := make([]models.ChangeEvent, len(events))
	copy(sorted, events)

	sort.SliceStable(sorted, func(i, j int) bool {
		if reverse {
			return sorted[j].DetectedAt.Before(sorted[i].DetectedAt)
		}
		return sorted[i].DetectedAt.Before(sorted[j].DetectedAt)
	})
	return sorted
}
