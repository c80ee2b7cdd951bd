package availability

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"roomwatch/server/internal/dates"
	"roomwatch/server/internal/models"
)

// Reconstructor rebuilds a room's availability timeline from the raw
// snapshot history the backend supplies. It holds no mutable state and
// may be shared across call sites.
type Reconstructor struct {
	logger *logrus.Logger
	now    func() time.Time
}

// NewReconstructor creates a reconstructor using the wall clock.
func NewReconstructor(logger *logrus.Logger) *Reconstructor {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}

	return &Reconstructor{
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the clock used for ongoing-period durations.
func (r *Reconstructor) WithClock(now func() time.Time) *Reconstructor {
	clone := *r
	clone.now = now
	return &clone
}

// Reconstruct turns raw snapshots into ordered availability periods
// plus a per-room summary. Periods come back newest first. The result
// is a pure projection of the input; nothing is persisted.
func (r *Reconstructor) Reconstruct(roomID string, snapshots []models.RawSnapshot, roomStatus string) ([]models.AvailabilityPeriod, models.RoomAvailabilitySummary) {
	now := r.now().UTC()
	periods := r.buildPeriods(roomID, snapshots, now)
	summary := r.summarize(roomID, periods, roomStatus, now)

	// Newest first for presentation.
	sort.SliceStable(periods, func(i, j int) bool {
		return periods[i].StartDate.After(periods[j].StartDate)
	})

	return periods, summary
}

func (r *Reconstructor) buildPeriods(roomID string, snapshots []models.RawSnapshot, now time.Time) []models.AvailabilityPeriod {
	type bounded struct {
		start time.Time
		end   *time.Time
		snap  models.RawSnapshot
	}

	parsed := make([]bounded, 0, len(snapshots))
	for _, snap := range snapshots {
		b := bounded{start: dates.Normalize(snap.StartDate), snap: snap}
		if snap.EndDate != nil && strings.TrimSpace(*snap.EndDate) != "" {
			end := dates.Normalize(*snap.EndDate)
			b.end = &end
		}
		parsed = append(parsed, b)
	}

	sort.SliceStable(parsed, func(i, j int) bool {
		return parsed[i].start.Before(parsed[j].start)
	})

	periods := make([]models.AvailabilityPeriod, 0, len(parsed))
	for i, b := range parsed {
		start := b.start
		end := b.end

		// Only the last snapshot may remain open; an earlier open
		// interval is closed at the next interval's start so periods
		// never overlap.
		if i < len(parsed)-1 {
			next := parsed[i+1].start
			if end == nil || end.After(next) {
				closed := next
				end = &closed
			}
		}
		if i > 0 {
			prev := periods[i-1]
			if prev.EndDate != nil && start.Before(*prev.EndDate) {
				start = *prev.EndDate
			}
		}

		period := models.AvailabilityPeriod{
			PeriodID:         uuid.NewString(),
			RoomID:           roomID,
			StartDate:        start,
			EndDate:          end,
			PriceTextAtStart: b.snap.PriceText,
			IsCurrent:        end == nil,
		}
		period.DurationDays = durationDays(start, end, now)
		periods = append(periods, period)
	}

	return periods
}

func (r *Reconstructor) summarize(roomID string, periods []models.AvailabilityPeriod, roomStatus string, now time.Time) models.RoomAvailabilitySummary {
	summary := models.RoomAvailabilitySummary{
		RoomID:       roomID,
		TotalPeriods: len(periods),
	}

	var completed, totalDays int
	var earliest time.Time
	var current *models.AvailabilityPeriod
	for i, p := range periods {
		if p.IsCurrent {
			current = &periods[i]
		} else {
			completed++
			totalDays += p.DurationDays
		}
		if earliest.IsZero() || p.StartDate.Before(earliest) {
			earliest = p.StartDate
		}
	}

	summary.TimesChanged = completed
	if completed > 0 {
		avg := float64(totalDays) / float64(completed)
		summary.AverageDurationDays = &avg
	}
	if !earliest.IsZero() {
		if days := durationDays(earliest, nil, now); days > 0 {
			summary.DaysSinceDiscovered = days
		}
	}

	summary.CurrentStatus = resolveStatus(roomStatus, current, len(periods))
	summary.IsCurrentlyListed = summary.CurrentStatus != models.RoomOffline

	return summary
}

// resolveStatus applies the status precedence: an explicit offline or
// delisted room wins, then an available current period, then taken.
// A room with no periods at all falls back to its raw status.
func resolveStatus(roomStatus string, current *models.AvailabilityPeriod, totalPeriods int) models.RoomStatus {
	raw := strings.ToLower(strings.TrimSpace(roomStatus))

	switch raw {
	case "offline", "delisted", "removed":
		return models.RoomOffline
	}

	if totalPeriods == 0 {
		// Newly discovered room with no history yet: trust the raw field.
		switch raw {
		case "available":
			return models.RoomAvailable
		case "taken", "rented", "unavailable":
			return models.RoomTaken
		default:
			return models.RoomOffline
		}
	}

	if current != nil && raw == "available" {
		return models.RoomAvailable
	}
	return models.RoomTaken
}

// durationDays is the whole-day floor between start and end, measured
// against now for ongoing periods, clamped to zero.
func durationDays(start time.Time, end *time.Time, now time.Time) int {
	until := now
	if end != nil {
		until = *end
	}
	days := int(until.Sub(start).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}
