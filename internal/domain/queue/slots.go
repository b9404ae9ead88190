package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Overlaps reports whether half-open intervals [aStart,aEnd) and [bStart,bEnd)
// intersect. Touching intervals do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// OverlapSource lists active entries intersecting an interval.
type OverlapSource interface {
	ListOverlapping(ctx context.Context, staffID uuid.UUID, date, start, end time.Time) ([]*Entry, error)
}

// SlotChecker is the advisory double-booking check for fixed-grid mode. A
// clean result does not guarantee the insert succeeds; the store constraint
// has the final word.
type SlotChecker struct {
	source OverlapSource
}

func NewSlotChecker(source OverlapSource) *SlotChecker {
	return &SlotChecker{source: source}
}

// holdsSlot mirrors the store's exclusion predicate: an entry occupies its
// interval for as long as its status is scheduled, waiting or in progress.
// Absence does not release it, so a returning patient always finds the slot.
func holdsSlot(e *Entry) bool {
	return e.Status.Valid() && !e.Status.Terminal()
}

// Conflicts returns the slot-holding entries overlapping the candidate interval.
func (sc *SlotChecker) Conflicts(ctx context.Context, staffID uuid.UUID, date, start, end time.Time) ([]*Entry, error) {
	candidates, err := sc.source.ListOverlapping(ctx, staffID, DateOf(date), start, end)
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, e := range candidates {
		if holdsSlot(e) && Overlaps(e.StartTime, e.EndTime, start, end) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Slot is a bookable interval of the fixed grid.
type Slot struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Available bool      `json:"available"`
}

// Grid lays out slots of length slotLen every step across the clinic's
// working hours on date.
func Grid(cfg *ClinicConfig, date time.Time, slotLen, step time.Duration) []Slot {
	open, closeAt, ok := cfg.HoursOn(date)
	if !ok || slotLen <= 0 || step <= 0 {
		return nil
	}
	var out []Slot
	for start := open; !start.Add(slotLen).After(closeAt); start = start.Add(step) {
		out = append(out, Slot{Start: start.UTC(), End: start.Add(slotLen).UTC(), Available: true})
	}
	return out
}

// AvailableSlots returns the grid of date for staffID with occupied slots
// marked unavailable.
func (sc *SlotChecker) AvailableSlots(ctx context.Context, cfg *ClinicConfig, settings Settings, staffID uuid.UUID, date time.Time, t AppointmentType) ([]Slot, error) {
	step := settings.RuleDuration(cfg, t)
	grid := Grid(cfg, date, step, step)
	if len(grid) == 0 {
		return grid, nil
	}
	taken, err := sc.Conflicts(ctx, staffID, date, grid[0].Start, grid[len(grid)-1].End)
	if err != nil {
		return nil, err
	}
	for i := range grid {
		for _, e := range taken {
			if Overlaps(e.StartTime, e.EndTime, grid[i].Start, grid[i].End) {
				grid[i].Available = false
				break
			}
		}
	}
	return grid, nil
}
