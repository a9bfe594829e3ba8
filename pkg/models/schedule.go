package models

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrEmptySchedule = errors.New("schedule expression is required")

const maxCatchUpSlots = 100_000

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five field cron expression or a descriptor such as @hourly.
func ParseSchedule(expression string) (cron.Schedule, error) {
	if expression == "" {
		return nil, ErrEmptySchedule
	}

	return scheduleParser.Parse(expression)
}

// DueSlot returns the latest schedule instant after anchor that is not after now.
// Missed intervals collapse into a single slot so a long outage fires once.
func DueSlot(expression string, anchor, now time.Time) (time.Time, bool, error) {
	schedule, err := ParseSchedule(expression)
	if err != nil {
		return time.Time{}, false, err
	}

	slot := schedule.Next(anchor)
	if slot.IsZero() || slot.After(now) {
		return time.Time{}, false, nil
	}

	for range maxCatchUpSlots {
		next := schedule.Next(slot)
		if next.IsZero() || next.After(now) {
			break
		}

		slot = next
	}

	return slot, true, nil
}

// ScheduleAnchor is the instant after which the next slot of w is searched:
// the latest of creation, activation and the last claimed slot, so slots
// missed while the workflow was paused never fire.
func (w *Workflow) ScheduleAnchor() time.Time {
	anchor := w.CreatedAt

	for _, candidate := range []*time.Time{w.ActivatedAt, w.LastScheduledAt} {
		if candidate != nil && candidate.After(anchor) {
			anchor = *candidate
		}
	}

	return anchor
}
