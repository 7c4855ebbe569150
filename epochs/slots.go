// Package epochs schedules the 4-hour assignment epochs: pre-generating
// each slot shortly before its start, atomically promoting statuses on the
// boundary, and serving current and historical assignment reads.
package epochs

import "time"

// SlotStart returns the start of the slot containing t on the UTC grid.
// Slot durations divide 24h, so truncation lands on 00, 04, 08, 12, 16, 20.
func SlotStart(t time.Time, duration time.Duration) time.Time {
	return t.UTC().Truncate(duration)
}

// NextSlotStart returns the start of the slot after the one containing t.
func NextSlotStart(t time.Time, duration time.Duration) time.Time {
	return SlotStart(t, duration).Add(duration)
}
