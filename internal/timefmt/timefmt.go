// Package timefmt turns recording timestamps into the duration and
// date/time tokens used for storage paths and upload metadata.
package timefmt

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidInput is returned for timestamps that cannot be formatted.
var ErrInvalidInput = errors.New("invalid input")

const (
	dateLayout = "02-01-2006"
	timeLayout = "15-04"
)

// DateTime holds the formatted tokens of a single instant.
type DateTime struct {
	Date string `json:"date"`
	Time string `json:"time"`
	Full string `json:"full"`
}

// FormatDateTime formats t in its own location as DD-MM-YYYY and HH-MM.
func FormatDateTime(t time.Time) (DateTime, error) {
	if t.IsZero() {
		return DateTime{}, fmt.Errorf("%w: zero timestamp", ErrInvalidInput)
	}

	date := t.Format(dateLayout)
	clock := t.Format(timeLayout)
	return DateTime{
		Date: date,
		Time: clock,
		Full: date + "_" + clock,
	}, nil
}

// CalculateDuration returns "<minutes>m<seconds>s" for the span between two
// millisecond timestamps. Seconds come from the remainder after whole minutes
// and are rounded to the nearest integer, never reaching 60.
func CalculateDuration(startMs, endMs int64) (string, error) {
	if startMs <= 0 || endMs <= 0 {
		return "", fmt.Errorf("%w: non-positive timestamp (start=%d, end=%d)", ErrInvalidInput, startMs, endMs)
	}
	if endMs < startMs {
		return "", fmt.Errorf("%w: end %d before start %d", ErrInvalidInput, endMs, startMs)
	}

	durationMs := endMs - startMs
	minutes := durationMs / 60000
	seconds := int64(math.Round(float64(durationMs%60000) / 1000))
	if seconds > 59 {
		seconds = 59
	}
	return fmt.Sprintf("%dm%ds", minutes, seconds), nil
}

// Duration is CalculateDuration for time values.
func Duration(start, end time.Time) (string, error) {
	if start.IsZero() || end.IsZero() {
		return "", fmt.Errorf("%w: zero timestamp", ErrInvalidInput)
	}
	return CalculateDuration(start.UnixMilli(), end.UnixMilli())
}

// FormatElapsed renders a running timer as MM:SS.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// ParseTimestamp parses an ISO-8601 timestamp as written into metadata.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return t, nil
}

// ISO formats t the way recordingStartTime/recordingEndTime are serialized.
func ISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// FromUnixMilli converts a stored millisecond timestamp back into a time.
func FromUnixMilli(ms int64) (time.Time, error) {
	if ms <= 0 {
		return time.Time{}, fmt.Errorf("%w: non-positive timestamp %d", ErrInvalidInput, ms)
	}
	return time.UnixMilli(ms), nil
}
