package common

import "time"

// NowUTC returns the current time in UTC truncated to millisecond
// precision. All timestamps written by Chronicle go through this (or
// TruncateTime) so that values survive a round trip through either
// storage backend unchanged: SQLite stores Unix milliseconds and
// Postgres microseconds, and conditional writes compare timestamps for
// equality.
func NowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// TruncateTime normalizes a caller-supplied timestamp to UTC millisecond
// precision, matching what NowUTC produces.
func TruncateTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// TruncateTimePtr is TruncateTime lifted over optional timestamps.
func TruncateTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := TruncateTime(*t)
	return &v
}
