package domain

import "time"

// TimeLayout is the canonical timestamp format for every *_at column. The
// width is fixed so that SQL text comparison orders the same way as time
// comparison.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Epoch is the lower bound of every sync and op window.
const Epoch = "1970-01-01T00:00:00.000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}
