package store

import "time"

// loadLocation wraps time.LoadLocation with an empty-string default,
// since ActiveHours.TZ is optional on the wire.
func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}
