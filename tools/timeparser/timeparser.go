package timeparser

import (
	"fmt"
	"time"
)

// ParseMeterTimestamp parses a meter-supplied timestamp. Acquisition
// gateways forward device-formatted dates, so several layouts are tried.
func ParseMeterTimestamp(dateStr string) (time.Time, error) {
	formats := []string{
		time.RFC3339,          // Standard RFC3339
		"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
		"2006-01-02 15:04:05", // ISO-ish without zone
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}
