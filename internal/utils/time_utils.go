package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var units = []struct {
	suffix string
	unit   time.Duration
}{
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseStringTime parses durations such as "500ms", "10s", "20M", "48h" or "2d".
// An empty string is a zero duration.
func ParseStringTime(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if timeString == "" {
		return 0, nil
	}
	for _, u := range units {
		cutString, found := strings.CutSuffix(timeString, u.suffix)
		if !found {
			continue
		}
		number, err := strconv.Atoi(cutString)
		if err != nil {
			break
		}
		if number < 0 {
			return 0, fmt.Errorf("negative duration: %s", timeString)
		}
		return time.Duration(number) * u.unit, nil
	}
	if d, err := time.ParseDuration(timeString); err == nil {
		return d, nil
	}
	return 0, fmt.Errorf("invalid time format: %s", timeString)
}

// ParseStringTimeOr parses timeString and falls back to def when it is empty
// or malformed.
func ParseStringTimeOr(timeString string, def time.Duration) time.Duration {
	d, err := ParseStringTime(timeString)
	if err != nil || d == 0 {
		return def
	}
	return d
}
