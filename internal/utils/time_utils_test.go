package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStringTime(t *testing.T) {
	tests := []struct {
		timeString string
		expected   time.Duration
	}{
		{"", 0},
		{"500ms", 500 * time.Millisecond},
		{"10s", 10 * time.Second},
		{"20M", 20 * time.Minute},
		{"48h", 48 * time.Hour},
		{"2d", 2 * time.Hour * 24},
		{"1m30s", 90 * time.Second},
	}

	for _, test := range tests {
		result, err := ParseStringTime(test.timeString)
		require.NoError(t, err, test.timeString)
		assert.Equal(t, test.expected, result, test.timeString)
	}
}

func TestParseStringTimeInvalid(t *testing.T) {
	for _, s := range []string{"abc", "-5s", "5w"} {
		_, err := ParseStringTime(s)
		assert.Error(t, err, s)
	}
	assert.Equal(t, 5*time.Second, ParseStringTimeOr("bogus", 5*time.Second))
	assert.Equal(t, time.Minute, ParseStringTimeOr("1m", 5*time.Second))
}
