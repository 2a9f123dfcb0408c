package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDate(t *testing.T) {
	parsed, err := ParseDate("2025-03-14")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC), parsed)

	_, err = ParseDate("14/03/2025")
	assert.Error(t, err)

	_, err = ParseDate("")
	assert.Error(t, err)
}

func TestFormatDate(t *testing.T) {
	assert.Equal(t, "2025-03-14", FormatDate(time.Date(2025, 3, 14, 15, 4, 5, 0, time.UTC)))
}

func TestIsWeekend(t *testing.T) {
	assert.True(t, IsWeekend(time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)))  // Saturday
	assert.True(t, IsWeekend(time.Date(2025, 3, 16, 0, 0, 0, 0, time.UTC)))  // Sunday
	assert.False(t, IsWeekend(time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC))) // Friday
}

func TestPriorBusinessDay(t *testing.T) {
	monday := time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC), PriorBusinessDay(monday),
		"Monday resolves back to Friday")

	wednesday := time.Date(2025, 3, 19, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 3, 18, 0, 0, 0, 0, time.UTC), PriorBusinessDay(wednesday))
}
