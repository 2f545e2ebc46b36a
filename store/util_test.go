package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetDayBefore(t *testing.T) {
	d := GetDayBefore(0)
	assert.Equal(t, 0, d.Hour())
	assert.Equal(t, 0, d.Minute())
	assert.True(t, d.Before(time.Now().Add(-24*time.Hour)))
	assert.True(t, d.After(time.Now().Add(-49*time.Hour)))

	d7 := GetDayBefore(7)
	assert.True(t, d7.Before(d))
	assert.InDelta(t, 7*24, d.Sub(d7).Hours(), 1) // DST
}
