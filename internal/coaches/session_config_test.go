package coaches

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateDuration(t *testing.T) {
	cfg := SessionConfig{Durations: []int{30, 60}, MinimumDuration: 15, MaximumDuration: 120}

	assert.NoError(t, cfg.ValidateDuration(30))
	assert.ErrorIs(t, cfg.ValidateDuration(45), ErrInvalidDuration)
	assert.ErrorIs(t, cfg.ValidateDuration(0), ErrInvalidDuration)

	cfg.AllowCustomDuration = true
	assert.NoError(t, cfg.ValidateDuration(45))
	assert.ErrorIs(t, cfg.ValidateDuration(10), ErrInvalidDuration)
	assert.ErrorIs(t, cfg.ValidateDuration(150), ErrInvalidDuration)
}

func TestRateFor(t *testing.T) {
	cfg := SessionConfig{HourlyRate: 90, Rates: map[int]float64{30: 50}}
	assert.Equal(t, 50.0, cfg.RateFor(30))
	assert.Equal(t, 135.0, cfg.RateFor(90))
	assert.Equal(t, 30.0, cfg.RateFor(20))
}

func TestNormalizeKeepsExplicitValues(t *testing.T) {
	cfg := SessionConfig{Durations: []int{50}, Currency: "CAD", DefaultDuration: 50}.Normalize()
	assert.Equal(t, "CAD", cfg.Currency)
	assert.Equal(t, 50, cfg.DefaultDuration)
	assert.Equal(t, 15, cfg.MinimumDuration)
	assert.Equal(t, 180, cfg.MaximumDuration)
}
