package coaches

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// ErrInvalidDuration is returned when a requested session length is not offered by the coach.
var ErrInvalidDuration = errors.New("coaches: invalid session duration")

// SessionConfig describes the session lengths and pricing a coach offers.
type SessionConfig struct {
	Durations           []int           `json:"durations"`
	Rates               map[int]float64 `json:"rates,omitempty"`
	HourlyRate          float64         `json:"hourlyRate"`
	Currency            string          `json:"currency"`
	DefaultDuration     int             `json:"defaultDuration"`
	AllowCustomDuration bool            `json:"allowCustomDuration"`
	MinimumDuration     int             `json:"minimumDuration"`
	MaximumDuration     int             `json:"maximumDuration"`
}

// DefaultSessionConfig is applied to coaches that never saved their own settings.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Durations:       []int{30, 60},
		HourlyRate:      100,
		Currency:        "USD",
		DefaultDuration: 60,
		MinimumDuration: 15,
		MaximumDuration: 180,
	}
}

// Normalize fills unset fields from DefaultSessionConfig.
func (c SessionConfig) Normalize() SessionConfig {
	def := DefaultSessionConfig()
	if len(c.Durations) == 0 {
		c.Durations = def.Durations
		if c.DefaultDuration <= 0 {
			c.DefaultDuration = def.DefaultDuration
		}
	}
	if c.Currency == "" {
		c.Currency = def.Currency
	}
	if c.HourlyRate <= 0 {
		c.HourlyRate = def.HourlyRate
	}
	if c.MinimumDuration <= 0 {
		c.MinimumDuration = def.MinimumDuration
	}
	if c.MaximumDuration <= 0 {
		c.MaximumDuration = def.MaximumDuration
	}
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = c.Durations[0]
	}
	return c
}

// ValidateDuration checks minutes against the configured durations, falling back
// to the custom range when custom lengths are allowed.
func (c SessionConfig) ValidateDuration(minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDuration, minutes)
	}
	if slices.Contains(c.Durations, minutes) {
		return nil
	}
	if c.AllowCustomDuration && minutes >= c.MinimumDuration && minutes <= c.MaximumDuration {
		return nil
	}
	return fmt.Errorf("%w: %d", ErrInvalidDuration, minutes)
}

// RateFor returns the price of a session of the given length.
func (c SessionConfig) RateFor(minutes int) float64 {
	if rate, ok := c.Rates[minutes]; ok {
		return rate
	}
	return math.Round(c.HourlyRate*float64(minutes)/60*100) / 100
}
