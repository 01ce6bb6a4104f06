package suggest

import "time"

// Default tuning values.
const (
	DefaultIdleDelay      = 800 * time.Millisecond
	DefaultMinPrefixChars = 24
	DefaultMaxPrefixChars = 4000
	DefaultMaxSuffixChars = 2000
	DefaultMaxTokens      = 64
	DefaultTemperature    = 0.2
	DefaultTimeout        = 15 * time.Second
)

// Config tunes when the engine asks for completions and what it asks for.
// Zero values are replaced by the defaults above. Temperature is a pointer
// because zero is a meaningful setting; nil selects DefaultTemperature.
type Config struct {
	IdleDelay      time.Duration
	MinPrefixChars int
	MaxPrefixChars int
	MaxSuffixChars int

	MaxTokens     int
	Temperature   *float64
	Timeout       time.Duration
	StopSequences []string

	// Disabled starts the engine switched off.
	Disabled bool
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.IdleDelay <= 0 {
		c.IdleDelay = DefaultIdleDelay
	}
	if c.MinPrefixChars <= 0 {
		c.MinPrefixChars = DefaultMinPrefixChars
	}
	if c.MaxPrefixChars <= 0 {
		c.MaxPrefixChars = DefaultMaxPrefixChars
	}
	if c.MaxSuffixChars <= 0 {
		c.MaxSuffixChars = DefaultMaxSuffixChars
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Temperature == nil {
		t := DefaultTemperature
		c.Temperature = &t
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}
