// Package scheduler drives the autonomous loop: monitoring ticks and
// improvement cycles with a bounded worker pool.
package scheduler

import "time"

// Config defines the loop configuration.
type Config struct {
	// MonitorInterval is the fast cadence that evaluates active sessions.
	MonitorInterval time.Duration `yaml:"monitor_interval" validate:"gt=0"`
	// OpportunityInterval is the slow cadence that looks for improvements.
	OpportunityInterval time.Duration `yaml:"opportunity_interval" validate:"gt=0"`
	// Workers bounds concurrent improvement attempts across components.
	Workers int `yaml:"workers" validate:"gte=1"`
	// MaxAttemptsPerCycle caps the opportunities submitted per slow tick.
	MaxAttemptsPerCycle int `yaml:"max_attempts_per_cycle" validate:"gte=1"`
	// InvestigateTimeout and GenerateTimeout bound the external calls.
	InvestigateTimeout time.Duration `yaml:"investigate_timeout" validate:"gt=0"`
	GenerateTimeout    time.Duration `yaml:"generate_timeout" validate:"gt=0"`
	// Cooldown is how long a component is skipped after a failed attempt.
	Cooldown time.Duration `yaml:"cooldown" validate:"gte=0"`
	// MaxDeploysPerHour limits autonomous deploys across all components.
	MaxDeploysPerHour int `yaml:"max_deploys_per_hour" validate:"gte=1"`
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() *Config {
	return &Config{
		MonitorInterval:     2 * time.Minute,
		OpportunityInterval: 5 * time.Minute,
		Workers:             2,
		MaxAttemptsPerCycle: 3,
		InvestigateTimeout:  60 * time.Second,
		GenerateTimeout:     120 * time.Second,
		Cooldown:            time.Hour,
		MaxDeploysPerHour:   6,
	}
}
