package worker

import (
	"time"

	"github.com/hnakamur/mapscale/fabric"
)

// Endpoints are the addresses a worker connects to.
type Endpoints struct {
	Work    string `yaml:"work"`
	Result  string `yaml:"result"`
	Control string `yaml:"control"`
}

type Config struct {
	// ID identifies the worker to the channels. A random id is used when
	// empty.
	ID string `yaml:"id"`

	// Transport is filled in from the top level configuration.
	Transport fabric.Config `yaml:"-"`

	// JobsPerSecond caps how fast the worker takes jobs. Zero means no
	// limit.
	JobsPerSecond float64 `yaml:"jobs_per_second"`
	Burst         int     `yaml:"burst"`

	// DialAttempts and RetryDelay control connecting to the channels.
	DialAttempts int           `yaml:"dial_attempts"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

func DefaultConfig() Config {
	return Config{
		Transport:    fabric.DefaultConfig(),
		Burst:        1,
		DialAttempts: 5,
		RetryDelay:   time.Second,
	}
}
