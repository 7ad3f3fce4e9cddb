// Package workfn holds the work functions that can be chosen by name from
// the command line. Every worker process of a run must use the same one.
package workfn

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync/atomic"
	"time"

	"github.com/hnakamur/ltsvlog"
	"github.com/hnakamur/mapscale/worker"
)

var ErrUnknown = errors.New("unknown work function")

// MaxJitter is the longest random delay of jitter-square.
var MaxJitter = 50 * time.Millisecond

var registry = map[string]worker.Func[float64, float64]{
	"square": func(ctx context.Context, x float64) (float64, error) {
		return x * x, nil
	},
	"cube": func(ctx context.Context, x float64) (float64, error) {
		return x * x * x, nil
	},
	"sqrt": func(ctx context.Context, x float64) (float64, error) {
		if x < 0 {
			return 0, fmt.Errorf("sqrt of negative number %g", x)
		}
		return math.Sqrt(x), nil
	},
	// Sleeps a random time first so jobs finish out of order.
	"jitter-square": func(ctx context.Context, x float64) (float64, error) {
		select {
		case <-time.After(rand.N(MaxJitter + 1)):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		return x * x, nil
	},
}

// Names returns the registered names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Lookup returns the function registered under name. The returned work
// logs its Setup and Cleanup.
func Lookup(name string, logger *ltsvlog.LTSVLogger) (*Logged, error) {
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknown, name)
	}
	return &Logged{name: name, fn: fn, logger: logger}, nil
}

// Logged is a registered function with Setup and Cleanup hooks that only
// log. It counts the jobs it ran across every worker sharing it.
type Logged struct {
	name   string
	fn     worker.Func[float64, float64]
	logger *ltsvlog.LTSVLogger

	jobs     atomic.Int64
	setups   atomic.Int32
	cleanups atomic.Int32
}

var (
	_ worker.Work[float64, float64] = (*Logged)(nil)
	_ worker.Setupper               = (*Logged)(nil)
	_ worker.Cleaner                = (*Logged)(nil)
)

func (l *Logged) Name() string {
	return l.name
}

func (l *Logged) Do(ctx context.Context, x float64) (float64, error) {
	l.jobs.Add(1)
	return l.fn(ctx, x)
}

func (l *Logged) Setup() error {
	n := l.setups.Add(1)
	l.logger.Info().String("msg", "work function setup").
		String("work", l.name).
		Int("setups", int(n)).Log()
	return nil
}

func (l *Logged) Cleanup() error {
	n := l.cleanups.Add(1)
	l.logger.Info().String("msg", "work function cleanup").
		String("work", l.name).
		Int("cleanups", int(n)).
		Int("jobs", int(l.jobs.Load())).Log()
	return nil
}

// Jobs returns how many jobs ran so far.
func (l *Logged) Jobs() int64 {
	return l.jobs.Load()
}
