package worker

import "context"

// Work is the computation applied to each job payload.
type Work[T, R any] interface {
	Do(ctx context.Context, payload T) (R, error)
}

// Func adapts an ordinary function to Work.
type Func[T, R any] func(ctx context.Context, payload T) (R, error)

func (f Func[T, R]) Do(ctx context.Context, payload T) (R, error) {
	return f(ctx, payload)
}

// Setupper is implemented by work that needs to prepare its environment
// before the first job. Setup runs once per worker.
type Setupper interface {
	Setup() error
}

// Cleaner is implemented by work that releases resources when the worker
// stops. Cleanup runs once per worker.
type Cleaner interface {
	Cleanup() error
}
