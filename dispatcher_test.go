package mapscale

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hnakamur/ltsvlog"
	"github.com/hnakamur/mapscale/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *ltsvlog.LTSVLogger {
	return ltsvlog.NewLTSVLogger(io.Discard, false)
}

func testConfig() Config {
	cfg := EphemeralConfig()
	cfg.StartTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 500 * time.Millisecond
	cfg.Transport.CloseGrace = 200 * time.Millisecond
	return cfg
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newDispatcher[T, R any](t *testing.T, ctx context.Context, work worker.Work[T, R], workerCount int) *Dispatcher[T, R] {
	t.Helper()
	d, err := New[T, R](ctx, work, workerCount, testConfig(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		d.Shutdown()
	})
	return d
}

// squarer counts lifecycle calls and optionally sleeps a random time per
// job so that jobs complete out of order.
type squarer struct {
	jitter   time.Duration
	calls    atomic.Int32
	setups   atomic.Int32
	cleanups atomic.Int32
}

func (s *squarer) Do(ctx context.Context, x int) (int, error) {
	s.calls.Add(1)
	if s.jitter > 0 {
		time.Sleep(rand.N(s.jitter))
	}
	return x * x, nil
}

func (s *squarer) Setup() error {
	s.setups.Add(1)
	return nil
}

func (s *squarer) Cleanup() error {
	s.cleanups.Add(1)
	return nil
}

func sequence(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}

func TestSquareRoundTrip(t *testing.T) {
	ctx := testContext(t)
	d := newDispatcher[int, int](t, ctx, &squarer{}, 2)

	got, err := d.Map(ctx, []int{0, 1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 4, 9, 16}, got)
}

func TestOutputFollowsInputOrder(t *testing.T) {
	ctx := testContext(t)
	d := newDispatcher[int, int](t, ctx, &squarer{jitter: 20 * time.Millisecond}, 4)

	payloads := sequence(40)
	rand.Shuffle(len(payloads), func(i, j int) {
		payloads[i], payloads[j] = payloads[j], payloads[i]
	})
	got, err := d.Map(ctx, payloads)
	require.NoError(t, err)
	require.Len(t, got, len(payloads))
	for i, p := range payloads {
		assert.Equal(t, p*p, got[i], "index %d", i)
	}
}

func TestBatchCompleteness(t *testing.T) {
	const workerCount = 3
	ctx := testContext(t)
	work := &squarer{jitter: 5 * time.Millisecond}
	d := newDispatcher[int, int](t, ctx, work, workerCount)

	var total int32
	for _, n := range []int{0, 1, workerCount * 3} {
		outcomes, err := d.Submit(ctx, sequence(n))
		require.NoError(t, err, "n=%d", n)
		require.Len(t, outcomes, n)
		for i, o := range outcomes {
			require.NoError(t, o.Err)
			assert.Equal(t, i*i, o.Value)
		}
		total += int32(n)
	}
	assert.Equal(t, total, work.calls.Load())
	assert.Equal(t, uint64(3), d.Batches())
}

func TestSubmitIsSingleFlight(t *testing.T) {
	ctx := testContext(t)
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	var calls atomic.Int32
	work := worker.Func[int, int](func(ctx context.Context, x int) (int, error) {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return x + 1, nil
	})
	d := newDispatcher[int, int](t, ctx, work, 2)

	type submitted struct {
		values []int
		err    error
	}
	firstC := make(chan submitted, 1)
	go func() {
		v, err := d.Map(ctx, []int{10, 20})
		firstC <- submitted{v, err}
	}()
	<-started

	_, err := d.Submit(ctx, []int{1, 2, 3})
	assert.ErrorIs(t, err, ErrBatchInProgress)
	_, err = d.Map(ctx, []int{1})
	assert.ErrorIs(t, err, ErrBatchInProgress)

	close(release)
	first := <-firstC
	require.NoError(t, first.err)
	assert.Equal(t, []int{11, 21}, first.values)
	assert.Equal(t, int32(2), calls.Load())

	got, err := d.Map(ctx, []int{5})
	require.NoError(t, err)
	assert.Equal(t, []int{6}, got)
}

func TestFailedJobsAreTagged(t *testing.T) {
	ctx := testContext(t)
	sqrt := worker.Func[float64, float64](func(ctx context.Context, x float64) (float64, error) {
		if x < 0 {
			return 0, errors.New("square root of negative number")
		}
		return math.Sqrt(x), nil
	})
	d := newDispatcher[float64, float64](t, ctx, sqrt, 2)

	outcomes, err := d.Submit(ctx, []float64{4, -1, 9})
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.Equal(t, 2.0, outcomes[0].Value)
	assert.Equal(t, 3.0, outcomes[2].Value)

	var jerr *JobError
	require.ErrorAs(t, outcomes[1].Err, &jerr)
	assert.Equal(t, uint64(1), jerr.JobID)
	assert.Equal(t, "square root of negative number", jerr.Message)
	assert.ErrorIs(t, outcomes[1].Err, ErrWorkFunctionFailed)

	values, err := d.Map(ctx, []float64{-4, 16})
	assert.Equal(t, []float64{0, 4}, values)
	var berr *BatchError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, 2, berr.Total)
	require.Len(t, berr.Failed, 1)
	assert.Equal(t, uint64(0), berr.Failed[0].JobID)
	assert.ErrorIs(t, err, ErrWorkFunctionFailed)
}

func TestShutdownIsIdempotent(t *testing.T) {
	const workerCount = 3
	ctx := testContext(t)
	work := &squarer{}
	d, err := New[int, int](ctx, work, workerCount, testConfig(), testLogger())
	require.NoError(t, err)

	_, err = d.Map(ctx, sequence(6))
	require.NoError(t, err)

	require.NoError(t, d.Shutdown())
	require.NoError(t, d.Shutdown())
	require.NoError(t, d.Wait())

	assert.Equal(t, int32(workerCount), work.setups.Load())
	assert.Equal(t, int32(workerCount), work.cleanups.Load())
	for _, w := range d.workers {
		assert.Equal(t, worker.StateTerminated, w.State())
	}

	_, err = d.Submit(ctx, []int{1})
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestTimeoutLeavesDispatcherBroken(t *testing.T) {
	ctx := testContext(t)
	release := make(chan struct{})
	work := worker.Func[int, int](func(ctx context.Context, x int) (int, error) {
		<-release
		return x, nil
	})
	d, err := New[int, int](ctx, work, 1, testConfig(), testLogger())
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = d.Submit(shortCtx, []int{1})
	assert.ErrorIs(t, err, ErrChannelTimeout)

	_, err = d.Submit(ctx, []int{2})
	assert.ErrorIs(t, err, ErrChannelTimeout)

	close(release)
	d.Shutdown()
	d.Wait()
}

// flakySetup fails Setup for the first worker that calls it.
type flakySetup struct {
	squarer
	attempts atomic.Int32
}

func (f *flakySetup) Setup() error {
	if f.attempts.Add(1) == 1 {
		return errors.New("disk full")
	}
	return f.squarer.Setup()
}

func TestSetupFailureStopsOnlyThatWorker(t *testing.T) {
	ctx := testContext(t)
	work := &flakySetup{}
	d, err := New[int, int](ctx, work, 2, testConfig(), testLogger())
	require.NoError(t, err)

	got, err := d.Map(ctx, sequence(5))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 4, 9, 16}, got)

	require.NoError(t, d.Shutdown())
	assert.ErrorIs(t, d.Wait(), ErrWorkerSetupFailed)
	assert.Equal(t, int32(1), work.cleanups.Load())
}

func TestAddRemoteWorkers(t *testing.T) {
	ctx := testContext(t)
	work := &squarer{}
	d := newDispatcher[int, int](t, ctx, work, 0)

	cfg := worker.DefaultConfig()
	cfg.Transport = testConfig().Transport
	remote := worker.New[int, int](work, d.Endpoints(), cfg, testLogger())
	errC := make(chan error, 1)
	go func() {
		errC <- remote.Run(ctx)
	}()
	require.NoError(t, d.AddRemoteWorkers(ctx, 1))

	got, err := d.Map(ctx, []int{7, 8})
	require.NoError(t, err)
	assert.Equal(t, []int{49, 64}, got)

	require.NoError(t, d.Shutdown())
	require.NoError(t, <-errC)
	assert.Equal(t, int32(1), work.cleanups.Load())
}

func TestNewRejectsNegativeWorkerCount(t *testing.T) {
	_, err := New[int, int](context.Background(), &squarer{}, -1, testConfig(), testLogger())
	assert.Error(t, err)
}

func TestFailedNewReleasesWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.Worker.DialAttempts = 100
	cfg.Worker.RetryDelay = time.Second
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	work := &squarer{}
	start := time.Now()
	_, err := New[int, int](ctx, work, 3, cfg, testLogger())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	// Every worker that got as far as Setup has already cleaned up.
	assert.Equal(t, work.setups.Load(), work.cleanups.Load())
}

func newDispatcherWith[T, R any](t *testing.T, ctx context.Context, work worker.Work[T, R], workerCount int, cfg Config) *Dispatcher[T, R] {
	t.Helper()
	d, err := New[T, R](ctx, work, workerCount, cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		d.Shutdown()
	})
	return d
}

var echo = worker.Func[string, string](func(ctx context.Context, s string) (string, error) {
	return s, nil
})

func TestOversizedPayloadIsTaggedWithoutSending(t *testing.T) {
	ctx := testContext(t)
	cfg := testConfig()
	cfg.Transport.MaxMessageSize = 1024
	d := newDispatcherWith[string, string](t, ctx, echo, 2, cfg)

	outcomes, err := d.Submit(ctx, []string{"ok", strings.Repeat("x", 2048)})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.NoError(t, outcomes[0].Err)
	assert.Equal(t, "ok", outcomes[0].Value)
	assert.ErrorIs(t, outcomes[1].Err, ErrPayloadTooLarge)
	var jerr *JobError
	require.ErrorAs(t, outcomes[1].Err, &jerr)
	assert.Equal(t, uint64(1), jerr.JobID)

	got, err := d.Map(ctx, []string{"again"})
	require.NoError(t, err)
	assert.Equal(t, []string{"again"}, got)
}

func TestOversizedResultIsTagged(t *testing.T) {
	ctx := testContext(t)
	cfg := testConfig()
	cfg.Transport.MaxMessageSize = 1024
	repeat := worker.Func[int, string](func(ctx context.Context, n int) (string, error) {
		return strings.Repeat("y", n), nil
	})
	d := newDispatcherWith[int, string](t, ctx, repeat, 1, cfg)

	outcomes, err := d.Submit(ctx, []int{2048, 2})
	require.NoError(t, err)
	assert.ErrorIs(t, outcomes[0].Err, ErrWorkFunctionFailed)
	assert.ErrorContains(t, outcomes[0].Err, "result too large")
	require.NoError(t, outcomes[1].Err)
	assert.Equal(t, "yy", outcomes[1].Value)

	got, err := d.Map(ctx, []int{3})
	require.NoError(t, err)
	assert.Equal(t, []string{"yyy"}, got)
}

func TestLargeBatchSpansSeveralBundles(t *testing.T) {
	ctx := testContext(t)
	cfg := testConfig()
	cfg.Transport.MaxMessageSize = 4096
	d := newDispatcherWith[string, string](t, ctx, echo, 3, cfg)

	payloads := make([]string, 20)
	for i := range payloads {
		payloads[i] = strings.Repeat(string(rune('a'+i)), 500)
	}
	got, err := d.Map(ctx, payloads)
	require.NoError(t, err)
	assert.Equal(t, payloads, got)

	got, err = d.Map(ctx, payloads[:2])
	require.NoError(t, err)
	assert.Equal(t, payloads[:2], got)
}
