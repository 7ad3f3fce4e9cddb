package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hnakamur/ltsvlog"
	"github.com/hnakamur/mapscale/fabric"
	"github.com/hnakamur/mapscale/msg"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/time/rate"
)

// ErrSetupFailed is returned by Run when the work's Setup fails. Only the
// failing worker stops.
var ErrSetupFailed = errors.New("worker setup failed")

var errAlreadyRun = errors.New("worker already ran")

// Worker pulls jobs from the work channel, applies the work to each
// payload and pushes the tagged result to the result channel until QUIT
// is broadcast on the control channel.
type Worker[T, R any] struct {
	id        string
	work      Work[T, R]
	setup     Setupper
	cleanup   Cleaner
	endpoints Endpoints
	cfg       Config
	limiter   *rate.Limiter
	logger    *ltsvlog.LTSVLogger

	started atomic.Bool
	state   atomic.Int32

	jobs    *fabric.WorkPuller
	results *fabric.ResultPusher
	control *fabric.Subscriber
}

// New creates a worker. Whether work implements Setupper or Cleaner is
// decided here, once.
func New[T, R any](work Work[T, R], endpoints Endpoints, cfg Config, logger *ltsvlog.LTSVLogger) *Worker[T, R] {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 1
	}
	w := &Worker[T, R]{
		id:        cfg.ID,
		work:      work,
		endpoints: endpoints,
		cfg:       cfg,
		logger:    logger,
	}
	w.setup, _ = work.(Setupper)
	w.cleanup, _ = work.(Cleaner)
	if cfg.JobsPerSecond > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.JobsPerSecond), max(cfg.Burst, 1))
	}
	return w
}

func (w *Worker[T, R]) ID() string {
	return w.id
}

func (w *Worker[T, R]) State() State {
	return State(w.state.Load())
}

// Run connects to the channels, runs Setup and processes jobs until QUIT.
// It returns nil after a QUIT, ErrSetupFailed when Setup fails, and an
// error wrapping fabric.ErrClosed when the control channel goes away.
// A worker runs once.
func (w *Worker[T, R]) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errAlreadyRun
	}
	w.state.Store(int32(StateRunning))
	defer w.state.Store(int32(StateTerminated))

	if err := w.connect(ctx); err != nil {
		w.logger.Err(fmt.Errorf("worker %s: %w", w.id, err))
		return err
	}
	if w.setup != nil {
		if err := w.setup.Setup(); err != nil {
			w.release()
			err = fmt.Errorf("%w: worker %s: %w", ErrSetupFailed, w.id, err)
			w.logger.Err(err)
			return err
		}
	}
	w.logger.Info().String("msg", "worker started").
		String("worker_id", w.id).Log()
	return w.loop(ctx)
}

func (w *Worker[T, R]) connect(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := w.dial(ctx)
		if err == nil {
			return nil
		}
		w.release()
		if attempt >= w.cfg.DialAttempts {
			return err
		}
		w.logger.Info().String("msg", "dial error, retrying").
			String("worker_id", w.id).
			Int("attempt", attempt).
			String("err", err.Error()).Log()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.RetryDelay):
		}
	}
}

func (w *Worker[T, R]) dial(ctx context.Context) error {
	var err error
	w.jobs, err = fabric.DialWorkQueue(ctx, w.endpoints.Work, w.id, w.cfg.Transport, w.logger)
	if err != nil {
		return err
	}
	w.results, err = fabric.DialResults(ctx, w.endpoints.Result, w.id, w.cfg.Transport, w.logger)
	if err != nil {
		return err
	}
	w.control, err = fabric.DialPublisher(ctx, w.endpoints.Control, w.id, w.cfg.Transport, w.logger)
	return err
}

// release closes every channel handle. Results already pushed are
// flushed first.
func (w *Worker[T, R]) release() {
	if w.results != nil {
		w.results.Close()
		w.results = nil
	}
	if w.jobs != nil {
		w.jobs.Close()
		w.jobs = nil
	}
	if w.control != nil {
		w.control.Close()
		w.control = nil
	}
}

func (w *Worker[T, R]) loop(ctx context.Context) error {
	jobC := w.jobs.C()
	controlC := w.control.C()
	awaiting := false
	for {
		// A pending QUIT wins over the next job.
		select {
		case sig, ok := <-controlC:
			if done, err := w.onSignal(sig, ok); done {
				return err
			}
		default:
		}

		if jobC != nil && !awaiting {
			if err := w.jobs.Ready(ctx); err != nil {
				w.logger.Info().String("msg", "work channel unavailable").
					String("worker_id", w.id).
					String("err", err.Error()).Log()
				jobC = nil
			} else {
				awaiting = true
			}
		}

		select {
		case job, ok := <-jobC:
			if !ok {
				// Keep waiting for QUIT, which may still be in flight.
				jobC = nil
				continue
			}
			awaiting = false
			w.handle(ctx, job)
		case sig, ok := <-controlC:
			if done, err := w.onSignal(sig, ok); done {
				return err
			}
		case <-ctx.Done():
			w.finish()
			return ctx.Err()
		}
	}
}

func (w *Worker[T, R]) onSignal(sig msg.Signal, ok bool) (bool, error) {
	if !ok {
		w.logger.Info().String("msg", "control channel closed").
			String("worker_id", w.id).Log()
		w.finish()
		return true, fmt.Errorf("worker %s control channel: %w", w.id, fabric.ErrClosed)
	}
	if sig != msg.SignalQuit {
		return false, nil
	}
	w.state.Store(int32(StateDraining))
	w.logger.Info().String("msg", "received QUIT").
		String("worker_id", w.id).Log()
	return true, w.finish()
}

// finish runs Cleanup and releases the channels.
func (w *Worker[T, R]) finish() error {
	var err error
	if w.cleanup != nil {
		if cerr := w.cleanup.Cleanup(); cerr != nil {
			err = fmt.Errorf("worker %s cleanup: %w", w.id, cerr)
			w.logger.Err(err)
		}
	}
	w.release()
	return err
}

func (w *Worker[T, R]) handle(ctx context.Context, job *msg.Job) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			w.push(ctx, &msg.Result{JobID: job.ID, Err: err.Error()})
			return
		}
	}
	w.push(ctx, w.compute(ctx, job))
}

// push sends a result. One too large for a frame is replaced with an
// error marker so the collector still hears about the job.
func (w *Worker[T, R]) push(ctx context.Context, res *msg.Result) {
	err := w.results.Send(ctx, res)
	if errors.Is(err, fabric.ErrFrameTooLarge) {
		w.logger.Info().String("msg", "result too large").
			String("worker_id", w.id).
			Int("job_id", int(res.JobID)).
			Int("bytes", len(res.Value)).Log()
		err = w.results.Send(ctx, &msg.Result{JobID: res.JobID, Err: fmt.Sprintf("result too large: %v", err)})
	}
	if err != nil {
		w.logger.Err(fmt.Errorf("worker %s push result %d: %w", w.id, res.JobID, err))
	}
}

// compute never fails: a failing job becomes a result carrying the error.
func (w *Worker[T, R]) compute(ctx context.Context, job *msg.Job) *msg.Result {
	res := &msg.Result{JobID: job.ID}

	var payload T
	if err := msgpack.Unmarshal(job.Payload, &payload); err != nil {
		res.Err = fmt.Sprintf("decode payload: %v", err)
		return res
	}
	value, err := w.call(ctx, payload)
	if err != nil {
		res.Err = err.Error()
		return res
	}
	b, err := msgpack.Marshal(value)
	if err != nil {
		res.Err = fmt.Sprintf("encode value: %v", err)
		return res
	}
	res.Value = b
	if w.logger.DebugEnabled() {
		w.logger.Debug().String("msg", "job done").
			String("worker_id", w.id).
			Int("job_id", int(job.ID)).Log()
	}
	return res
}

func (w *Worker[T, R]) call(ctx context.Context, payload T) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			w.logger.Info().String("msg", "work function panic").
				String("worker_id", w.id).
				String("panic", fmt.Sprint(r)).
				String("stack", string(buf[:n])).Log()
			err = fmt.Errorf("work function panic: %v", r)
		}
	}()
	return w.work.Do(ctx, payload)
}
