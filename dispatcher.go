package mapscale

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hnakamur/ltsvlog"
	"github.com/hnakamur/mapscale/collector"
	"github.com/hnakamur/mapscale/fabric"
	"github.com/hnakamur/mapscale/msg"
	"github.com/hnakamur/mapscale/worker"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"
)

// Outcome is the result of one job. Err is a *JobError when the job
// failed; Value is the zero value then.
type Outcome[R any] struct {
	Value R
	Err   error
}

// Dispatcher spreads batches of jobs over a pool of workers and returns
// the results in job order.
type Dispatcher[T, R any] struct {
	id     string
	cfg    Config
	logger *ltsvlog.LTSVLogger

	queue     *fabric.WorkQueue
	control   *fabric.Publisher
	collector *collector.Collector
	wake      *fabric.Requester
	bundle    *fabric.Replier

	// Local workers and the collector. stop is only used when New fails.
	group   errgroup.Group
	stop    context.CancelFunc
	workers []*worker.Worker[T, R]

	// Subscribers the control channel must have seen.
	expected atomic.Int64

	inFlight atomic.Bool
	batches  atomic.Uint64

	mu sync.Mutex
	// Set when the dispatcher can no longer run batches.
	broken error

	shutdownOnce sync.Once
}

// New binds the work and control channels, starts the collector and
// workerCount local workers, and attaches to the collector. It returns
// once every local worker has subscribed to the control channel; it does
// not wait for their Setup. A workerCount of zero is valid when workers
// are attached with AddRemoteWorkers.
func New[T, R any](ctx context.Context, work worker.Work[T, R], workerCount int, cfg Config, logger *ltsvlog.LTSVLogger) (_ *Dispatcher[T, R], err error) {
	if workerCount < 0 {
		return nil, fmt.Errorf("invalid worker count %d", workerCount)
	}
	d := &Dispatcher[T, R]{
		id:     uuid.NewString(),
		cfg:    cfg,
		logger: logger,
	}
	runCtx, stop := context.WithCancel(context.Background())
	d.stop = stop
	defer func() {
		if err != nil {
			d.stop()
			d.close()
			if d.collector != nil {
				d.collector.Close()
			}
			// Workers still retrying their dials return once stop is seen.
			d.group.Wait()
		}
	}()

	if d.queue, err = fabric.ListenWorkQueue(cfg.addr(cfg.Ports.Work), cfg.Transport, logger); err != nil {
		return nil, err
	}
	if d.control, err = fabric.ListenPublisher(cfg.addr(cfg.Ports.Control), cfg.Transport, logger); err != nil {
		return nil, err
	}
	if d.collector, err = collector.New(cfg.collectorAddrs(), cfg.Transport, logger); err != nil {
		return nil, err
	}
	d.group.Go(func() error {
		return d.collector.Run(runCtx)
	})

	endpoints := d.Endpoints()
	for i := 0; i < workerCount; i++ {
		w := worker.New[T, R](work, endpoints, cfg.workerConfig(), logger)
		d.workers = append(d.workers, w)
		d.group.Go(func() error {
			return w.Run(runCtx)
		})
	}

	addrs := d.collector.Addrs()
	wc, err := fabric.Dial(ctx, "wake", addrs.Wake, d.id, cfg.Transport, logger)
	if err != nil {
		return nil, err
	}
	d.wake = fabric.NewRequester(wc)
	bc, err := fabric.Dial(ctx, "bundle", addrs.Bundle, d.id, cfg.Transport, logger)
	if err != nil {
		return nil, err
	}
	d.bundle = fabric.NewReplier(bc)

	if err := d.awaitSubscribers(ctx, workerCount); err != nil {
		return nil, fmt.Errorf("waiting for %d workers: %w", workerCount, err)
	}
	logger.Info().String("msg", "dispatcher started").
		String("dispatcher_id", d.id).
		Int("workers", workerCount).Log()
	return d, nil
}

func (d *Dispatcher[T, R]) awaitSubscribers(ctx context.Context, n int) error {
	target := d.expected.Add(int64(n))
	if d.cfg.StartTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.StartTimeout)
		defer cancel()
	}
	return d.control.WaitJoined(ctx, int(target))
}

func (d *Dispatcher[T, R]) ID() string {
	return d.id
}

// Endpoints returns the addresses a worker must connect to.
func (d *Dispatcher[T, R]) Endpoints() worker.Endpoints {
	return worker.Endpoints{
		Work:    d.queue.Addr(),
		Result:  d.collector.Addrs().Result,
		Control: d.control.Addr(),
	}
}

// AddRemoteWorkers waits until n more workers, typically running in other
// processes, have subscribed to the control channel. Starting them is up to
// the caller; they must be given Endpoints.
func (d *Dispatcher[T, R]) AddRemoteWorkers(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if err := d.err(); err != nil {
		return err
	}
	if err := d.awaitSubscribers(ctx, n); err != nil {
		return fmt.Errorf("waiting for %d remote workers: %w", n, err)
	}
	d.logger.Info().String("msg", "remote workers attached").
		Int("count", n).
		Int("subscribers", d.control.Subscribers()).Log()
	return nil
}

// Batches returns the number of batches completed.
func (d *Dispatcher[T, R]) Batches() uint64 {
	return d.batches.Load()
}

func (d *Dispatcher[T, R]) err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.broken
}

func (d *Dispatcher[T, R]) setErr(err error) {
	d.mu.Lock()
	if d.broken == nil {
		d.broken = err
	}
	d.mu.Unlock()
}

// Submit runs one batch and returns one outcome per payload, in payload
// order. Only one batch runs at a time: a concurrent call fails with
// ErrBatchInProgress and has no effect. A failing job does not fail the
// batch; its outcome carries a *JobError instead. So does a job whose
// payload is too large for one frame, which is never sent.
//
// If the batch is interrupted half way, for example by the deadline of
// ctx, the dispatcher no longer knows what the collector holds and every
// later Submit returns the same error.
func (d *Dispatcher[T, R]) Submit(ctx context.Context, payloads []T) ([]Outcome[R], error) {
	if !d.inFlight.CompareAndSwap(false, true) {
		return nil, ErrBatchInProgress
	}
	defer d.inFlight.Store(false)
	if err := d.err(); err != nil {
		return nil, err
	}

	outcomes := make([]Outcome[R], len(payloads))
	jobs, err := d.encodeJobs(payloads, outcomes)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	results, err := d.run(ctx, jobs, len(payloads))
	if err != nil {
		d.setErr(err)
		d.logger.Err(fmt.Errorf("dispatcher %s batch of %d: %w", d.id, len(jobs), err))
		return nil, err
	}
	decodeOutcomes(outcomes, results)
	seq := d.batches.Add(1)
	d.logger.Info().String("msg", "batch done").
		Int("batch", int(seq)).
		Int("jobs", len(payloads)).
		Int("sent", len(jobs)).
		String("elapsed", time.Since(start).String()).Log()
	return outcomes, nil
}

// encodeJobs builds one job per payload. A job whose frame would exceed
// the frame limit is left out and its outcome is set to a *JobError
// wrapping ErrPayloadTooLarge.
func (d *Dispatcher[T, R]) encodeJobs(payloads []T, outcomes []Outcome[R]) ([]*msg.Job, error) {
	limit := d.cfg.Transport.FrameLimit()
	jobs := make([]*msg.Job, 0, len(payloads))
	for i, p := range payloads {
		b, err := msgpack.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode payload %d: %w", i, err)
		}
		job := &msg.Job{ID: uint64(i), Payload: b}
		frame, err := fabric.Encode(msg.JobMsg, job)
		if err != nil {
			return nil, fmt.Errorf("encode job %d: %w", i, err)
		}
		if int64(len(frame)) > limit {
			outcomes[i].Err = &JobError{
				JobID:   job.ID,
				Message: fmt.Sprintf("payload frame of %d bytes exceeds the limit of %d", len(frame), limit),
				Err:     ErrPayloadTooLarge,
			}
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// run performs the wake handshake, fans the jobs out and takes the bundle.
// Job ids are indexes into a batch of size total.
func (d *Dispatcher[T, R]) run(ctx context.Context, jobs []*msg.Job, total int) ([]msg.Result, error) {
	n := len(jobs)
	f, err := d.wake.Request(ctx, msg.WakeMsg, &msg.Wake{Count: uint64(n)})
	if err != nil {
		return nil, fmt.Errorf("wake collector: %w", err)
	}
	var reply msg.WakeReply
	if err := f.DecodeAs(msg.WakeReplyMsg, &reply); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	if reply.Status != msg.StatusReady {
		return nil, fmt.Errorf("%w: collector replied %q to wake", ErrProtocolViolation, reply.Status)
	}

	for _, job := range jobs {
		if err := d.queue.Send(ctx, job); err != nil {
			return nil, fmt.Errorf("send job %d: %w", job.ID, err)
		}
	}

	results, err := d.receiveBundle(ctx, n)
	if err != nil {
		return nil, err
	}
	sent := make([]bool, total)
	for _, job := range jobs {
		sent[job.ID] = true
	}
	if err := checkBundle(results, sent); err != nil {
		return nil, err
	}
	return results, nil
}

// receiveBundle reassembles the bundle frames of one batch. Every frame is
// acknowledged, even one that does not decode, so the rendezvous stays in
// step.
func (d *Dispatcher[T, R]) receiveBundle(ctx context.Context, n int) ([]msg.Result, error) {
	results := make([]msg.Result, 0, n)
	for {
		f, err := d.bundle.Receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("receive bundle: %w", err)
		}
		var b msg.Bundle
		derr := f.DecodeAs(msg.BundleMsg, &b)
		if err := d.bundle.Reply(ctx, msg.BundleAckMsg, &msg.BundleAck{Received: uint64(len(b.Results))}); err != nil {
			return nil, fmt.Errorf("acknowledge bundle: %w", err)
		}
		if derr != nil {
			return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, derr)
		}
		results = append(results, b.Results...)
		if len(results) > n {
			return nil, fmt.Errorf("%w: bundle has more than %d results", ErrProtocolViolation, n)
		}
		if !b.More {
			return results, nil
		}
	}
}

// checkBundle verifies that results holds exactly one result for every job
// marked in sent, and none for any other.
func checkBundle(results []msg.Result, sent []bool) error {
	want := 0
	for _, s := range sent {
		if s {
			want++
		}
	}
	if len(results) != want {
		return fmt.Errorf("%w: bundle has %d results, want %d", ErrProtocolViolation, len(results), want)
	}
	seen := make([]bool, len(sent))
	for _, r := range results {
		if r.JobID >= uint64(len(sent)) || !sent[r.JobID] {
			return fmt.Errorf("%w: result for unknown job %d", ErrProtocolViolation, r.JobID)
		}
		if seen[r.JobID] {
			return fmt.Errorf("%w: duplicate result for job %d", ErrProtocolViolation, r.JobID)
		}
		seen[r.JobID] = true
	}
	return nil
}

// decodeOutcomes stores every result at the index of its job. The results
// must have passed checkBundle.
func decodeOutcomes[R any](outcomes []Outcome[R], results []msg.Result) {
	for _, r := range results {
		o := &outcomes[r.JobID]
		if r.Failed() {
			o.Err = &JobError{JobID: r.JobID, Message: r.Err, Err: ErrWorkFunctionFailed}
			continue
		}
		if err := msgpack.Unmarshal(r.Value, &o.Value); err != nil {
			o.Err = &JobError{JobID: r.JobID, Message: "decode value: " + err.Error(), Err: err}
		}
	}
}

// Map is Submit for callers that want plain values. When jobs failed it
// returns every value, zero for the failed ones, together with a
// *BatchError.
func (d *Dispatcher[T, R]) Map(ctx context.Context, payloads []T) ([]R, error) {
	outcomes, err := d.Submit(ctx, payloads)
	if err != nil {
		return nil, err
	}
	values := make([]R, len(outcomes))
	var failed []*JobError
	for i, o := range outcomes {
		values[i] = o.Value
		var jerr *JobError
		if errors.As(o.Err, &jerr) {
			failed = append(failed, jerr)
		}
	}
	if len(failed) > 0 {
		return values, &BatchError{Total: len(outcomes), Failed: failed}
	}
	return values, nil
}

// Shutdown broadcasts QUIT to the workers, tells the collector to
// terminate and closes every channel the dispatcher holds. It does not
// wait for the workers to exit; use Wait for that. Calls after the first
// do nothing.
func (d *Dispatcher[T, R]) Shutdown() error {
	var err error
	d.shutdownOnce.Do(func() {
		err = d.shutdown()
	})
	return err
}

func (d *Dispatcher[T, R]) shutdown() error {
	d.setErr(ErrChannelClosed)
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	delivered, err := d.control.Broadcast(ctx, msg.SignalQuit)
	if err != nil {
		errs = append(errs, fmt.Errorf("broadcast QUIT: %w", err))
	}
	d.logger.Info().String("msg", "QUIT broadcast").
		String("dispatcher_id", d.id).
		Int("subscribers", delivered).Log()

	terr := d.terminateCollector(ctx)
	d.close()
	if terr != nil {
		errs = append(errs, fmt.Errorf("terminate collector: %w", terr))
		d.collector.Close()
	}
	return errors.Join(errs...)
}

func (d *Dispatcher[T, R]) terminateCollector(ctx context.Context) error {
	f, err := d.wake.Request(ctx, msg.WakeMsg, &msg.Wake{Terminate: true})
	if err != nil {
		return err
	}
	var reply msg.WakeReply
	if err := f.DecodeAs(msg.WakeReplyMsg, &reply); err != nil {
		return err
	}
	if reply.Status != msg.StatusAck {
		return fmt.Errorf("%w: collector replied %q to terminate", ErrProtocolViolation, reply.Status)
	}
	return nil
}

// close releases the dispatcher's handles. The publisher goes first so
// QUIT is flushed before anything else is torn down.
func (d *Dispatcher[T, R]) close() {
	if d.control != nil {
		d.control.Close()
	}
	if d.queue != nil {
		d.queue.Close()
	}
	if d.wake != nil {
		d.wake.Close()
	}
	if d.bundle != nil {
		d.bundle.Close()
	}
}

// Wait blocks until the local workers and the collector have exited and
// returns the first error one of them reported, for example
// ErrWorkerSetupFailed.
func (d *Dispatcher[T, R]) Wait() error {
	err := d.group.Wait()
	d.stop()
	return err
}
