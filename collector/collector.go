// Package collector implements the result collector. It accumulates the
// results of one batch at a time and hands them to the dispatcher as a
// bundle once the announced count has arrived.
package collector

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/hnakamur/ltsvlog"
	"github.com/hnakamur/mapscale/fabric"
	"github.com/hnakamur/mapscale/msg"
)

type State int32

const (
	StateIdle State = iota
	StateAccumulating
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAccumulating:
		return "ACCUMULATING"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Addrs are the addresses the collector binds.
type Addrs struct {
	Result string `yaml:"result"`
	Wake   string `yaml:"wake"`
	Bundle string `yaml:"bundle"`
}

// Collector owns the result side of the work channel and the wake and
// bundle rendezvous endpoints.
type Collector struct {
	logger *ltsvlog.LTSVLogger
	state  atomic.Int32

	// Largest bundle frame the dispatcher accepts.
	frameLimit int64

	results *fabric.ResultSink
	wake    *fabric.PeerListener
	bundle  *fabric.PeerListener

	// Batches completed so far.
	batches atomic.Uint64
}

// New binds the collector's endpoints. Run must be called to serve them.
func New(addrs Addrs, cfg fabric.Config, logger *ltsvlog.LTSVLogger) (*Collector, error) {
	c := &Collector{logger: logger, frameLimit: cfg.FrameLimit()}
	var err error
	if c.results, err = fabric.ListenResults(addrs.Result, cfg, logger); err != nil {
		return nil, err
	}
	if c.wake, err = fabric.ListenPeer("wake", addrs.Wake, cfg, logger); err != nil {
		c.results.Close()
		return nil, err
	}
	if c.bundle, err = fabric.ListenPeer("bundle", addrs.Bundle, cfg, logger); err != nil {
		c.results.Close()
		c.wake.Close()
		return nil, err
	}
	return c, nil
}

// Addrs returns the bound addresses.
func (c *Collector) Addrs() Addrs {
	return Addrs{
		Result: c.results.Addr(),
		Wake:   c.wake.Addr(),
		Bundle: c.bundle.Addr(),
	}
}

func (c *Collector) State() State {
	return State(c.state.Load())
}

// Batches returns the number of bundles delivered and acknowledged.
func (c *Collector) Batches() uint64 {
	return c.batches.Load()
}

// Run waits for the dispatcher to attach to the wake and bundle channels
// and then serves batches until the terminate sentinel arrives, which
// makes it return nil. There is no accumulation deadline: a batch whose
// results never all arrive blocks until ctx is done.
func (c *Collector) Run(ctx context.Context) (err error) {
	defer func() {
		c.state.Store(int32(StateShutdown))
		c.Close()
		if err != nil {
			c.logger.Err(fmt.Errorf("collector: %w", err))
		}
	}()

	wc, err := c.wake.Accept(ctx)
	if err != nil {
		return fmt.Errorf("accept wake peer: %w", err)
	}
	wake := fabric.NewReplier(wc)
	bc, err := c.bundle.Accept(ctx)
	if err != nil {
		return fmt.Errorf("accept bundle peer: %w", err)
	}
	bundle := fabric.NewRequester(bc)

	c.logger.Info().String("msg", "collector ready").
		String("wake_peer", wc.PeerID()).
		String("bundle_peer", bc.PeerID()).Log()

	for {
		n, terminate, err := c.awaitWake(ctx, wake)
		if err != nil {
			return err
		}
		if terminate {
			c.logger.Info().String("msg", "collector terminating").Log()
			return nil
		}
		results, err := c.accumulate(ctx, n)
		if err != nil {
			return err
		}
		if err := c.deliver(ctx, bundle, results); err != nil {
			return err
		}
		c.batches.Add(1)
		c.state.Store(int32(StateIdle))
	}
}

// awaitWake answers one wake request with READY, or ACK for the terminate
// sentinel. A count that cannot be held is answered with REJECTED and the
// collector waits for the next wake.
func (c *Collector) awaitWake(ctx context.Context, wake *fabric.Replier) (n int, terminate bool, err error) {
	for {
		f, err := wake.Receive(ctx)
		if err != nil {
			return 0, false, fmt.Errorf("receive wake: %w", err)
		}
		var w msg.Wake
		if err := f.DecodeAs(msg.WakeMsg, &w); err != nil {
			return 0, false, err
		}
		if w.Terminate {
			if err := wake.Reply(ctx, msg.WakeReplyMsg, &msg.WakeReply{Status: msg.StatusAck}); err != nil {
				// The dispatcher may already be gone; shutdown is best effort.
				c.logger.Info().String("msg", "terminate ack not sent").
					String("err", err.Error()).Log()
			}
			return 0, true, nil
		}
		if w.Count > math.MaxInt {
			c.logger.Info().String("msg", "rejecting batch count").
				String("count", fmt.Sprint(w.Count)).Log()
			if err := wake.Reply(ctx, msg.WakeReplyMsg, &msg.WakeReply{Status: msg.StatusRejected}); err != nil {
				return 0, false, fmt.Errorf("reply wake: %w", err)
			}
			continue
		}
		c.state.Store(int32(StateAccumulating))
		if err := wake.Reply(ctx, msg.WakeReplyMsg, &msg.WakeReply{Status: msg.StatusReady}); err != nil {
			return 0, false, fmt.Errorf("reply wake: %w", err)
		}
		if c.logger.DebugEnabled() {
			c.logger.Debug().String("msg", "batch announced").
				Int("count", int(w.Count)).Log()
		}
		return int(w.Count), false, nil
	}
}

// accumulate receives exactly n results in arrival order.
func (c *Collector) accumulate(ctx context.Context, n int) ([]msg.Result, error) {
	results := make([]msg.Result, 0, min(n, 4096))
	for len(results) < n {
		r, err := c.results.Receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("receive result %d of %d: %w", len(results)+1, n, err)
		}
		results = append(results, *r)
	}
	return results, nil
}

// deliver sends the results in as many bundles as the frame limit needs
// and waits for the dispatcher to acknowledge each of them.
func (c *Collector) deliver(ctx context.Context, bundle *fabric.Requester, results []msg.Result) error {
	chunks := c.split(results)
	for i, chunk := range chunks {
		b := &msg.Bundle{Results: chunk, More: i < len(chunks)-1}
		f, err := bundle.Request(ctx, msg.BundleMsg, b)
		if err != nil {
			return fmt.Errorf("send bundle %d of %d: %w", i+1, len(chunks), err)
		}
		var ack msg.BundleAck
		if err := f.DecodeAs(msg.BundleAckMsg, &ack); err != nil {
			return err
		}
		if ack.Received != uint64(len(chunk)) {
			c.logger.Info().String("msg", "bundle ack count mismatch").
				Int("sent", len(chunk)).
				Int("acked", int(ack.Received)).Log()
		}
	}
	if len(chunks) > 1 && c.logger.DebugEnabled() {
		c.logger.Debug().String("msg", "bundle split").
			Int("results", len(results)).
			Int("frames", len(chunks)).Log()
	}
	return nil
}

// split cuts results into chunks whose bundle frames fit the frame limit.
// It always returns at least one chunk. A result too large for a bundle
// of its own is replaced with an error marker for its job.
func (c *Collector) split(results []msg.Result) [][]msg.Result {
	room := int(c.frameLimit) - msg.BundleOverhead
	var chunks [][]msg.Result
	start, size := 0, 0
	for i := range results {
		n := results[i].MaxEncodedLen()
		if n > room {
			c.logger.Info().String("msg", "result too large for a bundle").
				Int("job_id", int(results[i].JobID)).
				Int("bytes", n).Log()
			results[i] = msg.Result{
				JobID: results[i].JobID,
				Err:   fmt.Sprintf("result of %d bytes exceeds the bundle frame limit of %d", n, c.frameLimit),
			}
			n = results[i].MaxEncodedLen()
		}
		if size+n > room && i > start {
			chunks = append(chunks, results[start:i])
			start, size = i, 0
		}
		size += n
	}
	return append(chunks, results[start:])
}

// Close releases the collector's endpoints. A running Run returns.
func (c *Collector) Close() error {
	c.wake.Close()
	c.bundle.Close()
	return c.results.Close()
}
