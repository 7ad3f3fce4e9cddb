package fabric

import (
	"context"
	"sync"

	"github.com/hnakamur/ltsvlog"
	"github.com/hnakamur/mapscale/msg"
)

// ResultSink is the collector side of the result channel: it fans in the
// results pushed by every connected worker.
type ResultSink struct {
	srv     *Server
	logger  *ltsvlog.LTSVLogger
	resultC chan *msg.Result

	closeOnce sync.Once
	closeC    chan struct{}
}

// ListenResults binds the result channel on addr.
func ListenResults(addr string, cfg Config, logger *ltsvlog.LTSVLogger) (*ResultSink, error) {
	s := &ResultSink{
		logger:  logger,
		resultC: make(chan *msg.Result, cfg.withDefaults().SendBufferSize),
		closeC:  make(chan struct{}),
	}
	srv, err := Listen("result", addr, cfg, logger, s.serveConn)
	if err != nil {
		return nil, err
	}
	s.srv = srv
	return s, nil
}

func (s *ResultSink) Addr() string {
	return s.srv.Addr()
}

// Receive returns the next result from any worker.
func (s *ResultSink) Receive(ctx context.Context) (*msg.Result, error) {
	select {
	case r := <-s.resultC:
		return r, nil
	case <-s.closeC:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	}
}

func (s *ResultSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeC)
	})
	return s.srv.Close()
}

func (s *ResultSink) serveConn(c *Conn) {
	go func() {
		for {
			b, err := c.Recv(context.Background())
			if err != nil {
				return
			}
			r := new(msg.Result)
			if err := decodeFrame(b, msg.ResultMsg, r); err != nil {
				s.logger.Err(err)
				c.shutdown()
				return
			}
			select {
			case s.resultC <- r:
			case <-s.closeC:
				return
			}
		}
	}()
}

// ResultPusher is the worker side of the result channel.
type ResultPusher struct {
	conn *Conn
}

// DialResults connects a worker to the result channel at addr.
func DialResults(ctx context.Context, addr, peerID string, cfg Config, logger *ltsvlog.LTSVLogger) (*ResultPusher, error) {
	c, err := Dial(ctx, "result", addr, peerID, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &ResultPusher{conn: c}, nil
}

func (p *ResultPusher) Send(ctx context.Context, r *msg.Result) error {
	b, err := Encode(msg.ResultMsg, r)
	if err != nil {
		return err
	}
	return p.conn.Send(ctx, b)
}

// Close flushes pending results and releases the connection.
func (p *ResultPusher) Close() error {
	return p.conn.Close()
}
