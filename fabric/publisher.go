package fabric

import (
	"context"
	"sync"

	"github.com/hnakamur/ltsvlog"
	"github.com/hnakamur/mapscale/msg"
)

// Publisher maintains the set of subscribed workers and broadcasts control
// signals to them.
type Publisher struct {
	srv    *Server
	logger *ltsvlog.LTSVLogger

	mu sync.Mutex

	// Live subscriptions.
	subs map[*Conn]struct{}

	// Subscriptions ever accepted, including ones that went away.
	joined int

	// Closed and replaced whenever subs or joined change.
	changedC chan struct{}

	closed bool
}

// ListenPublisher binds the control channel on addr.
func ListenPublisher(addr string, cfg Config, logger *ltsvlog.LTSVLogger) (*Publisher, error) {
	p := &Publisher{
		logger:   logger,
		subs:     make(map[*Conn]struct{}),
		changedC: make(chan struct{}),
	}
	srv, err := Listen("control", addr, cfg, logger, p.serveConn)
	if err != nil {
		return nil, err
	}
	p.srv = srv
	return p, nil
}

func (p *Publisher) Addr() string {
	return p.srv.Addr()
}

func (p *Publisher) serveConn(c *Conn) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		// A subscriber arriving after shutdown would never see QUIT.
		go c.Close()
		return
	}
	p.subs[c] = struct{}{}
	p.joined++
	p.notifyLocked()
	p.mu.Unlock()

	p.logger.Info().String("msg", "subscriber joined").
		String("peer_id", c.PeerID()).Log()

	go func() {
		<-c.Done()
		p.mu.Lock()
		delete(p.subs, c)
		p.notifyLocked()
		p.mu.Unlock()
		if p.logger.DebugEnabled() {
			p.logger.Debug().String("msg", "subscriber left").
				String("peer_id", c.PeerID()).Log()
		}
	}()
}

func (p *Publisher) notifyLocked() {
	close(p.changedC)
	p.changedC = make(chan struct{})
}

// Broadcast sends sig to every current subscriber and reports how many
// subscribers it was queued for.
func (p *Publisher) Broadcast(ctx context.Context, sig msg.Signal) (int, error) {
	b, err := Encode(msg.ControlMsg, &msg.Control{Signal: sig})
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	subs := make([]*Conn, 0, len(p.subs))
	for c := range p.subs {
		subs = append(subs, c)
	}
	p.mu.Unlock()

	delivered := 0
	for _, c := range subs {
		err := c.Send(ctx, b)
		switch {
		case err == nil:
			delivered++
		case ctx.Err() != nil:
			return delivered, err
		}
	}
	return delivered, nil
}

// Subscribers returns the number of live subscriptions.
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Joined returns the number of subscriptions accepted so far.
func (p *Publisher) Joined() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joined
}

// WaitJoined blocks until at least n subscriptions have been accepted.
func (p *Publisher) WaitJoined(ctx context.Context, n int) error {
	for {
		p.mu.Lock()
		if p.joined >= n {
			p.mu.Unlock()
			return nil
		}
		if p.closed {
			p.mu.Unlock()
			return ErrClosed
		}
		changedC := p.changedC
		p.mu.Unlock()

		select {
		case <-changedC:
		case <-ctx.Done():
			return ctxErr(ctx)
		}
	}
}

// Close refuses new subscribers and closes current ones after flushing
// signals already broadcast.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		p.notifyLocked()
	}
	p.mu.Unlock()
	return p.srv.Close()
}

// Subscriber is the worker side of the control channel.
type Subscriber struct {
	conn   *Conn
	logger *ltsvlog.LTSVLogger
	sigC   chan msg.Signal
}

// DialPublisher subscribes to the control channel at addr.
func DialPublisher(ctx context.Context, addr, peerID string, cfg Config, logger *ltsvlog.LTSVLogger) (*Subscriber, error) {
	c, err := Dial(ctx, "control", addr, peerID, cfg, logger)
	if err != nil {
		return nil, err
	}
	s := &Subscriber{
		conn:   c,
		logger: logger,
		sigC:   make(chan msg.Signal, 1),
	}
	go s.readLoop()
	return s, nil
}

// C delivers signals. It is closed when the connection is gone.
func (s *Subscriber) C() <-chan msg.Signal {
	return s.sigC
}

func (s *Subscriber) Close() error {
	return s.conn.Close()
}

func (s *Subscriber) readLoop() {
	defer close(s.sigC)
	for {
		b, err := s.conn.Recv(context.Background())
		if err != nil {
			return
		}
		var ctl msg.Control
		if err := decodeFrame(b, msg.ControlMsg, &ctl); err != nil {
			s.logger.Err(err)
			s.conn.shutdown()
			return
		}
		// Deliver a signal that raced the connection teardown.
		select {
		case s.sigC <- ctl.Signal:
			continue
		default:
		}
		select {
		case s.sigC <- ctl.Signal:
		case <-s.conn.Done():
			return
		}
	}
}
