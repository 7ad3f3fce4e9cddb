package fabric

import (
	"context"
	"fmt"
	"sync"

	"github.com/hnakamur/ltsvlog"
	"github.com/hnakamur/mapscale/msg"
)

// PeerListener binds a rendezvous endpoint that accepts a single peer.
// Further peers are refused while one is attached.
type PeerListener struct {
	srv   *Server
	peerC chan *Conn

	mu       sync.Mutex
	attached bool

	closeOnce sync.Once
	closeC    chan struct{}
}

// ListenPeer binds the rendezvous endpoint called name on addr.
func ListenPeer(name, addr string, cfg Config, logger *ltsvlog.LTSVLogger) (*PeerListener, error) {
	l := &PeerListener{
		peerC:  make(chan *Conn, 1),
		closeC: make(chan struct{}),
	}
	srv, err := listen(name, addr, cfg, logger, l.admit, l.serveConn)
	if err != nil {
		return nil, err
	}
	l.srv = srv
	return l, nil
}

func (l *PeerListener) Addr() string {
	return l.srv.Addr()
}

func (l *PeerListener) admit(string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.attached {
		return false
	}
	l.attached = true
	return true
}

func (l *PeerListener) serveConn(c *Conn) {
	l.peerC <- c
}

// Accept waits for the peer to connect.
func (l *PeerListener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-l.peerC:
		return c, nil
	case <-l.closeC:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	}
}

// Close stops listening and closes the attached peer, if any.
func (l *PeerListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeC)
	})
	return l.srv.Close()
}

// Requester is the requesting side of a rendezvous: it sends a request and
// blocks until the reply arrives. Only one request may be outstanding.
type Requester struct {
	conn *Conn
	mu   sync.Mutex

	// Set once a reply was lost; the exchange cannot be trusted after that.
	err error
}

func NewRequester(c *Conn) *Requester {
	return &Requester{conn: c}
}

// Request sends v as a frame of type t and returns the reply frame.
func (r *Requester) Request(ctx context.Context, t msg.MessageType, v interface{}) (Frame, error) {
	if !r.mu.TryLock() {
		return Frame{}, ErrRequestOutstanding
	}
	defer r.mu.Unlock()
	if r.err != nil {
		return Frame{}, r.err
	}

	b, err := Encode(t, v)
	if err != nil {
		return Frame{}, err
	}
	if err := r.conn.Send(ctx, b); err != nil {
		return Frame{}, err
	}
	raw, err := r.conn.Recv(ctx)
	if err != nil {
		r.err = fmt.Errorf("rendezvous out of sync: %w", err)
		return Frame{}, err
	}
	return ParseFrame(raw)
}

func (r *Requester) Close() error {
	return r.conn.Close()
}

const (
	replierIdle = iota
	replierReceiving
	replierPending
)

// Replier is the answering side of a rendezvous. Receive and Reply must
// alternate.
type Replier struct {
	conn  *Conn
	mu    sync.Mutex
	state int
}

func NewReplier(c *Conn) *Replier {
	return &Replier{conn: c}
}

// Receive waits for the next request.
func (r *Replier) Receive(ctx context.Context) (Frame, error) {
	r.mu.Lock()
	if r.state != replierIdle {
		r.mu.Unlock()
		return Frame{}, ErrReplyState
	}
	r.state = replierReceiving
	r.mu.Unlock()

	raw, err := r.conn.Recv(ctx)
	if err == nil {
		var f Frame
		if f, err = ParseFrame(raw); err == nil {
			r.mu.Lock()
			r.state = replierPending
			r.mu.Unlock()
			return f, nil
		}
	}
	r.mu.Lock()
	r.state = replierIdle
	r.mu.Unlock()
	return Frame{}, err
}

// Reply answers the request returned by the last Receive.
func (r *Replier) Reply(ctx context.Context, t msg.MessageType, v interface{}) error {
	r.mu.Lock()
	if r.state != replierPending {
		r.mu.Unlock()
		return ErrReplyState
	}
	r.state = replierIdle
	r.mu.Unlock()

	b, err := Encode(t, v)
	if err != nil {
		return err
	}
	return r.conn.Send(ctx, b)
}

func (r *Replier) Close() error {
	return r.conn.Close()
}
