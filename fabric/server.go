package fabric

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/hnakamur/ltsvlog"
	"golang.org/x/net/netutil"
)

// Handler is called for every accepted connection. It must not block.
type Handler func(c *Conn)

// Server accepts websocket connections for one channel endpoint.
type Server struct {
	name     string
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	cfg      Config
	logger   *ltsvlog.LTSVLogger

	// admit decides whether a peer may connect. nil admits everyone.
	admit   func(peerID string) bool
	handler Handler

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

// Listen binds a channel endpoint on addr. An addr with port 0 picks a
// free port; Addr reports the bound address.
func Listen(name, addr string, cfg Config, logger *ltsvlog.LTSVLogger, handler Handler) (*Server, error) {
	return listen(name, addr, cfg, logger, nil, handler)
}

func listen(name, addr string, cfg Config, logger *ltsvlog.LTSVLogger, admit func(string) bool, handler Handler) (*Server, error) {
	cfg = cfg.withDefaults()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s channel on %s: %w", name, addr, err)
	}
	s := &Server{
		name: name,
		ln:   ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			// Peers are workers and collectors, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		cfg:     cfg,
		logger:  logger,
		admit:   admit,
		handler: handler,
		conns:   make(map[*Conn]struct{}),
	}
	if cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConns)
	}
	s.srv = &http.Server{Handler: http.HandlerFunc(s.serveWS)}
	go func() {
		err := s.srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Err(fmt.Errorf("serve %s channel: %w", name, err))
		}
	}()
	logger.Info().String("msg", "channel listening").
		String("channel", name).
		String("address", s.Addr()).Log()
	return s, nil
}

// Addr returns the bound address in host:port form.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// serveWS handles websocket requests from the peer.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	peerID := r.Header.Get(PeerIDHeaderName)
	if peerID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if s.admit != nil && !s.admit(peerID) {
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Err(fmt.Errorf("upgrade %s channel connection: %w", s.name, err))
		return
	}
	c := newConn(ws, peerID, s.cfg, s.logger)
	if !s.track(c) {
		c.Close()
		return
	}
	if s.logger.DebugEnabled() {
		s.logger.Debug().String("msg", "peer connected").
			String("channel", s.name).
			String("peer_id", peerID).Log()
	}
	go func() {
		<-c.Done()
		s.untrack(c)
	}()
	s.handler(c)
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close stops accepting peers and closes every connection, flushing
// frames already queued on them.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	err := s.srv.Close()
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
	return err
}

// Dial connects to the channel endpoint at addr, identifying as peerID.
func Dial(ctx context.Context, name, addr, peerID string, cfg Config, logger *ltsvlog.LTSVLogger) (*Conn, error) {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	u := url.URL{Scheme: "ws", Host: addr, Path: "/"}
	header := http.Header{PeerIDHeaderName: []string{peerID}}
	dialer := websocket.Dialer{
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		HandshakeTimeout: cfg.DialTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, fmt.Errorf("dial %s channel at %s: %w", name, addr, ErrPeerAttached)
		}
		return nil, fmt.Errorf("dial %s channel at %s: %w", name, addr, err)
	}
	if logger.DebugEnabled() {
		logger.Debug().String("msg", "connected to channel").
			String("channel", name).
			String("address", u.String()).
			String("peer_id", peerID).Log()
	}
	return newConn(ws, peerID, cfg, logger), nil
}
