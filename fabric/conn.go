package fabric

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hnakamur/ltsvlog"
)

// PeerIDHeaderName is the handshake header carrying the dialer's identity.
const PeerIDHeaderName = "X-Peer-ID"

// Conn is a middleman between one websocket connection and the channel
// endpoint that owns it.
type Conn struct {
	// The websocket connection.
	ws *websocket.Conn

	// Identity the peer announced in the handshake.
	peerID string

	cfg    Config
	logger *ltsvlog.LTSVLogger

	// Buffered channel of outbound frames.
	sendC chan []byte

	// Buffered channel of inbound frames, closed when the read pump stops.
	recvC chan []byte

	closeOnce sync.Once
	closeC    chan struct{}

	readDoneC  chan struct{}
	writeDoneC chan struct{}
}

func newConn(ws *websocket.Conn, peerID string, cfg Config, logger *ltsvlog.LTSVLogger) *Conn {
	c := &Conn{
		ws:         ws,
		peerID:     peerID,
		cfg:        cfg,
		logger:     logger,
		sendC:      make(chan []byte, cfg.SendBufferSize),
		recvC:      make(chan []byte, cfg.SendBufferSize),
		closeC:     make(chan struct{}),
		readDoneC:  make(chan struct{}),
		writeDoneC: make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c
}

func (c *Conn) PeerID() string {
	return c.peerID
}

// Done is closed once the connection starts closing, either because Close
// was called or because the peer went away.
func (c *Conn) Done() <-chan struct{} {
	return c.closeC
}

// Send queues a frame for the peer. Frames queued before Close are still
// written. A frame over the size limit is refused with ErrFrameTooLarge
// and the connection stays usable.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if !c.fits(frame) {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, len(frame), c.cfg.MaxMessageSize)
	}
	select {
	case <-c.closeC:
		return ErrClosed
	default:
	}
	select {
	case c.sendC <- frame:
		return nil
	case <-c.closeC:
		return ErrClosed
	case <-ctx.Done():
		return ctxErr(ctx)
	}
}

func (c *Conn) fits(frame []byte) bool {
	return int64(len(frame)) <= c.cfg.MaxMessageSize
}

// trySend queues a frame without blocking. It reports false when the
// connection is closing or its buffer is full.
func (c *Conn) trySend(frame []byte) bool {
	select {
	case <-c.closeC:
		return false
	default:
	}
	select {
	case c.sendC <- frame:
		return true
	default:
		return false
	}
}

// Recv returns the next frame from the peer.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-c.recvC:
		if !ok {
			return nil, ErrClosed
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	}
}

// Close flushes queued frames, sends a close frame and waits until the
// connection is released. It is safe to call more than once.
func (c *Conn) Close() error {
	c.shutdown()
	<-c.writeDoneC
	return nil
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closeC)
	})
}

// readPump pumps frames from the websocket connection to recvC.
func (c *Conn) readPump() {
	defer func() {
		close(c.recvC)
		close(c.readDoneC)
		c.shutdown()
	}()
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait)) })
	for {
		wsMsgType, b, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info().String("msg", "read error").
					String("peer_id", c.peerID).
					String("err", err.Error()).Log()
			}
			return
		}
		if wsMsgType != websocket.BinaryMessage {
			c.logger.Info().String("msg", "unexpected wsMsgType").
				String("peer_id", c.peerID).
				Int("wsMsgType", wsMsgType).Log()
			return
		}
		select {
		case c.recvC <- b:
		case <-c.closeC:
			// keep reading until the peer answers our close frame
		}
		// The pump may have been blocked on a slow consumer.
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	}
}

// write writes a message with the given message type and payload.
func (c *Conn) write(mt int, payload []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.ws.WriteMessage(mt, payload)
}

// writePump pumps frames from sendC to the websocket connection.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(c.writeDoneC)
	}()
	for {
		select {
		case b := <-c.sendC:
			if err := c.write(websocket.BinaryMessage, b); err != nil {
				c.logger.Info().String("msg", "write error").
					String("peer_id", c.peerID).
					String("err", err.Error()).Log()
				c.shutdown()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.closeC:
			c.flush()
			return
		}
	}
}

// flush writes what is still queued, then closes the connection cleanly:
// send a close frame and wait for the peer to answer it.
func (c *Conn) flush() {
	for {
		select {
		case b := <-c.sendC:
			if err := c.write(websocket.BinaryMessage, b); err != nil {
				return
			}
		default:
			err := c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				return
			}
			select {
			case <-c.readDoneC:
			case <-time.After(c.cfg.CloseGrace):
			}
			return
		}
	}
}
