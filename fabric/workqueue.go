package fabric

import (
	"context"
	"sync"

	"github.com/hnakamur/ltsvlog"
	"github.com/hnakamur/mapscale/msg"
)

// WorkQueue is the dispatcher side of the work channel. Jobs wait in the
// queue until a worker asks for one, and each job is handed to exactly one
// worker.
type WorkQueue struct {
	srv    *Server
	logger *ltsvlog.LTSVLogger

	// Jobs from Send.
	sendC chan *msg.Job

	// Credits from idle workers.
	creditC chan credit

	// Connections that went away.
	unregisterC chan *Conn

	closeOnce sync.Once
	closeC    chan struct{}
	doneC     chan struct{}
}

type credit struct {
	conn *Conn
	n    int
}

// ListenWorkQueue binds the work channel on addr.
func ListenWorkQueue(addr string, cfg Config, logger *ltsvlog.LTSVLogger) (*WorkQueue, error) {
	q := &WorkQueue{
		logger:      logger,
		sendC:       make(chan *msg.Job),
		creditC:     make(chan credit),
		unregisterC: make(chan *Conn),
		closeC:      make(chan struct{}),
		doneC:       make(chan struct{}),
	}
	srv, err := Listen("work", addr, cfg, logger, q.serveConn)
	if err != nil {
		return nil, err
	}
	q.srv = srv
	go q.run()
	return q, nil
}

func (q *WorkQueue) Addr() string {
	return q.srv.Addr()
}

// Send queues a job. It returns once the queue owns the job, not when a
// worker received it.
func (q *WorkQueue) Send(ctx context.Context, job *msg.Job) error {
	select {
	case q.sendC <- job:
		return nil
	case <-q.doneC:
		return ErrClosed
	case <-ctx.Done():
		return ctxErr(ctx)
	}
}

// Close stops the queue. Jobs not yet handed to a worker are dropped.
func (q *WorkQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closeC)
	})
	<-q.doneC
	return q.srv.Close()
}

func (q *WorkQueue) serveConn(c *Conn) {
	go func() {
		defer func() {
			select {
			case q.unregisterC <- c:
			case <-q.doneC:
			}
		}()
		for {
			b, err := c.Recv(context.Background())
			if err != nil {
				return
			}
			var cr msg.Credit
			if err := decodeFrame(b, msg.CreditMsg, &cr); err != nil {
				q.logger.Err(err)
				c.shutdown()
				return
			}
			select {
			case q.creditC <- credit{conn: c, n: int(cr.N)}:
			case <-q.doneC:
				return
			}
		}
	}()
}

func (q *WorkQueue) run() {
	defer close(q.doneC)

	var pending []*msg.Job
	credits := make(map[*Conn]int)
	// Workers holding credits, in the order they became idle.
	var idle []*Conn

	for {
		for len(pending) > 0 && len(idle) > 0 {
			c := idle[0]
			b, err := Encode(msg.JobMsg, pending[0])
			if err != nil {
				q.logger.Err(err)
				pending = pending[1:]
				continue
			}
			if !c.fits(b) {
				q.logger.Info().String("msg", "dropping oversized job").
					Int("job_id", int(pending[0].ID)).
					Int("bytes", len(b)).Log()
				pending = pending[1:]
				continue
			}
			if !c.trySend(b) {
				// The job stays queued for the next worker.
				delete(credits, c)
				idle = idle[1:]
				c.shutdown()
				continue
			}
			if q.logger.DebugEnabled() {
				q.logger.Debug().String("msg", "job handed out").
					Int("job_id", int(pending[0].ID)).
					String("peer_id", c.PeerID()).Log()
			}
			pending = pending[1:]
			credits[c]--
			if credits[c] <= 0 {
				delete(credits, c)
				idle = idle[1:]
			}
		}

		select {
		case job := <-q.sendC:
			pending = append(pending, job)
		case cr := <-q.creditC:
			if cr.n <= 0 {
				continue
			}
			if _, ok := credits[cr.conn]; !ok {
				idle = append(idle, cr.conn)
			}
			credits[cr.conn] += cr.n
		case c := <-q.unregisterC:
			if _, ok := credits[c]; ok {
				delete(credits, c)
				idle = removeConn(idle, c)
			}
		case <-q.closeC:
			if len(pending) > 0 {
				q.logger.Info().String("msg", "dropping queued jobs").
					Int("count", len(pending)).Log()
			}
			return
		}
	}
}

func removeConn(conns []*Conn, c *Conn) []*Conn {
	for i, x := range conns {
		if x == c {
			return append(conns[:i], conns[i+1:]...)
		}
	}
	return conns
}

// WorkPuller is the worker side of the work channel.
type WorkPuller struct {
	conn   *Conn
	logger *ltsvlog.LTSVLogger
	jobC   chan *msg.Job
}

// DialWorkQueue connects a worker to the work channel at addr.
func DialWorkQueue(ctx context.Context, addr, peerID string, cfg Config, logger *ltsvlog.LTSVLogger) (*WorkPuller, error) {
	c, err := Dial(ctx, "work", addr, peerID, cfg, logger)
	if err != nil {
		return nil, err
	}
	p := &WorkPuller{
		conn:   c,
		logger: logger,
		jobC:   make(chan *msg.Job, 1),
	}
	go p.readLoop()
	return p, nil
}

// Ready tells the queue this worker can take one more job. The job arrives
// on C.
func (p *WorkPuller) Ready(ctx context.Context) error {
	b, err := Encode(msg.CreditMsg, &msg.Credit{N: 1})
	if err != nil {
		return err
	}
	return p.conn.Send(ctx, b)
}

// C delivers jobs. It is closed when the connection is gone.
func (p *WorkPuller) C() <-chan *msg.Job {
	return p.jobC
}

// Receive asks for one job and waits for it.
func (p *WorkPuller) Receive(ctx context.Context) (*msg.Job, error) {
	if err := p.Ready(ctx); err != nil {
		return nil, err
	}
	select {
	case job, ok := <-p.jobC:
		if !ok {
			return nil, ErrClosed
		}
		return job, nil
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	}
}

func (p *WorkPuller) Close() error {
	return p.conn.Close()
}

func (p *WorkPuller) readLoop() {
	defer close(p.jobC)
	for {
		b, err := p.conn.Recv(context.Background())
		if err != nil {
			return
		}
		job := new(msg.Job)
		if err := decodeFrame(b, msg.JobMsg, job); err != nil {
			p.logger.Err(err)
			p.conn.shutdown()
			return
		}
		select {
		case p.jobC <- job:
			continue
		default:
		}
		select {
		case p.jobC <- job:
		case <-p.conn.Done():
			return
		}
	}
}
