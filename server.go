package trickle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrServerClosed is returned by Serve when the listener was closed
	// without the context being cancelled.
	ErrServerClosed = errors.New("server closed")
	// ErrNilPlan is returned by NewServer when there is no plan to serve.
	ErrNilPlan = errors.New("plan is nil")
)

// DefaultAddr is the bind address used when Options.Addr is empty.
const DefaultAddr = "127.0.0.1:0"

// Options configures a Server. The zero value serves on a random loopback
// port with DefaultWorkers workers and no bandwidth caps.
type Options struct {
	// Addr is the TCP address to bind, host:port.
	Addr string

	// Workers is the number of connections served at the same time.
	Workers int

	// TotalRate caps the bytes per second sent to all clients combined, 0 is unlimited.
	TotalRate int

	// ConnRate caps the bytes per second sent to a single client, 0 is unlimited.
	ConnRate int

	// WriteTimeout bounds every socket write, 0 disables it.
	WriteTimeout time.Duration

	Logger  zerolog.Logger
	Metrics *Metrics
}

// Server accepts TCP connections and streams the current Plan to each of them.
type Server struct {
	opts   Options
	log    zerolog.Logger
	sender *Sender

	plan atomic.Pointer[Plan]
	seq  atomic.Uint64

	mu sync.Mutex
	ln *Listener
}

// NewServer returns a Server for plan.
func NewServer(plan *Plan, opts Options) (*Server, error) {
	if plan == nil {
		return nil, ErrNilPlan
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.Workers < 1 {
		opts.Workers = DefaultWorkers
	}
	s := &Server{
		opts:   opts,
		log:    opts.Logger.With().Str("component", "server").Logger(),
		sender: &Sender{Metrics: opts.Metrics},
	}
	s.plan.Store(plan)
	return s, nil
}

// Plan returns the plan handed to new connections.
func (s *Server) Plan() *Plan {
	return s.plan.Load()
}

// SetPlan replaces the plan for connections accepted from now on.
// Connections already being served keep the plan they started with.
func (s *Server) SetPlan(p *Plan) {
	if p != nil {
		s.plan.Store(p)
	}
}

// SetLimits changes the bandwidth caps, live connections included.
func (s *Server) SetLimits(total, perConn int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		if err := s.ln.SetLimits(total, perConn); err != nil {
			return err
		}
	}
	s.opts.TotalRate = total
	s.opts.ConnRate = perConn
	return nil
}

// Connections returns how many connections have been accepted so far.
func (s *Server) Connections() uint64 {
	return s.seq.Load()
}

// Addr returns the bound address, or nil before Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Listen binds the configured address. A bind failure is fatal for the caller.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", s.opts.Addr, err)
	}
	return ln, nil
}

// ListenAndServe binds the configured address and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled and hands each one to a worker.
// On return the listener is closed, every connection is closed and all workers have exited.
// Serve returns nil when ctx was cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	lln, err := NewListener(ln, s.opts.TotalRate, s.opts.ConnRate)
	if err != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return err
	}
	s.ln = lln
	s.mu.Unlock()

	pool := NewPool(s.opts.Workers, s.opts.Logger, s.opts.Metrics)
	sendCtx, cancelSends := context.WithCancel(ctx)
	defer cancelSends()

	s.log.Info().
		Str("addr", lln.Addr().String()).
		Int("workers", s.opts.Workers).
		Msg("server is ready")

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-egCtx.Done()
		return lln.Close()
	})
	eg.Go(func() error {
		return s.acceptLoop(egCtx, sendCtx, lln, pool)
	})
	err = eg.Wait()

	cancelSends()
	lln.CloseConns()
	pool.Close()

	st := pool.Stats()
	s.log.Info().
		Uint64("connections", s.seq.Load()).
		Uint64("completed", st.Completed).
		Uint64("panicked", st.Panicked).
		Msg("server stopped")

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx, sendCtx context.Context, ln *Listener, pool *Pool) error {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			s.log.Warn().Err(err).Dur("retry_in", backoff).Msg("accept failed")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ErrServerClosed
			}
			continue
		}
		backoff = 0
		s.dispatch(sendCtx, conn.(*Conn), pool)
	}
}

// dispatch numbers the connection and queues its send loop on the pool.
func (s *Server) dispatch(ctx context.Context, conn *Conn, pool *Pool) {
	id := s.seq.Add(1)
	s.opts.Metrics.connAccepted()
	conn.SetWriteTimeout(s.opts.WriteTimeout)

	plan := s.plan.Load()
	log := s.opts.Logger.With().
		Uint64("conn", id).
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	log.Info().Msg("client connected")

	err := pool.Submit(func() {
		defer conn.Close()
		if ctx.Err() != nil {
			log.Debug().Msg("server stopping, dropping queued client")
			return
		}
		s.serveConn(log.WithContext(ctx), log, conn, plan)
	})
	if err != nil {
		log.Error().Err(err).Msg("cannot queue client")
		_ = conn.Close()
		return
	}
	if st := pool.Stats(); st.Queued > 0 {
		log.Info().Int("queued", st.Queued).Msg("all workers busy, client is waiting")
	}
}

func (s *Server) serveConn(ctx context.Context, log zerolog.Logger, conn *Conn, plan *Plan) {
	s.opts.Metrics.connStarted()
	res, err := s.sender.Send(ctx, conn, plan)
	cancelled := err != nil && ctx.Err() != nil
	s.opts.Metrics.connFinished(err != nil && !cancelled)

	var ev *zerolog.Event
	switch {
	case cancelled:
		ev = log.Info().Str("reason", "shutdown")
	case err != nil:
		ev = log.Warn().Err(err)
	default:
		ev = log.Info()
	}
	ev.Int("passes", res.Passes).
		Int("chunks", res.Chunks).
		Int64("bytes", res.BytesSent).
		Int("write_errors", res.WriteErrors).
		Dur("elapsed", res.Elapsed).
		Dur("gap_p50", res.GapP50).
		Dur("gap_p99", res.GapP99).
		Dur("gap_max", res.GapMax).
		Msg("data transmission to client finished")
}
