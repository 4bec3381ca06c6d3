package trickle

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var _ net.Listener = (*Listener)(nil)

// Listener is a net.Listener that allows to control the bandwidth of the net.Conn connections and the limiter itself.
type Listener struct {
	mu sync.Mutex
	net.Listener

	// limiter is the global limiter that is the upper bound of all net.Conn connections combined
	// all connections combined cannot exceed limits enforced by this limiter.
	limiter *rate.Limiter

	// conns is the list of currently "active" Conn connections.
	// conns are created when a new connection is accepted
	conns []*Conn

	// localLimit is the limit of the bandwidth allowed for a single net.Conn connection per second
	localLimit int

	// globalLimit is the limit of the bandwidth allowed for all net.Conn connections combined per second
	// cannot be lower than localLimit
	globalLimit int

	gcInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// Listen returns a Listener that will be bound to addr with the specified limits.
// Limits are in bytes per second, 0 means unlimited.
func Listen(network, addr string, limitTotal, limitConn int) (*Listener, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	l, err := NewListener(ln, limitTotal, limitConn)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return l, nil
}

// NewListener wraps an already bound listener.
func NewListener(ln net.Listener, limitTotal, limitConn int) (*Listener, error) {
	if limitTotal > 0 && (limitConn <= 0 || limitConn > limitTotal) {
		limitConn = limitTotal
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		Listener:    ln,
		limiter:     NewLimiter(limitTotal),
		localLimit:  limitConn,
		globalLimit: limitTotal,
		gcInterval:  time.Second,
		ctx:         ctx,
		cancel:      cancel,
	}

	go l.gc()
	return l, nil
}

// Accept waits for and returns the next connection to the listener.
func (l *Listener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	alloc := NewAllocator(l.limiter, l.localLimit)
	newConn := NewConn(l.ctx, conn, alloc)
	l.conns = append(l.conns, newConn)
	l.mu.Unlock()

	return newConn, nil
}

// Close stops accepting, aborts pending quota waits and stops the gc loop.
// Connections already handed out stay open; see CloseConns.
func (l *Listener) Close() error {
	l.cancel()
	return l.Listener.Close()
}

// SetGlobalLimit sets the limit of the bandwidth of all net.Conn connections currently active combined.
func (l *Listener) SetGlobalLimit(limit int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 {
		l.limiter.SetLimit(rate.Inf)
		l.limiter.SetBurst(0)
		l.globalLimit = 0
		return nil
	}
	if l.localLimit > limit {
		return ErrLimitGreaterThanTotal
	}
	l.limiter.SetLimit(rate.Limit(limit))
	l.limiter.SetBurst(limit)
	l.globalLimit = limit
	return nil
}

// SetLocalLimit sets the limit of the bandwidth of all net.Conn active and future connections accepted by the listener.
func (l *Listener) SetLocalLimit(newLocalLimit int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.globalLimit > 0 && newLocalLimit > l.globalLimit {
		return ErrLimitGreaterThanTotal
	}

	eg := errgroup.Group{}
	if len(l.conns) > 0 {
		eg.SetLimit(len(l.conns))
	}
	for _, conn := range l.conns {
		conn := conn
		eg.Go(func() error {
			return conn.SetLimit(newLocalLimit)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	l.localLimit = newLocalLimit
	return nil
}

// SetLimits updates both limits in an order that never violates localLimit <= globalLimit.
func (l *Listener) SetLimits(limitTotal, limitConn int) error {
	if limitTotal > 0 && (limitConn <= 0 || limitConn > limitTotal) {
		limitConn = limitTotal
	}
	if cur := l.GlobalLimit(); cur > 0 && (limitConn <= 0 || limitConn > cur) {
		if err := l.SetGlobalLimit(limitTotal); err != nil {
			return err
		}
		return l.SetLocalLimit(limitConn)
	}
	if err := l.SetLocalLimit(limitConn); err != nil {
		return err
	}
	return l.SetGlobalLimit(limitTotal)
}

// GlobalLimit returns the combined bandwidth limit, 0 meaning unlimited.
func (l *Listener) GlobalLimit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.globalLimit
}

// LocalLimit returns the per connection bandwidth limit, 0 meaning unlimited.
func (l *Listener) LocalLimit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.localLimit
}

// Conns returns the connections that have not been closed yet.
func (l *Listener) Conns() []*Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Conn, 0, len(l.conns))
	for _, c := range l.conns {
		select {
		case <-c.Done():
		default:
			out = append(out, c)
		}
	}
	return out
}

// CloseConns closes every connection handed out by Accept.
func (l *Listener) CloseConns() {
	for _, c := range l.Conns() {
		_ = c.Close()
	}
}

func (l *Listener) gc() {
	t := time.NewTicker(l.gcInterval)
	defer t.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-t.C:
		}
		l.mu.Lock()
		live := l.conns[:0]
		for _, conn := range l.conns {
			select {
			case <-conn.Done():
			default:
				live = append(live, conn)
			}
		}
		for i := len(live); i < len(l.conns); i++ {
			l.conns[i] = nil
		}
		l.conns = live
		l.mu.Unlock()
	}
}
