package trickle

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var _ net.Conn = (*Conn)(nil)

// Conn is a net.Conn that obeys quota limits set by Listener.
type Conn struct {
	net.Conn
	alloc *Allocator
	ctx   context.Context

	// writeTimeout bounds every underlying Write, 0 disables it.
	writeTimeout atomic.Int64

	written   atomic.Int64
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// NewConn wraps conn so that reads and writes draw quota from alloc.
// Waits for quota give up once ctx is done.
func NewConn(ctx context.Context, conn net.Conn, alloc *Allocator) *Conn {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Conn{
		Conn:  conn,
		alloc: alloc,
		ctx:   ctx,
		done:  make(chan struct{}),
	}
}

// Read reads data from the connection.
// Read can be made to time out and return an error after a fixed
// time limit; see SetDeadline and SetReadDeadline.
// Read will obey quota rules set by Listener
func (c *Conn) Read(b []byte) (n int, err error) {
	quota, err := c.alloc.Alloc(c.ctx, len(b))
	if err != nil {
		return 0, err
	}
	return c.Conn.Read(b[:quota])
}

// Write writes data to the connection.
// Write can be made to time out and return an error after a fixed
// time limit; see SetDeadline, SetWriteDeadline and SetWriteTimeout.
// Write will obey quota rules set by Listener and may issue several
// writes on the underlying connection to do so.
func (c *Conn) Write(b []byte) (n int, err error) {
	written := 0
	for written < len(b) {
		quota, err := c.alloc.Alloc(c.ctx, len(b)-written)
		if err != nil {
			return written, err
		}
		if d := time.Duration(c.writeTimeout.Load()); d > 0 {
			if err := c.Conn.SetWriteDeadline(time.Now().Add(d)); err != nil {
				return written, err
			}
		}
		n, err := c.Conn.Write(b[written : written+quota])
		written += n
		c.written.Add(int64(n))
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// SetWriteTimeout makes every following Write fail with os.ErrDeadlineExceeded
// when the peer does not drain the socket within d.
func (c *Conn) SetWriteTimeout(d time.Duration) {
	c.writeTimeout.Store(int64(d))
}

// Written returns the number of bytes handed to the underlying connection so far.
func (c *Conn) Written() int64 {
	return c.written.Load()
}

// Limit returns the bandwidth limit of this connection in bytes per second.
func (c *Conn) Limit() int {
	return c.alloc.Limit()
}

// SetLimit changes the bandwidth limit of this connection.
func (c *Conn) SetLimit(limit int) error {
	return c.alloc.SetLimit(limit)
}

// Close closes the underlying connection, only the first call has an effect.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
		close(c.done)
	})
	return c.closeErr
}

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
