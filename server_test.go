package trickle_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charconstpointer/trickle"
)

type testServer struct {
	*trickle.Server
	addr string
	stop func() error
}

func startServer(t *testing.T, plan *trickle.Plan, opts trickle.Options) *testServer {
	t.Helper()
	opts.Logger = zerolog.Nop()
	srv, err := trickle.NewServer(plan, opts)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	var once sync.Once
	var stopErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case stopErr = <-done:
			case <-time.After(5 * time.Second):
				t.Error("server did not stop")
			}
		})
		return stopErr
	}
	t.Cleanup(func() { _ = stop() })
	return &testServer{Server: srv, addr: ln.Addr().String(), stop: stop}
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readAll(t *testing.T, c net.Conn) []byte {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	b, err := io.ReadAll(c)
	require.NoError(t, err)
	return b
}

func TestServerStreamsPayload(t *testing.T) {
	plan, err := trickle.NewPlan(payload(1033), 500, 0, false, 0)
	require.NoError(t, err)
	srv := startServer(t, plan, trickle.Options{})

	got := readAll(t, dial(t, srv.addr))
	assert.Equal(t, plan.Payload(), got)
}

func TestServerMaxBytes(t *testing.T) {
	plan, err := trickle.NewPlan(payload(1033), 100, 0, false, 333)
	require.NoError(t, err)
	srv := startServer(t, plan, trickle.Options{})

	got := readAll(t, dial(t, srv.addr))
	assert.Equal(t, plan.Payload()[:333], got)
}

func TestServerRepeat(t *testing.T) {
	data := payload(257)
	plan, err := trickle.NewPlan(data, 64, 0, true, 0)
	require.NoError(t, err)
	srv := startServer(t, plan, trickle.Options{})

	c := dial(t, srv.addr)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	got := make([]byte, 4*len(data))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		assert.Equal(t, data, got[i*len(data):(i+1)*len(data)], "pass %d", i)
	}
}

func TestServerPacing(t *testing.T) {
	interval := 100 * time.Millisecond
	plan, err := trickle.NewPlan(payload(1033), 500, interval, false, 0)
	require.NoError(t, err)
	srv := startServer(t, plan, trickle.Options{})

	c := dial(t, srv.addr)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))

	// arrival time of the first byte of every chunk
	var arrivals []time.Time
	var total int
	buf := make([]byte, 2048)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			for boundary := len(arrivals) * 500; total+n > boundary && boundary < 1033; boundary += 500 {
				arrivals = append(arrivals, time.Now())
			}
			total += n
		}
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}

	assert.Equal(t, 1033, total)
	require.Len(t, arrivals, 3)
	slack := 10 * time.Millisecond
	for i := 1; i < len(arrivals); i++ {
		assert.GreaterOrEqual(t, arrivals[i].Sub(arrivals[i-1]), interval-slack, "gap before chunk %d", i)
	}
	assert.GreaterOrEqual(t, arrivals[2].Sub(arrivals[0]), plan.PassDuration()-slack)
}

func TestServerConcurrentClients(t *testing.T) {
	plan, err := trickle.NewPlan(payload(4096), 512, 5*time.Millisecond, false, 0)
	require.NoError(t, err)
	srv := startServer(t, plan, trickle.Options{Workers: 4})

	var wg sync.WaitGroup
	results := make([][]byte, 3)
	for i := range results {
		c := dial(t, srv.addr)
		wg.Add(1)
		go func(i int, c net.Conn) {
			defer wg.Done()
			_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
			results[i], _ = io.ReadAll(c)
		}(i, c)
	}
	wg.Wait()

	for i, got := range results {
		assert.True(t, bytes.Equal(plan.Payload(), got), "client %d got %d bytes", i, len(got))
	}
	assert.Equal(t, uint64(3), srv.Connections())
}

func TestServerQueuesFifthClient(t *testing.T) {
	interval := 150 * time.Millisecond
	plan, err := trickle.NewPlan(payload(300), 100, interval, false, 0)
	require.NoError(t, err)
	srv := startServer(t, plan, trickle.Options{Workers: 4})

	firstByte := func(c net.Conn) {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, err := io.ReadFull(c, make([]byte, 1))
		require.NoError(t, err)
	}

	for i := 0; i < 4; i++ {
		firstByte(dial(t, srv.addr))
	}

	start := time.Now()
	fifth := dial(t, srv.addr)
	firstByte(fifth)
	waited := time.Since(start)

	// the busy workers need two pauses to finish their pass
	assert.GreaterOrEqual(t, waited, interval)
	assert.Less(t, waited, 2*time.Second)
	assert.Equal(t, uint64(5), srv.Connections())
}

func TestServerShutdown(t *testing.T) {
	plan, err := trickle.NewPlan(payload(64), 8, 50*time.Millisecond, true, 0)
	require.NoError(t, err)
	srv := startServer(t, plan, trickle.Options{})

	c := dial(t, srv.addr)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(c, make([]byte, 8))
	require.NoError(t, err)

	start := time.Now()
	assert.NoError(t, srv.stop())
	assert.Less(t, time.Since(start), time.Second)

	// the server closed the connection; whatever was in flight is followed by EOF
	_, err = io.ReadAll(c)
	assert.NoError(t, err)
}

func TestServerSetPlan(t *testing.T) {
	first, err := trickle.NewPlan([]byte("first payload"), 4, 0, false, 0)
	require.NoError(t, err)
	second, err := trickle.NewPlan([]byte("second payload"), 4, 0, false, 0)
	require.NoError(t, err)
	srv := startServer(t, first, trickle.Options{})

	assert.Equal(t, []byte("first payload"), readAll(t, dial(t, srv.addr)))
	srv.SetPlan(second)
	assert.Same(t, second, srv.Plan())
	assert.Equal(t, []byte("second payload"), readAll(t, dial(t, srv.addr)))
}

// flakyListener fails the first Accept with a temporary error.
type flakyListener struct {
	net.Listener
	failed atomic.Bool
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failed.CompareAndSwap(false, true) {
		return nil, &net.OpError{Op: "accept", Net: "tcp", Err: syscall.EMFILE}
	}
	return l.Listener.Accept()
}

func TestServerSurvivesAcceptError(t *testing.T) {
	plan, err := trickle.NewPlan(payload(1033), 500, 0, false, 0)
	require.NoError(t, err)
	srv, err := trickle.NewServer(plan, trickle.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)

	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := &flakyListener{Listener: inner}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	got := readAll(t, dial(t, inner.Addr().String()))
	assert.True(t, ln.failed.Load())
	assert.Equal(t, plan.Payload(), got)
	assert.Equal(t, uint64(1), srv.Connections())

	select {
	case err := <-done:
		t.Fatalf("Serve returned after a temporary accept error: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestNewServerNilPlan(t *testing.T) {
	_, err := trickle.NewServer(nil, trickle.Options{})
	assert.True(t, errors.Is(err, trickle.ErrNilPlan))
}

func TestServerBindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	plan, err := trickle.NewPlan([]byte("x"), 1, 0, false, 0)
	require.NoError(t, err)
	srv, err := trickle.NewServer(plan, trickle.Options{Addr: taken.Addr().String(), Logger: zerolog.Nop()})
	require.NoError(t, err)

	err = srv.ListenAndServe(context.Background())
	assert.Error(t, err)
	assert.Nil(t, srv.Addr())
}

func TestServerConnRate(t *testing.T) {
	plan, err := trickle.NewPlan(payload(3000), 3000, 0, false, 0)
	require.NoError(t, err)
	srv := startServer(t, plan, trickle.Options{ConnRate: 1000})

	start := time.Now()
	got := readAll(t, dial(t, srv.addr))
	elapsed := time.Since(start)

	assert.Equal(t, plan.Payload(), got)
	// one free burst of 1000 bytes, then 2000 bytes at 1000 B/s
	assert.GreaterOrEqual(t, elapsed, 1800*time.Millisecond)
}
