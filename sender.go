package trickle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/rs/zerolog"
)

var (
	// ErrFlush wraps a failed flush after a successful chunk write.
	ErrFlush = errors.New("flush failed")
	// ErrConnDead wraps a write error that means the peer is gone for good.
	ErrConnDead = errors.New("connection is dead")
)

// Flusher is implemented by writers that buffer chunks before they reach the socket.
type Flusher interface {
	Flush() error
}

// Progress is reported before every chunk write.
type Progress struct {
	Pass    int
	Pos     int
	Limit   int
	Percent float64
}

// Result summarizes a single Send call.
type Result struct {
	Passes      int
	Chunks      int
	BytesSent   int64
	WriteErrors int
	Elapsed     time.Duration

	// GapP50, GapP99 and GapMax describe the time between two consecutive chunk writes.
	GapP50 time.Duration
	GapP99 time.Duration
	GapMax time.Duration
}

// Sender paces a Plan out to a writer.
// The zero value is usable; logging is taken from the context passed to Send.
type Sender struct {
	// Metrics is optional.
	Metrics *Metrics

	// OnProgress, when set, is called before every chunk write.
	OnProgress func(Progress)
}

// pacer suspends the sender for a full interval after every chunk write,
// counted from the moment the write returned.
type pacer struct {
	interval time.Duration
	timer    *time.Timer
}

func newPacer(interval time.Duration) *pacer {
	return &pacer{interval: interval}
}

func (p *pacer) Wait(ctx context.Context) error {
	if p.interval <= 0 {
		return ctx.Err()
	}
	if p.timer == nil {
		p.timer = time.NewTimer(p.interval)
	} else {
		p.timer.Reset(p.interval)
	}
	select {
	case <-p.timer.C:
		return nil
	case <-ctx.Done():
		p.timer.Stop()
		return ctx.Err()
	}
}

func (p *pacer) stop() {
	if p.timer != nil {
		p.timer.Stop()
	}
}

type sendState struct {
	res       Result
	pass      int
	lastWrite time.Time
	gaps      *hdrhistogram.Histogram
}

// Send writes plan to w chunk by chunk, pausing plan.Interval() after every
// chunk but the last of a pass. It returns after one pass, or never returns on
// its own when plan.Repeat() is set. A plan not built by NewPlan is rejected.
// Transient write errors are logged and skipped; a dead socket, a failed flush
// or a cancelled ctx end the call.
func (s *Sender) Send(ctx context.Context, w io.Writer, plan *Plan) (Result, error) {
	if err := plan.validate(); err != nil {
		return Result{}, err
	}
	log := zerolog.Ctx(ctx)
	flusher, _ := w.(Flusher)
	payload := plan.Payload()
	limit := plan.Limit()
	chunkSize := plan.ChunkSize()
	pace := newPacer(plan.Interval())
	defer pace.stop()

	st := &sendState{gaps: hdrhistogram.New(1, int64(time.Hour/time.Microsecond), 3)}
	start := time.Now()

	for {
		pos := 0
		for pos+chunkSize < limit {
			s.progress(log, st.pass, pos, limit)
			if err := s.writeChunk(log, w, flusher, payload[pos:pos+chunkSize], st); err != nil {
				return st.result(start), err
			}
			pos += chunkSize
			if err := pace.Wait(ctx); err != nil {
				return st.result(start), err
			}
		}

		s.progress(log, st.pass, pos, limit)
		if err := s.writeChunk(log, w, flusher, payload[pos:limit], st); err != nil {
			return st.result(start), err
		}
		st.pass++
		st.res.Passes = st.pass

		if !plan.Repeat() {
			return st.result(start), nil
		}
		if err := ctx.Err(); err != nil {
			return st.result(start), err
		}
	}
}

func (s *Sender) progress(log *zerolog.Logger, pass, pos, limit int) {
	pct := 100 * float64(pos) / float64(limit)
	log.Info().Int("pass", pass).Int("pos", pos).Float64("progress", pct).Msg("sending chunk")
	if s.OnProgress != nil {
		s.OnProgress(Progress{Pass: pass, Pos: pos, Limit: limit, Percent: pct})
	}
}

func (s *Sender) writeChunk(log *zerolog.Logger, w io.Writer, f Flusher, chunk []byte, st *sendState) error {
	now := time.Now()
	if !st.lastWrite.IsZero() {
		_ = st.gaps.RecordValue(int64(now.Sub(st.lastWrite) / time.Microsecond))
	}
	st.lastWrite = now

	n, err := w.Write(chunk)
	st.res.BytesSent += int64(n)
	s.Metrics.addBytes(n)
	if err != nil {
		if isDeadConn(err) {
			return fmt.Errorf("%w: %w", ErrConnDead, err)
		}
		st.res.WriteErrors++
		s.Metrics.writeError()
		log.Warn().Err(err).Int("len", len(chunk)).Int("written", n).Msg("chunk write failed, continuing")
		return nil
	}
	if f != nil {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("%w: %w", ErrFlush, err)
		}
	}
	st.res.Chunks++
	s.Metrics.chunkSent()
	return nil
}

func (st *sendState) result(start time.Time) Result {
	r := st.res
	r.Elapsed = time.Since(start)
	if st.gaps.TotalCount() > 0 {
		r.GapP50 = time.Duration(st.gaps.ValueAtQuantile(50)) * time.Microsecond
		r.GapP99 = time.Duration(st.gaps.ValueAtQuantile(99)) * time.Microsecond
		r.GapMax = time.Duration(st.gaps.Max()) * time.Microsecond
	}
	return r
}

// isDeadConn reports whether err means no further write on the connection can succeed.
func isDeadConn(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED)
}
