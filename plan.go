package trickle

import (
	"errors"
	"time"
)

var (
	// ErrInvalidChunkSize is returned when the chunk size is lower than 1.
	ErrInvalidChunkSize = errors.New("chunk size must be at least 1 byte")
	// ErrNegativeInterval is returned when the pause between chunks is negative.
	ErrNegativeInterval = errors.New("interval cannot be negative")
	// ErrNegativeMaxBytes is returned when the per pass cap is negative.
	ErrNegativeMaxBytes = errors.New("max bytes cannot be negative")
	// ErrEmptyPayload is returned when there is nothing to send.
	ErrEmptyPayload = errors.New("payload is empty")
)

// Plan describes how a payload is paced out to every connection.
// A Plan is immutable once built and is shared by all workers without copying.
type Plan struct {
	payload   []byte
	chunkSize int
	interval  time.Duration
	repeat    bool
	maxBytes  int
}

// NewPlan validates the parameters and returns a Plan owning a private copy of payload.
func NewPlan(payload []byte, chunkSize int, interval time.Duration, repeat bool, maxBytes int) (*Plan, error) {
	switch {
	case len(payload) == 0:
		return nil, ErrEmptyPayload
	case chunkSize < 1:
		return nil, ErrInvalidChunkSize
	case interval < 0:
		return nil, ErrNegativeInterval
	case maxBytes < 0:
		return nil, ErrNegativeMaxBytes
	}

	p := make([]byte, len(payload))
	copy(p, payload)

	return &Plan{
		payload:   p,
		chunkSize: chunkSize,
		interval:  interval,
		repeat:    repeat,
		maxBytes:  maxBytes,
	}, nil
}

// Payload returns the shared payload. Callers must not modify it.
func (p *Plan) Payload() []byte {
	return p.payload
}

// ChunkSize is the number of bytes written per pacing step.
func (p *Plan) ChunkSize() int {
	return p.chunkSize
}

// Interval is the pause between two consecutive chunk writes.
func (p *Plan) Interval() time.Duration {
	return p.interval
}

// Repeat reports whether the payload restarts from the beginning after each pass.
func (p *Plan) Repeat() bool {
	return p.repeat
}

// MaxBytes caps the length of each pass, 0 means the whole payload.
func (p *Plan) MaxBytes() int {
	return p.maxBytes
}

// validate rejects plans that were not built by NewPlan.
func (p *Plan) validate() error {
	switch {
	case p == nil || len(p.payload) == 0:
		return ErrEmptyPayload
	case p.chunkSize < 1:
		return ErrInvalidChunkSize
	case p.interval < 0:
		return ErrNegativeInterval
	case p.maxBytes < 0:
		return ErrNegativeMaxBytes
	}
	return nil
}

// Limit is the number of payload bytes sent in a single pass.
func (p *Plan) Limit() int {
	if p.maxBytes > 0 && p.maxBytes < len(p.payload) {
		return p.maxBytes
	}
	return len(p.payload)
}

// Chunks is the number of writes needed for one pass, the last one possibly partial.
func (p *Plan) Chunks() int {
	if p.chunkSize < 1 {
		return 0
	}
	limit := p.Limit()
	n := limit / p.chunkSize
	if limit%p.chunkSize != 0 || n == 0 {
		n++
	}
	return n
}

// PassDuration is the expected wall time of one pass, ignoring write latency.
func (p *Plan) PassDuration() time.Duration {
	if p.Chunks() < 2 {
		return 0
	}
	return time.Duration(p.Chunks()-1) * p.interval
}
