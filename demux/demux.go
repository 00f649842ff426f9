// Package demux decodes the daemon's multiplexed stdout/stderr stream.
//
// Each frame is an 8-byte header followed by a payload:
//
//	byte 0     channel (0 stdin, 1 stdout, 2 stderr)
//	bytes 1-3  unused
//	bytes 4-7  payload length, big-endian uint32
//
// Bytes may arrive in any split; the Demuxer keeps at most one partial
// frame between writes.
package demux

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/Paranoid-AF/excess"
	"github.com/Paranoid-AF/excess/buffer"
)

// HeaderSize is the length of a frame header.
const HeaderSize = 8

const readSize = 32 * 1024

// State is the decoder position.
type State int

const (
	AwaitingHeader State = iota
	AwaitingPayload
	EOF
	Error
)

func (s State) String() string {
	switch s {
	case AwaitingHeader:
		return "awaiting-header"
	case AwaitingPayload:
		return "awaiting-payload"
	case EOF:
		return "eof"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FrameCounter is notified of every delivered frame. transport.Metrics
// implements it.
type FrameCounter interface {
	ObserveFrame(ch excess.Channel, n int)
}

// Option configures a Demuxer.
type Option func(*Demuxer)

// WithStrict rejects channel ids other than stdin, stdout and stderr.
// The default drops such frames.
func WithStrict(strict bool) Option {
	return func(d *Demuxer) { d.strict = strict }
}

// WithMaxFrameSize rejects frames whose declared length exceeds n.
// Zero means no per-frame limit.
func WithMaxFrameSize(n int) Option {
	return func(d *Demuxer) { d.maxFrame = n }
}

// WithMaxBuffer bounds one frame, header included. Only the unfinished
// part of a frame is ever copied, so this is also the most the Demuxer
// buffers.
func WithMaxBuffer(n int) Option {
	return func(d *Demuxer) { d.carry.Max = n }
}

// WithMetrics counts delivered frames.
func WithMetrics(c FrameCounter) Option {
	return func(d *Demuxer) { d.counter = c }
}

// Demuxer is the frame decoder. It implements io.Writer: every Write
// delivers all frames completed by p before returning. It is not safe for
// concurrent use.
type Demuxer struct {
	sink     excess.Sink
	strict   bool
	maxFrame int
	counter  FrameCounter

	carry   buffer.Buffer
	state   State
	channel excess.Channel
	need    int // payload bytes of the current frame
	err     error
}

// New returns a Demuxer that sends stdout and stderr payloads to sink.
// A nil sink discards output.
func New(sink excess.Sink, opts ...Option) *Demuxer {
	d := &Demuxer{sink: sink}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State returns the current decoder state.
func (d *Demuxer) State() State { return d.state }

// Err returns the terminal error, if any.
func (d *Demuxer) Err() error { return d.err }

// Buffered returns the number of carried-over bytes.
func (d *Demuxer) Buffered() int { return d.carry.Len() }

// Write feeds stream bytes. Complete frames are decoded in place from p;
// only an unfinished header or payload is copied into the carry-over.
// After an error every call returns that error.
func (d *Demuxer) Write(p []byte) (int, error) {
	switch d.state {
	case Error:
		return 0, d.err
	case EOF:
		return 0, d.fail(excess.KindInternal, errors.New("write after end of stream"))
	}
	n := len(p)
	for len(p) > 0 {
		want := d.want()
		if d.carry.Len() == 0 && len(p) >= want {
			if err := d.consume(p[:want]); err != nil {
				return 0, err
			}
			p = p[want:]
			continue
		}
		take := min(want-d.carry.Len(), len(p))
		if err := d.carry.Append(p[:take]); err != nil {
			return 0, d.failWith(err)
		}
		p = p[take:]
		if d.carry.Len() == want {
			err := d.consume(d.carry.Bytes())
			d.carry.Truncate()
			if err != nil {
				return 0, err
			}
		}
	}
	return n, nil
}

// want is the size of the unit being decoded: a header or the current
// payload.
func (d *Demuxer) want() int {
	if d.state == AwaitingPayload {
		return d.need
	}
	return HeaderSize
}

func (d *Demuxer) consume(unit []byte) error {
	if d.state == AwaitingHeader {
		return d.header(unit)
	}
	d.deliver(unit)
	d.need = 0
	d.state = AwaitingHeader
	return nil
}

func (d *Demuxer) header(h []byte) error {
	ch := excess.Channel(h[0])
	size := binary.BigEndian.Uint32(h[4:8])
	if d.strict && ch > excess.Stderr {
		return d.fail(excess.KindMalformedFrameHeader, fmt.Errorf("unknown channel %d", h[0]))
	}
	if d.maxFrame > 0 && uint64(size) > uint64(d.maxFrame) {
		return d.fail(excess.KindCapacityExceeded, fmt.Errorf("frame of %d bytes exceeds limit %d", size, d.maxFrame))
	}
	if d.carry.Max > 0 && HeaderSize+uint64(size) > uint64(d.carry.Max) {
		return d.fail(excess.KindCapacityExceeded, fmt.Errorf("frame of %d bytes exceeds buffer limit %d", HeaderSize+uint64(size), d.carry.Max))
	}
	if strconv.IntSize == 32 && uint64(size) > math.MaxInt32 {
		return d.fail(excess.KindCapacityExceeded, fmt.Errorf("frame of %d bytes is too large for this platform", size))
	}
	if size == 0 {
		return nil
	}
	d.channel = ch
	d.need = int(size)
	d.state = AwaitingPayload
	return nil
}

// deliver strips trailing line terminators and passes non-empty stdout
// and stderr payloads on. The sink must copy what it keeps.
func (d *Demuxer) deliver(payload []byte) {
	if d.channel != excess.Stdout && d.channel != excess.Stderr {
		return
	}
	end := len(payload)
	for end > 0 && (payload[end-1] == '\n' || payload[end-1] == '\r') {
		end--
	}
	if end == 0 {
		return
	}
	if d.counter != nil {
		d.counter.ObserveFrame(d.channel, end)
	}
	if d.sink != nil {
		d.sink(d.channel, payload[:end])
	}
}

// Finish signals end of stream. It returns nil when the stream ended on a
// frame boundary and a ReadTruncated error otherwise.
func (d *Demuxer) Finish() error {
	switch d.state {
	case Error:
		return d.err
	case EOF:
		return nil
	}
	if d.state == AwaitingHeader && d.carry.Len() == 0 {
		d.state = EOF
		d.carry.Reset()
		return nil
	}
	return d.fail(excess.KindReadTruncated,
		fmt.Errorf("stream ended inside a frame (%s, %d bytes buffered)", d.state, d.carry.Len()))
}

func (d *Demuxer) fail(kind excess.Kind, cause error) error {
	return d.failWith(excess.NewError(kind, excess.PhaseReadBody, cause))
}

func (d *Demuxer) failWith(err error) error {
	var e *excess.Error
	if errors.As(err, &e) && e.Phase == "" {
		e.Phase = excess.PhaseReadBody
	}
	d.state = Error
	d.err = err
	d.carry.Reset()
	return err
}

// Run reads r until EOF, feeding d. The only blocking point is r.Read;
// callers unblock it by closing the underlying connection when ctx ends.
// A read error after ctx is done is reported as Cancelled.
func Run(ctx context.Context, r io.Reader, d *Demuxer) error {
	scratch := make([]byte, readSize)
	for {
		n, err := r.Read(scratch)
		if n > 0 {
			if _, werr := d.Write(scratch[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return d.Finish()
		}
		if err != nil {
			if ctx.Err() != nil {
				return d.failWith(excess.NewError(excess.KindCancelled, excess.PhaseReadBody, ctx.Err()))
			}
			var e *excess.Error
			if errors.As(err, &e) {
				return d.failWith(err)
			}
			return d.failWith(excess.NewError(excess.KindReadFailed, excess.PhaseReadBody, err))
		}
		if ctx.Err() != nil {
			return d.failWith(excess.NewError(excess.KindCancelled, excess.PhaseReadBody, ctx.Err()))
		}
	}
}
