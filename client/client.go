// Package client is the daemon client. A Client owns one logical
// connection: each call holds it from request to the end of the response,
// including the whole streaming phase of log and exec sessions.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Paranoid-AF/excess"
	"github.com/Paranoid-AF/excess/buffer"
	"github.com/Paranoid-AF/excess/demux"
	"github.com/Paranoid-AF/excess/httpwire"
	"github.com/Paranoid-AF/excess/transport"
)

// errorBodyLimit bounds the error body read from a failed streaming call.
const errorBodyLimit = 64 * 1024

const (
	multiplexedStream = "application/vnd.docker.multiplexed-stream"
	rawStream         = "application/vnd.docker.raw-stream"
)

var versionedPath = regexp.MustCompile(`^/v[0-9]+\.[0-9]+/`)

// Client talks to one daemon. It is safe for concurrent use; calls are
// serialised, and a call still waiting for its turn gives up when its
// context ends.
type Client struct {
	cfg     *excess.Config
	dialer  *transport.Dialer
	metrics *transport.Metrics
	logger  *slog.Logger
	ids     *IDCache
	prefix  string

	sem  chan struct{} // one slot, held for a whole call
	idle *transport.Conn
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the dialer built from the config.
func WithDialer(d *transport.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithMetrics records transport metrics.
func WithMetrics(m *transport.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for cfg. A nil cfg uses the defaults.
func New(cfg *excess.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = excess.DefaultConfig()
	}
	c := &Client{cfg: cfg, logger: slog.Default(), sem: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		d, err := transport.NewDialer(cfg)
		if err != nil {
			return nil, err
		}
		c.dialer = d
	}
	if c.metrics != nil && c.dialer.Metrics == nil {
		d := *c.dialer
		d.Metrics = c.metrics
		c.dialer = &d
	}
	if v := strings.TrimPrefix(cfg.Daemon.APIVersion, "v"); v != "" {
		c.prefix = "/v" + v
	}
	c.ids = NewIDCache(excess.IDCacheTTL(cfg))
	return c, nil
}

// Close drops any idle connection and stops the ID cache. It waits for
// the call in progress, if any.
func (c *Client) Close() error {
	c.sem <- struct{}{}
	defer c.unlock()
	c.ids.Close()
	if c.idle != nil {
		err := c.idle.Close()
		c.idle = nil
		return err
	}
	return nil
}

// lock takes the connection slot, or gives up when ctx ends.
func (c *Client) lock(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return excess.NewError(excess.KindCancelled, excess.PhaseConnect,
			fmt.Errorf("waiting for the connection: %w", ctx.Err()))
	}
}

func (c *Client) unlock() { <-c.sem }

// path adds the API version prefix unless path already has one.
func (c *Client) path(p string) string {
	if c.prefix == "" || versionedPath.MatchString(p) {
		return p
	}
	return c.prefix + p
}

// Response is a fully read daemon response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	op     string
}

// Err converts an error status into an *excess.Error carrying the
// daemon's message. It returns nil for statuses below 400.
func (r *Response) Err() error {
	if r.Status < 400 {
		return nil
	}
	kind := excess.KindHTTPStatus
	if r.Status == http.StatusNotFound {
		kind = excess.KindNotFound
	}
	return &excess.Error{Kind: kind, Op: r.op, Status: r.Status, Message: daemonMessage(r.Body)}
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &excess.Error{Kind: excess.KindJSON, Phase: excess.PhaseDecode, Op: r.op, Err: err}
	}
	return nil
}

// daemonMessage extracts {"message": "..."} from an error body, falling
// back to the trimmed text.
func daemonMessage(body []byte) string {
	var m struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &m) == nil && m.Message != "" {
		return m.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512] + "..."
	}
	return msg
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, &excess.Error{Kind: excess.KindJSON, Err: err}
	}
	return data, nil
}

// Do performs a buffered call. body may be nil, []byte, or any value that
// encodes to JSON. Error statuses are returned as a Response; use
// Response.Err to turn them into errors.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*Response, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, method, path, nil, payload, true)
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, payload []byte, bounded bool) (*Response, error) {
	if timeout := excess.Timeout(c.cfg); bounded && timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}
	req := &httpwire.Request{Method: method, Path: c.path(path), Host: c.dialer.Host, Header: header, Body: payload}
	op := req.Line()
	raw, err := req.Encode()
	if err != nil {
		return nil, withOp(err, op)
	}

	if err := c.lock(ctx); err != nil {
		return nil, withOp(err, op)
	}
	defer c.unlock()
	start := time.Now()
	defer c.metrics.ObserveDuration(start)
	c.metrics.ObserveRequest(method)

	conn, err := c.acquire(ctx)
	if err != nil {
		return nil, withOp(err, op)
	}
	stop := conn.WatchContext(ctx)
	resp, err := c.exchange(conn, raw)
	stop()
	if err != nil {
		conn.Close()
		c.logger.Debug("daemon call failed", "op", op, "error", err)
		return nil, withOp(err, op)
	}
	resp.op = op
	if c.cfg.Transport.ReuseConnection && conn.Reusable() {
		c.idle = conn
	} else {
		conn.Close()
	}
	c.logger.Debug("daemon call", "op", op, "status", resp.Status, "bytes", len(resp.Body))
	return resp, nil
}

// acquire returns the idle connection or dials a new one. Caller holds
// the lock.
func (c *Client) acquire(ctx context.Context) (*transport.Conn, error) {
	if c.idle != nil {
		conn := c.idle
		c.idle = nil
		return conn, nil
	}
	return c.dialer.Dial(ctx)
}

func (c *Client) exchange(conn *transport.Conn, raw []byte) (*Response, error) {
	if err := conn.Send(raw); err != nil {
		return nil, err
	}
	head, err := conn.ReadHead()
	if err != nil {
		return nil, err
	}
	buf := buffer.New(c.cfg.Transport.MaxResponseBytes)
	if err := conn.ReadAll(buf); err != nil {
		return nil, err
	}
	return &Response{Status: head.Status, Header: head.Header, Body: buf.Bytes()}, nil
}

func withOp(err error, op string) error {
	var e *excess.Error
	if errors.As(err, &e) && e.Op == "" {
		e.Op = op
	}
	return err
}

// StreamOption configures a streaming call.
type StreamOption func(*streamConfig)

type streamConfig struct {
	id     string
	header http.Header
}

// WithSessionID names the session; the default is a random UUID.
func WithSessionID(id string) StreamOption {
	return func(sc *streamConfig) { sc.id = id }
}

// WithHeader adds request headers.
func WithHeader(h http.Header) StreamOption {
	return func(sc *streamConfig) { sc.header = h }
}

// Stream starts a streaming call and returns once the response head has
// arrived. Frames go to sink from a single goroutine in wire order. The
// client stays locked until the session ends.
func (c *Client) Stream(ctx context.Context, method, path string, body any, sink excess.Sink, opts ...StreamOption) (*Session, error) {
	sc := streamConfig{}
	for _, opt := range opts {
		opt(&sc)
	}
	if sc.id == "" {
		sc.id = uuid.NewString()
	}
	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	req := &httpwire.Request{Method: method, Path: c.path(path), Host: c.dialer.Host, Header: sc.header, Body: payload}
	op := req.Line()
	raw, err := req.Encode()
	if err != nil {
		return nil, withOp(err, op)
	}

	if err := c.lock(ctx); err != nil {
		return nil, withOp(err, op)
	}
	c.metrics.ObserveRequest(method)
	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		c.unlock()
		return nil, withOp(err, op)
	}
	sctx, cancel := context.WithCancel(ctx)
	stop := conn.WatchContext(sctx)
	fail := func(err error) (*Session, error) {
		stop()
		cancel()
		conn.Close()
		c.unlock()
		c.logger.Debug("stream failed", "session", sc.id, "op", op, "error", err)
		return nil, withOp(err, op)
	}

	if err := conn.Send(raw); err != nil {
		return fail(err)
	}
	head, err := conn.ReadHead()
	if err != nil {
		return fail(err)
	}
	if head.Status >= 400 {
		buf := buffer.New(errorBodyLimit)
		if err := conn.ReadAll(buf); err != nil && !errors.Is(err, excess.ErrCapacityExceeded) {
			return fail(err)
		}
		resp := &Response{Status: head.Status, Header: head.Header, Body: buf.Bytes(), op: op}
		return fail(resp.Err())
	}

	s := &Session{
		ID:     sc.id,
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
		raw:    head.ContentType() == rawStream,
		demux: demux.New(sink,
			demux.WithStrict(c.cfg.Transport.StrictFrames),
			demux.WithMaxFrameSize(c.cfg.Transport.MaxFrameBytes),
			demux.WithMaxBuffer(frameBufferLimit(c.cfg)),
			demux.WithMetrics(c.metrics),
		),
		sink: sink,
	}
	c.metrics.StreamStarted()
	c.logger.Debug("stream started", "session", s.ID, "op", op, "status", head.Status)
	go s.run(sctx, conn.Body(), func() {
		stop()
		cancel()
		conn.Close()
		c.metrics.StreamEnded()
		if s.err != nil && s.state == Failed {
			c.metrics.ObserveError(s.err)
		}
		c.logger.Debug("stream ended", "session", s.ID, "state", s.state.String(), "error", s.err)
		c.unlock()
	})
	return s, nil
}

// frameBufferLimit bounds the demuxer's carry-over by one frame. Streams
// are unbounded in total, so max_response_bytes does not apply.
func frameBufferLimit(cfg *excess.Config) int {
	if cfg.Transport.MaxFrameBytes <= 0 {
		return 0
	}
	return cfg.Transport.MaxFrameBytes + demux.HeaderSize
}

// Cancel ends s, unblocking its pending read. It is the same as
// s.Cancel().
func (c *Client) Cancel(s *Session) {
	if s != nil {
		s.Cancel()
	}
}

// SessionState is the terminal state of a Session.
type SessionState int

const (
	Running SessionState = iota
	Done
	Failed
	Cancelled
)

func (s SessionState) String() string {
	switch s {
	case Running:
		return "running"
	case Done:
		return "done"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is an in-progress streaming call.
type Session struct {
	// ID is the exec ID for exec sessions, otherwise a generated UUID.
	ID string

	conn   *transport.Conn
	cancel context.CancelFunc
	demux  *demux.Demuxer
	sink   excess.Sink
	raw    bool
	done   chan struct{}

	// set before done is closed
	state SessionState
	err   error
}

func (s *Session) run(ctx context.Context, body io.Reader, release func()) {
	var err error
	if s.raw {
		err = s.copyRaw(ctx, body)
	} else {
		err = demux.Run(ctx, body, s.demux)
	}
	switch {
	case err == nil:
		s.state = Done
	case errors.Is(err, excess.ErrCancelled) || s.conn.Cancelled():
		s.state = Cancelled
		if !errors.Is(err, excess.ErrCancelled) {
			err = excess.NewError(excess.KindCancelled, excess.PhaseReadBody, err)
		}
	default:
		s.state = Failed
	}
	s.err = err
	release()
	close(s.done)
}

// copyRaw handles TTY sessions, whose output is not multiplexed.
func (s *Session) copyRaw(ctx context.Context, body io.Reader) error {
	scratch := make([]byte, 32*1024)
	for {
		n, err := body.Read(scratch)
		if n > 0 && s.sink != nil {
			s.sink(excess.Stdout, scratch[:n])
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return excess.NewError(excess.KindCancelled, excess.PhaseReadBody, ctx.Err())
			}
			return err
		}
	}
}

// Cancel closes the connection. It is idempotent and safe from any
// goroutine, including the sink.
func (s *Session) Cancel() {
	s.cancel()
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends. It returns nil on a clean end of
// stream and on cancellation.
func (s *Session) Wait() error {
	<-s.done
	if s.state == Cancelled {
		return nil
	}
	return s.err
}

// Err returns the terminal error, including Cancelled. It is nil while
// the session runs.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// State returns Running until the session ends.
func (s *Session) State() SessionState {
	select {
	case <-s.done:
		return s.state
	default:
		return Running
	}
}
