// Package transport carries raw HTTP/1.1 exchanges over a Unix socket or
// a TCP/TLS connection to the daemon.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http/httputil"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Paranoid-AF/excess"
	"github.com/Paranoid-AF/excess/buffer"
	"github.com/Paranoid-AF/excess/httpwire"
)

const scratchSize = 4096

// Dialer opens connections to the daemon.
type Dialer struct {
	// Network is "unix" or "tcp".
	Network string
	Address string
	// Host is sent in the Host header.
	Host string
	// TLS, when set, wraps tcp connections.
	TLS     *tls.Config
	Timeout time.Duration
	// MaxHeadSize bounds response heads; zero uses the httpwire default.
	MaxHeadSize int
	Metrics     *Metrics
}

// NewDialer builds a Dialer from cfg. A configured TCP host wins over the
// socket path.
func NewDialer(cfg *excess.Config) (*Dialer, error) {
	if cfg == nil {
		cfg = excess.DefaultConfig()
	}
	d := &Dialer{
		Timeout:     excess.Timeout(cfg),
		MaxHeadSize: cfg.Transport.MaxHeaderBytes,
	}
	if cfg.Daemon.Host != "" {
		port := cfg.Daemon.Port
		if port == 0 {
			port = 2376
		}
		d.Network = "tcp"
		d.Address = net.JoinHostPort(cfg.Daemon.Host, strconv.Itoa(port))
		d.Host = d.Address
		if cfg.Daemon.UseTLS {
			tc, err := loadTLSConfig(cfg)
			if err != nil {
				return nil, err
			}
			tc.ServerName = cfg.Daemon.Host
			d.TLS = tc
		}
		return d, nil
	}
	path := excess.ResolveSocketPath(cfg)
	if path == "" {
		return nil, &excess.Error{Kind: excess.KindInvalidParam, Err: errors.New("no socket path or host configured")}
	}
	d.Network = "unix"
	d.Address = path
	d.Host = httpwire.DefaultHost
	return d, nil
}

func loadTLSConfig(cfg *excess.Config) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	certFile, keyFile := excess.CertFile(cfg), excess.KeyFile(cfg)
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, &excess.Error{Kind: excess.KindInvalidParam, Err: fmt.Errorf("load client certificate: %w", err)}
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	if caFile := excess.CAFile(cfg); caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, &excess.Error{Kind: excess.KindInvalidParam, Err: fmt.Errorf("read CA bundle: %w", err)}
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, &excess.Error{Kind: excess.KindInvalidParam, Err: fmt.Errorf("no certificates in %s", caFile)}
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// Dial connects, honouring ctx and the dialer timeout.
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	var (
		nc  net.Conn
		err error
	)
	if d.TLS != nil && d.Network == "tcp" {
		td := &tls.Dialer{NetDialer: nd, Config: d.TLS}
		nc, err = td.DialContext(ctx, d.Network, d.Address)
	} else {
		nc, err = nd.DialContext(ctx, d.Network, d.Address)
	}
	if err != nil {
		kind := excess.KindConnectFailed
		var ne net.Error
		switch {
		case errors.Is(err, context.Canceled):
			kind = excess.KindCancelled
		case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
			kind = excess.KindConnectTimeout
		}
		d.Metrics.ObserveError(excess.NewError(kind, excess.PhaseConnect, nil))
		return nil, excess.NewError(kind, excess.PhaseConnect, fmt.Errorf("%s %s: %w", d.Network, d.Address, err))
	}
	return &Conn{nc: nc, host: d.Host, maxHead: d.MaxHeadSize, metrics: d.Metrics}, nil
}

// Conn is one daemon connection. It is owned by a single call at a time;
// only Close and the WatchContext callback may run concurrently with reads.
type Conn struct {
	nc      net.Conn
	host    string
	maxHead int
	metrics *Metrics

	head     *httpwire.ResponseHead
	prefix   []byte
	body     io.Reader
	consumed bool
	noReuse  bool // the body's end was not cleanly framed

	cancelled atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an established connection, e.g. one end of net.Pipe.
func NewConn(nc net.Conn, host string) *Conn {
	if host == "" {
		host = httpwire.DefaultHost
	}
	return &Conn{nc: nc, host: host}
}

// Host returns the value to send in the Host header.
func (c *Conn) Host() string { return c.host }

// Send writes the whole request, looping on short writes.
func (c *Conn) Send(req []byte) error {
	c.head, c.prefix, c.body, c.consumed, c.noReuse = nil, nil, nil, false, false
	for len(req) > 0 {
		n, err := c.nc.Write(req)
		c.metrics.AddWritten(n)
		if err != nil {
			return c.wrap(excess.KindWriteFailed, excess.PhaseWrite, err)
		}
		if n == 0 {
			return c.wrap(excess.KindWriteFailed, excess.PhaseWrite, io.ErrShortWrite)
		}
		req = req[n:]
	}
	return nil
}

// ReadHead reads until the response head is complete. Body bytes that
// arrived with the head are kept for Body.
func (c *Conn) ReadHead() (*httpwire.ResponseHead, error) {
	s := httpwire.NewHeadScanner(c.maxHead)
	scratch := make([]byte, scratchSize)
	for {
		n, err := c.nc.Read(scratch)
		c.metrics.AddRead(n)
		if n > 0 {
			head, body, ferr := s.Feed(scratch[:n])
			if ferr != nil {
				return nil, ferr
			}
			if head != nil {
				c.head, c.prefix = head, body
				return head, nil
			}
		}
		if err == io.EOF {
			return nil, c.wrap(excess.KindReadTruncated, excess.PhaseReadHeader,
				fmt.Errorf("connection closed after %d header bytes", s.Buffered()))
		}
		if err != nil {
			return nil, c.wrap(excess.KindReadFailed, excess.PhaseReadHeader, err)
		}
	}
}

// Head returns the last head read.
func (c *Conn) Head() *httpwire.ResponseHead { return c.head }

// Body returns a reader over the response body framed by the head:
// Content-Length, chunked, or everything until the peer closes.
func (c *Conn) Body() io.Reader {
	if c.body != nil {
		return c.body
	}
	if c.head == nil {
		c.body = errReader{excess.NewError(excess.KindInternal, excess.PhaseReadBody, errors.New("body read before head"))}
		return c.body
	}
	raw := &socketReader{c: c, r: io.MultiReader(bytes.NewReader(c.prefix), c.nc)}
	var r io.Reader
	switch {
	case c.head.Status/100 == 1 && !c.head.Upgraded(), c.head.Status == 204, c.head.Status == 304:
		r = eofReader{}
	case c.head.Upgraded():
		r = raw
	case c.head.Chunked():
		r = newChunkedReader(c, raw)
	default:
		if n, ok := c.head.ContentLength(); ok {
			r = &lengthReader{c: c, r: raw, left: n}
		} else {
			r = raw
		}
	}
	c.body = &doneReader{c: c, r: r}
	return c.body
}

// ReadAll copies the whole body into buf. It fails rather than return a
// partial body.
func (c *Conn) ReadAll(buf *buffer.Buffer) error {
	body := c.Body()
	scratch := make([]byte, scratchSize)
	for {
		n, err := body.Read(scratch)
		if n > 0 {
			if aerr := buf.Append(scratch[:n]); aerr != nil {
				var e *excess.Error
				if errors.As(aerr, &e) && e.Phase == "" {
					e.Phase = excess.PhaseReadBody
				}
				return aerr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Reusable reports whether another request may be sent on this
// connection: the body was fully read, its end was framed, and the daemon
// did not ask to close.
func (c *Conn) Reusable() bool {
	if c.head == nil || !c.consumed || c.noReuse || c.cancelled.Load() || c.head.Close() || c.head.Upgraded() {
		return false
	}
	_, framed := c.head.ContentLength()
	return framed || c.head.Chunked() || c.head.Status == 204 || c.head.Status == 304
}

// WatchContext closes the connection when ctx is done, unblocking any
// read or write in progress. Errors seen after that are reported as
// Cancelled. The returned stop function detaches the watcher.
func (c *Conn) WatchContext(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, c.Cancel)
}

// Cancel marks the connection cancelled and closes it. Safe to call more
// than once and from any goroutine.
func (c *Conn) Cancel() {
	c.cancelled.Store(true)
	c.Close()
}

// Cancelled reports whether Cancel ran.
func (c *Conn) Cancelled() bool { return c.cancelled.Load() }

// Close closes the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.nc.Close() })
	return c.closeErr
}

func (c *Conn) wrap(kind excess.Kind, phase excess.Phase, err error) error {
	if c.cancelled.Load() {
		kind = excess.KindCancelled
	} else if errors.Is(err, io.ErrUnexpectedEOF) {
		kind = excess.KindReadTruncated
	}
	e := excess.NewError(kind, phase, err)
	c.metrics.ObserveError(e)
	return e
}

// socketReader counts bytes and maps socket errors.
type socketReader struct {
	c *Conn
	r io.Reader
}

func (s *socketReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.c.metrics.AddRead(n)
	if err != nil && err != io.EOF {
		var e *excess.Error
		if !errors.As(err, &e) {
			err = s.c.wrap(excess.KindReadFailed, excess.PhaseReadBody, err)
		}
	}
	return n, err
}

// lengthReader stops after the declared Content-Length and reports a body
// that ends early as truncated.
type lengthReader struct {
	c    *Conn
	r    io.Reader
	left int64
}

func (l *lengthReader) Read(p []byte) (int, error) {
	if l.left <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.left {
		p = p[:l.left]
	}
	n, err := l.r.Read(p)
	l.left -= int64(n)
	if err == io.EOF && l.left > 0 {
		err = l.c.wrap(excess.KindReadTruncated, excess.PhaseReadBody,
			fmt.Errorf("body ended with %d of its declared bytes missing", l.left))
	}
	if err == nil && l.left == 0 {
		err = io.EOF
	}
	return n, err
}

// chunkedReader decodes a chunked body. After the last chunk it consumes
// the trailer up to the blank line so the connection is left at the start
// of the next response.
type chunkedReader struct {
	c    *Conn
	br   *bufio.Reader
	r    io.Reader
	done bool
}

func newChunkedReader(c *Conn, raw io.Reader) *chunkedReader {
	br := bufio.NewReaderSize(raw, scratchSize)
	return &chunkedReader{c: c, br: br, r: httputil.NewChunkedReader(br)}
}

func (cr *chunkedReader) Read(p []byte) (int, error) {
	if cr.done {
		return 0, io.EOF
	}
	n, err := cr.r.Read(p)
	if err == io.EOF {
		if terr := cr.trailer(); terr != nil {
			return n, terr
		}
		cr.done = true
		return n, io.EOF
	}
	if err != nil {
		err = cr.mapErr(err)
	}
	return n, err
}

func (cr *chunkedReader) trailer() error {
	for {
		line, err := cr.br.ReadSlice('\n')
		if err == io.EOF && len(line) == 0 {
			// The daemon closed without the final CRLF. The body itself
			// is complete, but the connection is not.
			cr.c.noReuse = true
			return nil
		}
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return cr.mapErr(err)
		}
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			break
		}
	}
	if cr.br.Buffered() > 0 {
		cr.c.noReuse = true
	}
	return nil
}

func (cr *chunkedReader) mapErr(err error) error {
	var e *excess.Error
	if errors.As(err, &e) {
		return err
	}
	kind := excess.KindMalformedResponse
	if errors.Is(err, io.ErrUnexpectedEOF) {
		kind = excess.KindReadTruncated
	}
	return cr.c.wrap(kind, excess.PhaseReadBody, err)
}

// doneReader records when the body reached its end.
type doneReader struct {
	c *Conn
	r io.Reader
}

func (d *doneReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if err == io.EOF {
		d.c.consumed = true
	}
	return n, err
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }
