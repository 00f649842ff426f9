// Package fakedaemon serves scripted daemon responses on a Unix socket for
// tests.
package fakedaemon

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// Request is a request as the daemon saw it.
type Request struct {
	Method string
	Host   string
	Path   string // without query
	Query  string
	Header http.Header
	Body   []byte
}

// Handler writes a raw response for req to conn. Returning closes nothing;
// the connection stays open for the next request unless the handler
// closed it.
type Handler func(conn net.Conn, req *Request)

// Server listens on a Unix domain socket and answers with a Handler.
type Server struct {
	listener net.Listener
	sockPath string
	handler  Handler

	mu       sync.Mutex
	requests []Request
	conns    map[net.Conn]struct{}
	accepted atomic.Int64
}

// NewServer creates a server bound to sockPath.
func NewServer(sockPath string, handler Handler) (*Server, error) {
	// Remove stale socket file if it exists
	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, err
	}
	return &Server{
		listener: listener,
		sockPath: sockPath,
		handler:  handler,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

var testSocketCounter atomic.Int64

// Start runs a server for the duration of the test.
func Start(t testing.TB, handler Handler) *Server {
	t.Helper()
	// Use /tmp directly to avoid macOS 104-char Unix socket path limit
	n := testSocketCounter.Add(1)
	sockPath := fmt.Sprintf("/tmp/excess-%d-t%d.sock", os.Getpid(), n)
	srv, err := NewServer(sockPath, handler)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Close)
	go srv.Serve()
	return srv
}

// SocketPath returns the listening socket.
func (s *Server) SocketPath() string { return s.sockPath }

// Serve accepts connections until Close.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		s.accepted.Add(1)
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

// Close stops the listener, drops open connections and removes the socket.
func (s *Server) Close() {
	s.listener.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	os.Remove(s.sockPath)
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Accepted returns the number of connections accepted.
func (s *Server) Accepted() int { return int(s.accepted.Load()) }

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()
	br := bufio.NewReader(conn)
	for {
		hr, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		body, err := io.ReadAll(hr.Body)
		if err != nil {
			return
		}
		req := Request{
			Method: hr.Method,
			Host:   hr.Host,
			Path:   hr.URL.Path,
			Query:  hr.URL.RawQuery,
			Header: hr.Header,
			Body:   body,
		}
		slog.Debug("fakedaemon request", "method", req.Method, "path", req.Path)
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()
		s.handler(conn, &req)
	}
}

// WriteResponse writes a complete Content-Length framed response.
func WriteResponse(w io.Writer, status int, header http.Header, body []byte) {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	for k, vs := range header {
		for _, v := range vs {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(body))
	io.WriteString(w, b.String())
	w.Write(body)
}

// Reply answers every request with the same response.
func Reply(status int, contentType, body string) Handler {
	return func(conn net.Conn, _ *Request) {
		h := http.Header{}
		if contentType != "" {
			h.Set("Content-Type", contentType)
		}
		WriteResponse(conn, status, h, []byte(body))
	}
}

// JSON answers with v encoded as JSON.
func JSON(status int, v any) Handler {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return Reply(status, "application/json", string(data))
}

// Raw writes data verbatim and then closes the connection.
func Raw(data string) Handler {
	return func(conn net.Conn, _ *Request) {
		io.WriteString(conn, data)
		conn.Close()
	}
}

// Chunked writes a chunked response with one chunk per element.
func Chunked(status int, contentType string, chunks ...[]byte) Handler {
	return func(conn net.Conn, _ *Request) {
		fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Type: %s\r\nTransfer-Encoding: chunked\r\n\r\n",
			status, http.StatusText(status), contentType)
		for _, c := range chunks {
			if len(c) == 0 {
				continue
			}
			fmt.Fprintf(conn, "%x\r\n", len(c))
			conn.Write(c)
			io.WriteString(conn, "\r\n")
		}
		io.WriteString(conn, "0\r\n\r\n")
	}
}

// Stream sends a multiplexed stream head followed by data, then either
// closes (hang false) or keeps the connection open until the client goes
// away (hang true).
func Stream(data []byte, hang bool) Handler {
	return func(conn net.Conn, _ *Request) {
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Type: application/vnd.docker.multiplexed-stream\r\n\r\n")
		conn.Write(data)
		if hang {
			io.Copy(io.Discard, conn)
		}
		conn.Close()
	}
}

// Upgrade answers an exec start with 101 and the multiplexed stream.
func Upgrade(data []byte) Handler {
	return func(conn net.Conn, _ *Request) {
		io.WriteString(conn, "HTTP/1.1 101 UPGRADED\r\nContent-Type: application/vnd.docker.multiplexed-stream\r\n"+
			"Connection: Upgrade\r\nUpgrade: tcp\r\n\r\n")
		conn.Write(data)
		conn.Close()
	}
}

// Route dispatches on "METHOD /path". Unknown routes get the daemon's 404.
func Route(routes map[string]Handler) Handler {
	notFound := JSON(http.StatusNotFound, map[string]string{"message": "page not found"})
	return func(conn net.Conn, req *Request) {
		if h, ok := routes[req.Method+" "+req.Path]; ok {
			h(conn, req)
			return
		}
		notFound(conn, req)
	}
}

// Frame encodes one multiplexed frame.
func Frame(ch byte, payload string) []byte {
	b := make([]byte, 8+len(payload))
	b[0] = ch
	binary.BigEndian.PutUint32(b[4:8], uint32(len(payload)))
	copy(b[8:], payload)
	return b
}

// Frames concatenates encoded frames.
func Frames(frames ...[]byte) []byte {
	var out []byte
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}
