// Package httpwire builds HTTP/1.1 requests and parses response heads
// directly from socket bytes. It never produces chunked encoding; response
// heads are scanned incrementally so a CRLFCRLF split across reads is found
// without re-reading.
package httpwire

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/Paranoid-AF/excess"
	"github.com/Paranoid-AF/excess/buffer"
)

// DefaultHost is sent when the destination is a local socket. The daemon's
// HTTP layer rejects requests without a Host header.
const DefaultHost = "localhost"

// UserAgent identifies this client.
const UserAgent = "excess/1"

// Request is one HTTP/1.1 request ready to be written to a socket.
type Request struct {
	Method string
	// Path is the request target, already escaped by the caller.
	Path string
	// Host defaults to DefaultHost.
	Host   string
	Header http.Header
	Body   []byte
}

// Line returns "METHOD path" for logs and error context.
func (r *Request) Line() string {
	return r.Method + " " + r.Path
}

// Encode renders the request line, headers, blank line and body.
// Content-Length is always present; Content-Type defaults to
// application/json when there is a body.
func (r *Request) Encode() ([]byte, error) {
	if r.Method == "" || !httpguts.ValidHeaderFieldName(r.Method) {
		return nil, invalid("invalid method %q", r.Method)
	}
	if !strings.HasPrefix(r.Path, "/") || strings.ContainsAny(r.Path, " \r\n\t") {
		return nil, invalid("invalid path %q", r.Path)
	}
	host := r.Host
	if host == "" {
		host = DefaultHost
	}
	if !httpguts.ValidHostHeader(host) {
		return nil, invalid("invalid host %q", host)
	}

	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		switch http.CanonicalHeaderKey(k) {
		case "Host", "Content-Length", "Transfer-Encoding":
			// owned by the encoder
			continue
		}
		if !httpguts.ValidHeaderFieldName(k) {
			return nil, invalid("invalid header name %q", k)
		}
		for _, v := range r.Header[k] {
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, invalid("invalid value for header %s", k)
			}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b buffer.Buffer
	w := func(s string) { b.Append([]byte(s)) }
	w(r.Method + " " + r.Path + " HTTP/1.1\r\n")
	w("Host: " + host + "\r\n")
	if r.Header.Get("User-Agent") == "" {
		w("User-Agent: " + UserAgent + "\r\n")
	}
	for _, k := range keys {
		for _, v := range r.Header[k] {
			w(http.CanonicalHeaderKey(k) + ": " + v + "\r\n")
		}
	}
	if len(r.Body) > 0 && r.Header.Get("Content-Type") == "" {
		w("Content-Type: application/json\r\n")
	}
	w("Content-Length: " + strconv.Itoa(len(r.Body)) + "\r\n\r\n")
	b.Append(r.Body)
	return b.Bytes(), nil
}

func invalid(format string, args ...any) error {
	return &excess.Error{Kind: excess.KindInvalidParam, Err: fmt.Errorf(format, args...)}
}

// BuildRequest is shorthand for Request.Encode.
func BuildRequest(method, path, host string, header http.Header, body []byte) ([]byte, error) {
	r := &Request{Method: method, Path: path, Host: host, Header: header, Body: body}
	return r.Encode()
}
