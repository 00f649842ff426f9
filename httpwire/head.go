package httpwire

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/Paranoid-AF/excess"
	"github.com/Paranoid-AF/excess/buffer"
)

// DefaultMaxHeadSize bounds the status line plus header section.
const DefaultMaxHeadSize = 16 * 1024

var crlfcrlf = []byte("\r\n\r\n")

// ResponseHead is the parsed status line and header section of a response.
type ResponseHead struct {
	Proto  string // "HTTP/1.1"
	Status int
	Reason string
	Header http.Header
	// BodyOffset is the index of the first body byte in the stream the
	// head was scanned from.
	BodyOffset int
}

// ContentLength returns the declared body length, if any.
func (h *ResponseHead) ContentLength() (int64, bool) {
	v := h.Header.Get("Content-Length")
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Chunked reports whether the body uses chunked transfer coding.
func (h *ResponseHead) Chunked() bool {
	for _, v := range h.Header.Values("Transfer-Encoding") {
		for _, coding := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(coding), "chunked") {
				return true
			}
		}
	}
	return false
}

// Close reports whether the daemon will close the connection after this
// response.
func (h *ResponseHead) Close() bool {
	if httpguts.HeaderValuesContainsToken(h.Header.Values("Connection"), "close") {
		return true
	}
	if h.Proto == "HTTP/1.0" {
		return !httpguts.HeaderValuesContainsToken(h.Header.Values("Connection"), "keep-alive")
	}
	return false
}

// Upgraded reports a 101 response; the connection then carries a raw
// stream until EOF.
func (h *ResponseHead) Upgraded() bool {
	return h.Status == http.StatusSwitchingProtocols
}

// ContentType returns the media type without parameters.
func (h *ResponseHead) ContentType() string {
	ct := h.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// FindBoundary returns the offset just past the first CRLFCRLF in p, or -1.
func FindBoundary(p []byte) int {
	i := bytes.Index(p, crlfcrlf)
	if i < 0 {
		return -1
	}
	return i + len(crlfcrlf)
}

// HeadScanner finds and parses a response head fed in arbitrary pieces.
type HeadScanner struct {
	// MaxHeadSize defaults to DefaultMaxHeadSize.
	MaxHeadSize int

	buf     buffer.Buffer
	scanned int // bytes already searched for the boundary
	done    bool
}

// NewHeadScanner returns a scanner limited to max head bytes (0 for the
// default).
func NewHeadScanner(max int) *HeadScanner {
	return &HeadScanner{MaxHeadSize: max}
}

// Feed adds p to the bytes seen so far. It returns (nil, nil, nil) while the
// boundary is still missing. Once found it returns the head and the body
// bytes that arrived with it; the returned slice is owned by the caller.
func (s *HeadScanner) Feed(p []byte) (*ResponseHead, []byte, error) {
	if s.done {
		return nil, nil, excess.NewError(excess.KindInternal, excess.PhaseReadHeader,
			errors.New("head already scanned"))
	}
	max := s.MaxHeadSize
	if max <= 0 {
		max = DefaultMaxHeadSize
	}
	if err := s.buf.Append(p); err != nil {
		return nil, nil, err
	}
	data := s.buf.Bytes()

	// Resume three bytes back so a CRLFCRLF split across feeds is seen.
	from := s.scanned - (len(crlfcrlf) - 1)
	if from < 0 {
		from = 0
	}
	i := bytes.Index(data[from:], crlfcrlf)
	if i < 0 {
		s.scanned = len(data)
		if len(data) >= max {
			return nil, nil, tooLarge(max)
		}
		return nil, nil, nil
	}
	end := from + i + len(crlfcrlf)
	if end > max {
		return nil, nil, tooLarge(max)
	}
	head, err := ParseHead(data[:from+i])
	if err != nil {
		return nil, nil, err
	}
	head.BodyOffset = end
	body := append([]byte(nil), data[end:]...)
	s.done = true
	s.buf.Reset()
	return head, body, nil
}

// Buffered returns how many bytes the scanner holds while still searching.
func (s *HeadScanner) Buffered() int { return s.buf.Len() }

func tooLarge(max int) error {
	return excess.NewError(excess.KindHeaderTooLarge, excess.PhaseReadHeader,
		fmt.Errorf("no header boundary within %d bytes", max))
}

// ScanHead scans a complete byte sequence at once. It returns a nil head and
// no error when p holds no boundary yet.
func ScanHead(p []byte) (*ResponseHead, error) {
	head, _, err := NewHeadScanner(0).Feed(p)
	return head, err
}

// ParseHead parses a head block: the status line and header lines, without
// the terminating blank line.
func ParseHead(raw []byte) (*ResponseHead, error) {
	lines := strings.Split(string(raw), "\r\n")
	head, err := parseStatusLine(lines[0])
	if err != nil {
		return nil, err
	}
	head.Header = make(http.Header, len(lines)-1)
	for _, line := range lines[1:] {
		if line == "" {
			return nil, malformed("empty header line")
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, malformed("obsolete line folding")
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return nil, malformed("header line without name: %q", line)
		}
		name := line[:colon]
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, malformed("invalid header name %q", name)
		}
		value := strings.Trim(line[colon+1:], " \t")
		head.Header.Add(name, value)
	}
	return head, nil
}

// parseStatusLine handles "HTTP/1.x SP 3DIGIT [SP reason]".
func parseStatusLine(line string) (*ResponseHead, error) {
	if len(line) < 12 || !strings.HasPrefix(line, "HTTP/1.") || line[8] != ' ' {
		return nil, malformed("bad status line %q", line)
	}
	if v := line[7]; v != '0' && v != '1' {
		return nil, malformed("unsupported version %q", line[:8])
	}
	code := line[9:12]
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return nil, malformed("bad status code %q", code)
		}
	}
	if code[0] == '0' {
		return nil, malformed("bad status code %q", code)
	}
	status, _ := strconv.Atoi(code)
	head := &ResponseHead{Proto: line[:8], Status: status}
	if rest := line[12:]; rest != "" {
		if rest[0] != ' ' {
			return nil, malformed("bad status line %q", line)
		}
		head.Reason = rest[1:]
	}
	return head, nil
}

func malformed(format string, args ...any) error {
	return excess.NewError(excess.KindMalformedResponse, excess.PhaseReadHeader, fmt.Errorf(format, args...))
}
