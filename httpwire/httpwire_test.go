package httpwire

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/Paranoid-AF/excess"
)

const pingResponse = "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nApi-Version: 1.41\r\n\r\nOK"

func TestEncodeGetHasZeroContentLength(t *testing.T) {
	raw, err := BuildRequest("GET", "/_ping", "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := "GET /_ping HTTP/1.1\r\nHost: localhost\r\nUser-Agent: " + UserAgent +
		"\r\nContent-Length: 0\r\n\r\n"
	if string(raw) != want {
		t.Errorf("unexpected request:\n%q\nwant\n%q", raw, want)
	}
}

func TestEncodeBodyDefaultsToJSON(t *testing.T) {
	body := []byte(`{"Cmd":["ls"]}`)
	raw, err := BuildRequest("POST", "/containers/abc/exec", "", nil, body)
	if err != nil {
		t.Fatal(err)
	}
	s := string(raw)
	if !strings.Contains(s, "Content-Type: application/json\r\n") {
		t.Error("missing default Content-Type")
	}
	if !strings.Contains(s, "Content-Length: 14\r\n") {
		t.Errorf("wrong Content-Length in %q", s)
	}
	if !strings.HasSuffix(s, "\r\n\r\n"+string(body)) {
		t.Error("body does not follow the blank line")
	}
}

func TestEncodeKeepsCallerHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "application/x-tar")
	h.Set("Connection", "Upgrade")
	h.Set("Upgrade", "tcp")
	h.Set("Content-Length", "999") // ignored
	raw, err := BuildRequest("POST", "/exec/e1/start", "docker.example:2376", h, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	s := string(raw)
	for _, want := range []string{
		"Host: docker.example:2376\r\n",
		"Connection: Upgrade\r\n",
		"Upgrade: tcp\r\n",
		"Content-Type: application/x-tar\r\n",
		"Content-Length: 1\r\n",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("missing %q in %q", want, s)
		}
	}
	if strings.Contains(s, "application/json") || strings.Contains(s, "999") {
		t.Errorf("encoder-owned header leaked: %q", s)
	}
}

func TestEncodeRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		header http.Header
	}{
		{"empty method", "", "/x", nil},
		{"space in method", "GE T", "/x", nil},
		{"relative path", "GET", "x", nil},
		{"crlf in path", "GET", "/x\r\nEvil: 1", nil},
		{"bad header name", "GET", "/x", http.Header{"Bad Name": {"v"}}},
		{"crlf in header value", "GET", "/x", http.Header{"X-A": {"a\r\nb"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildRequest(tt.method, tt.path, "", tt.header, nil)
			if !errors.Is(err, excess.ErrInvalidParam) {
				t.Errorf("expected ErrInvalidParam, got %v", err)
			}
		})
	}
}

func TestScanHeadParsesStatusAndHeaders(t *testing.T) {
	head, err := ScanHead([]byte(pingResponse))
	if err != nil {
		t.Fatal(err)
	}
	if head.Status != 200 || head.Reason != "OK" || head.Proto != "HTTP/1.1" {
		t.Errorf("status line: %+v", head)
	}
	if n, ok := head.ContentLength(); !ok || n != 2 {
		t.Errorf("ContentLength = %d, %v", n, ok)
	}
	if head.Header.Get("Api-Version") != "1.41" {
		t.Errorf("header lost: %v", head.Header)
	}
	if head.BodyOffset != len(pingResponse)-2 {
		t.Errorf("BodyOffset = %d", head.BodyOffset)
	}
}

func TestFeedEverySplitMatchesWhole(t *testing.T) {
	whole := []byte(pingResponse)
	ref, err := ScanHead(whole)
	if err != nil {
		t.Fatal(err)
	}
	for cut := 0; cut <= len(whole); cut++ {
		s := NewHeadScanner(0)
		head, body, err := s.Feed(whole[:cut])
		if err != nil {
			t.Fatalf("cut %d: %v", cut, err)
		}
		if head == nil {
			head, body, err = s.Feed(whole[cut:])
			if err != nil {
				t.Fatalf("cut %d second feed: %v", cut, err)
			}
		} else {
			if cut < ref.BodyOffset {
				t.Fatalf("cut %d: boundary reported before it was complete", cut)
			}
			body = append(body, whole[cut:]...)
		}
		if head == nil {
			t.Fatalf("cut %d: boundary not found", cut)
		}
		if head.BodyOffset != ref.BodyOffset || head.Status != ref.Status {
			t.Errorf("cut %d: got offset %d status %d", cut, head.BodyOffset, head.Status)
		}
		if string(body) != "OK" {
			t.Errorf("cut %d: body %q", cut, body)
		}
	}
}

func TestFeedByteByByte(t *testing.T) {
	whole := []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	s := NewHeadScanner(0)
	for i := range whole {
		head, body, err := s.Feed(whole[i : i+1])
		if err != nil {
			t.Fatal(err)
		}
		if i < len(whole)-1 {
			if head != nil {
				t.Fatalf("boundary found early at byte %d", i)
			}
			continue
		}
		if head == nil || head.BodyOffset != len(whole) || len(body) != 0 {
			t.Fatalf("final byte: head %+v body %q", head, body)
		}
	}
}

func TestFeedAfterDoneFails(t *testing.T) {
	s := NewHeadScanner(0)
	if _, _, err := s.Feed([]byte(pingResponse)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Feed([]byte("more")); err == nil {
		t.Error("expected error feeding a finished scanner")
	}
}

func TestHeadTooLarge(t *testing.T) {
	s := NewHeadScanner(64)
	long := "HTTP/1.1 200 OK\r\nX-Filler: " + strings.Repeat("a", 100)
	_, _, err := s.Feed([]byte(long))
	if !errors.Is(err, excess.ErrHeaderTooLarge) {
		t.Fatalf("expected ErrHeaderTooLarge, got %v", err)
	}

	// Boundary present but past the limit.
	_, _, err = NewHeadScanner(32).Feed([]byte(long + "\r\n\r\n"))
	if !errors.Is(err, excess.ErrHeaderTooLarge) {
		t.Fatalf("expected ErrHeaderTooLarge, got %v", err)
	}
}

func TestLargeBodyWithSmallHeadIsFine(t *testing.T) {
	body := bytes.Repeat([]byte("z"), 3*DefaultMaxHeadSize)
	raw := append([]byte("HTTP/1.1 200 OK\r\nContent-Length: 49152\r\n\r\n"), body...)
	head, rest, err := NewHeadScanner(0).Feed(raw)
	if err != nil {
		t.Fatal(err)
	}
	if head == nil || len(rest) != len(body) {
		t.Fatalf("head %v, body prefix %d bytes", head, len(rest))
	}
}

func TestParseHeadMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not http", "SSH-2.0-OpenSSH"},
		{"http2", "HTTP/2.0 200 OK"},
		{"short code", "HTTP/1.1 20 OK"},
		{"letters in code", "HTTP/1.1 2x0 OK"},
		{"no space after code", "HTTP/1.1 200OK"},
		{"header without colon", "HTTP/1.1 200 OK\r\nBroken"},
		{"folded header", "HTTP/1.1 200 OK\r\nA: b\r\n c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHead([]byte(tt.raw))
			if !errors.Is(err, excess.ErrMalformedResponse) {
				t.Errorf("expected ErrMalformedResponse, got %v", err)
			}
		})
	}
}

func TestHeadHelpers(t *testing.T) {
	head, err := ParseHead([]byte("HTTP/1.1 101 UPGRADED\r\n" +
		"Content-Type: application/vnd.docker.multiplexed-stream; charset=x\r\n" +
		"Connection: Upgrade, close\r\n" +
		"Transfer-Encoding: gzip, chunked"))
	if err != nil {
		t.Fatal(err)
	}
	if !head.Upgraded() || !head.Chunked() || !head.Close() {
		t.Errorf("helpers: upgraded=%v chunked=%v close=%v", head.Upgraded(), head.Chunked(), head.Close())
	}
	if head.ContentType() != "application/vnd.docker.multiplexed-stream" {
		t.Errorf("ContentType = %q", head.ContentType())
	}
	if _, ok := head.ContentLength(); ok {
		t.Error("ContentLength reported without header")
	}

	h10, _ := ParseHead([]byte("HTTP/1.0 200 OK"))
	if !h10.Close() {
		t.Error("HTTP/1.0 without keep-alive should close")
	}
}

func TestFindBoundary(t *testing.T) {
	if got := FindBoundary([]byte("a\r\n\r\nb")); got != 5 {
		t.Errorf("FindBoundary = %d, want 5", got)
	}
	if got := FindBoundary([]byte("a\r\n\r")); got != -1 {
		t.Errorf("FindBoundary = %d, want -1", got)
	}
}
