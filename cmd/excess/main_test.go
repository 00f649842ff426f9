package main

import (
	"bytes"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Paranoid-AF/excess"
	"github.com/Paranoid-AF/excess/internal/fakedaemon"
	"github.com/Paranoid-AF/excess/transport"
)

func runCLI(t *testing.T, srv *fakedaemon.Server, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("EXCESS_CONFIG_DIR", t.TempDir())
	t.Setenv("DOCKER_HOST", "")
	t.Setenv("EXCESS_SOCKET", "")
	globalFlags.Socket = ""
	globalFlags.Metrics = false
	t.Cleanup(func() { globalFlags.Socket = ""; globalFlags.Metrics = false })

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(append([]string{"--socket", srv.SocketPath()}, args...))
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestPingCommand(t *testing.T) {
	srv := fakedaemon.Start(t, fakedaemon.Reply(http.StatusOK, "text/plain", "OK"))
	out, _, err := runCLI(t, srv, "ping")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "OK" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestRawCommandReportsSize(t *testing.T) {
	srv := fakedaemon.Start(t, fakedaemon.Reply(http.StatusOK, "application/json", `{"Containers":3}`))
	out, errOut, err := runCLI(t, srv, "raw", "get", "/info")
	if err != nil {
		t.Fatal(err)
	}
	if out != `{"Containers":3}` {
		t.Errorf("body %q", out)
	}
	if !strings.Contains(errOut, "HTTP 200, 16 B") {
		t.Errorf("status line %q", errOut)
	}
	if got := srv.Requests()[0].Method; got != "GET" {
		t.Errorf("method %q", got)
	}
}

func TestWriteCommandValidatesBeforeSending(t *testing.T) {
	srv := fakedaemon.Start(t, fakedaemon.Route(nil))
	rootCmd.SetIn(strings.NewReader("a\x00b"))
	t.Cleanup(func() { rootCmd.SetIn(nil) })
	_, _, err := runCLI(t, srv, "write", "c1", "/tmp/f")
	if excess.KindOf(err) != excess.KindInvalidParam {
		t.Errorf("expected invalid parameter, got %v", err)
	}
	if len(srv.Requests()) != 0 {
		t.Errorf("daemon saw %d requests", len(srv.Requests()))
	}
}

func TestResolveCommandNotFound(t *testing.T) {
	srv := fakedaemon.Start(t, fakedaemon.Route(nil))
	_, _, err := runCLI(t, srv, "resolve", "ghost")
	if err == nil || excess.KindOf(err) != excess.KindNotFound {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestOutputSink(t *testing.T) {
	var stdout, stderr bytes.Buffer
	o := &output{stdout: &stdout, stderr: &stderr}
	o.Sink(excess.Stdout, []byte("one"))
	o.Sink(excess.Stderr, []byte("two"))
	o.Sink(excess.Stdout, []byte("three"))
	if stdout.String() != "one\nthree\n" || stderr.String() != "two\n" {
		t.Errorf("stdout %q stderr %q", stdout.String(), stderr.String())
	}

	stderr.Reset()
	o.color = true
	o.Sink(excess.Stderr, []byte("red"))
	if stderr.String() != colorRed+"red"+colorReset+"\n" {
		t.Errorf("coloured stderr %q", stderr.String())
	}
}

func TestExitError(t *testing.T) {
	if exitError(3).Error() != "exit status 3" {
		t.Errorf("Error() = %q", exitError(3).Error())
	}
}

func TestDumpMetricsTextFormat(t *testing.T) {
	m := transport.NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatal(err)
	}
	registry = reg
	t.Cleanup(func() { registry = nil })

	m.ObserveRequest("GET")
	m.ObserveDuration(time.Now().Add(-20 * time.Millisecond))

	var out bytes.Buffer
	dumpMetrics(&out)
	text := out.String()
	for _, want := range []string{
		"# TYPE excess_requests_total counter",
		`excess_requests_total{method="GET"} 1`,
		"# TYPE excess_request_duration_seconds histogram",
		`excess_request_duration_seconds_bucket{le="+Inf"} 1`,
		"excess_request_duration_seconds_count 1",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in:\n%s", want, text)
		}
	}
}
