package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Paranoid-AF/excess"
)

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.Do(ctx, http.MethodGet, "/_ping", nil)
	if err != nil {
		return err
	}
	return resp.Err()
}

// VersionInfo is the subset of GET /version the client reports.
type VersionInfo struct {
	Version       string `json:"Version"`
	APIVersion    string `json:"ApiVersion"`
	MinAPIVersion string `json:"MinAPIVersion"`
	GitCommit     string `json:"GitCommit"`
	GoVersion     string `json:"GoVersion"`
	Os            string `json:"Os"`
	Arch          string `json:"Arch"`
	KernelVersion string `json:"KernelVersion"`
}

// Version returns the daemon version.
func (c *Client) Version(ctx context.Context) (*VersionInfo, error) {
	var v VersionInfo
	if err := c.getJSON(ctx, "/version", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	return resp.Decode(v)
}

// LogsOptions selects which log output to stream.
type LogsOptions struct {
	Follow     bool
	Timestamps bool
	// Tail is a line count or "all" (the default).
	Tail string
}

// Logs streams a container's stdout and stderr to sink.
func (c *Client) Logs(ctx context.Context, id string, opts LogsOptions, sink excess.Sink) (*Session, error) {
	if id == "" {
		return nil, invalidParam("empty container id")
	}
	tail := opts.Tail
	if tail == "" {
		tail = "all"
	}
	q := url.Values{}
	q.Set("stdout", "true")
	q.Set("stderr", "true")
	q.Set("follow", strconv.FormatBool(opts.Follow))
	q.Set("timestamps", strconv.FormatBool(opts.Timestamps))
	q.Set("tail", tail)
	path := "/containers/" + url.PathEscape(id) + "/logs?" + q.Encode()
	return c.Stream(ctx, http.MethodGet, path, nil, sink)
}

// ExecConfig is the body of an exec create request.
type ExecConfig struct {
	Cmd          []string `json:"Cmd"`
	Env          []string `json:"Env,omitempty"`
	WorkingDir   string   `json:"WorkingDir,omitempty"`
	User         string   `json:"User,omitempty"`
	AttachStdin  bool     `json:"AttachStdin"`
	AttachStdout bool     `json:"AttachStdout"`
	AttachStderr bool     `json:"AttachStderr"`
	Tty          bool     `json:"Tty"`
}

type idResponse struct {
	ID string `json:"Id"`
}

// ExecCreate prepares cfg.Cmd in container id and returns the exec ID.
func (c *Client) ExecCreate(ctx context.Context, id string, cfg ExecConfig) (string, error) {
	if id == "" || len(cfg.Cmd) == 0 {
		return "", invalidParam("exec needs a container id and a command")
	}
	c.logger.Debug("exec create", "container", id, "cmd", RedactArgv(cfg.Cmd), "env", RedactEnv(cfg.Env))
	resp, err := c.Do(ctx, http.MethodPost, "/containers/"+url.PathEscape(id)+"/exec", cfg)
	if err != nil {
		return "", err
	}
	if err := resp.Err(); err != nil {
		return "", err
	}
	var out idResponse
	if err := resp.Decode(&out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &excess.Error{Kind: excess.KindMalformedResponse, Phase: excess.PhaseDecode, Op: resp.op, Err: errors.New("no exec id in response")}
	}
	return out.ID, nil
}

// ExecStart attaches to execID. The session ID is the exec ID.
func (c *Client) ExecStart(ctx context.Context, execID string, sink excess.Sink) (*Session, error) {
	if execID == "" {
		return nil, invalidParam("empty exec id")
	}
	h := http.Header{}
	h.Set("Connection", "Upgrade")
	h.Set("Upgrade", "tcp")
	body := map[string]bool{"Detach": false, "Tty": false}
	return c.Stream(ctx, http.MethodPost, "/exec/"+url.PathEscape(execID)+"/start", body, sink,
		WithSessionID(execID), WithHeader(h))
}

// ExecState is the subset of exec inspect the client uses.
type ExecState struct {
	ID       string `json:"ID"`
	Running  bool   `json:"Running"`
	ExitCode int    `json:"ExitCode"`
	Pid      int    `json:"Pid"`
}

// ExecInspect reports whether execID is running and its exit code.
func (c *Client) ExecInspect(ctx context.Context, execID string) (*ExecState, error) {
	if execID == "" {
		return nil, invalidParam("empty exec id")
	}
	var st ExecState
	if err := c.getJSON(ctx, "/exec/"+url.PathEscape(execID)+"/json", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Exec runs cmd in container id, streams its output to sink and returns
// the exit code. If ctx is cancelled the error matches
// excess.ErrCancelled and the exit code is -1.
func (c *Client) Exec(ctx context.Context, id string, cmd []string, sink excess.Sink) (int, error) {
	execID, err := c.ExecCreate(ctx, id, ExecConfig{Cmd: cmd, AttachStdout: true, AttachStderr: true})
	if err != nil {
		return -1, err
	}
	s, err := c.ExecStart(ctx, execID, sink)
	if err != nil {
		return -1, err
	}
	if err := s.Wait(); err != nil {
		return -1, err
	}
	if s.State() == Cancelled {
		return -1, s.Err()
	}
	st, err := c.ExecInspect(ctx, execID)
	if err != nil {
		return -1, err
	}
	return st.ExitCode, nil
}

// ExecResult is the captured output of ExecShell.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExecShell runs command with /bin/sh -c and captures stdout and stderr
// separately. Each frame is one line of the result.
func (c *Client) ExecShell(ctx context.Context, id, command string) (*ExecResult, error) {
	var stdout, stderr strings.Builder
	code, err := c.Exec(ctx, id, []string{"/bin/sh", "-c", command}, func(ch excess.Channel, p []byte) {
		w := &stdout
		if ch == excess.Stderr {
			w = &stderr
		}
		w.Write(p)
		w.WriteByte('\n')
	})
	if err != nil {
		return nil, err
	}
	return &ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: code}, nil
}

// ReadFile returns the contents of path inside container id, read with
// cat. Line endings follow frame boundaries, so it suits text files.
func (c *Client) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	if path == "" {
		return nil, invalidParam("empty path")
	}
	var out, errOut strings.Builder
	code, err := c.Exec(ctx, id, []string{"cat", "--", path}, func(ch excess.Channel, p []byte) {
		if ch == excess.Stderr {
			errOut.Write(p)
			return
		}
		out.Write(p)
		out.WriteByte('\n')
	})
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fileError("read", path, code, errOut.String())
	}
	return []byte(out.String()), nil
}

// maxWriteFileBytes keeps the content within the kernel's limit on a
// single argument (MAX_ARG_STRLEN on Linux).
const maxWriteFileBytes = 128*1024 - 1

// WriteFile replaces path inside container id with data. The content
// travels as an argument to printf, so it must not contain NUL bytes and
// is limited to just under 128 KiB.
func (c *Client) WriteFile(ctx context.Context, id, path string, data []byte) error {
	if path == "" {
		return invalidParam("empty path")
	}
	if len(data) > maxWriteFileBytes {
		return invalidParam(fmt.Sprintf("%s of content exceeds the %s limit",
			excess.FormatBytes(int64(len(data))), excess.FormatBytes(maxWriteFileBytes)))
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return invalidParam("content contains a NUL byte")
	}
	cmd := []string{"/bin/sh", "-c", `printf '%s' "$1" > "$2"`, "sh", string(data), path}
	var errOut strings.Builder
	code, err := c.Exec(ctx, id, cmd, func(ch excess.Channel, p []byte) {
		if ch == excess.Stderr {
			errOut.Write(p)
			errOut.WriteByte('\n')
		}
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return fileError("write", path, code, errOut.String())
	}
	return nil
}

func fileError(verb, path string, code int, stderr string) error {
	kind := excess.KindInternal
	if strings.Contains(stderr, "No such file") || strings.Contains(stderr, "nonexistent directory") {
		kind = excess.KindNotFound
	}
	return &excess.Error{Kind: kind, Op: verb + " " + path, Message: strings.TrimSpace(stderr),
		Err: fmt.Errorf("exited with %d", code)}
}

type waitResponse struct {
	StatusCode int `json:"StatusCode"`
	Error      *struct {
		Message string `json:"Message"`
	} `json:"Error"`
}

// Wait blocks until container id stops and returns its exit status. It
// is bounded by ctx only, not the configured call timeout.
func (c *Client) Wait(ctx context.Context, id string) (int, error) {
	if id == "" {
		return -1, invalidParam("empty container id")
	}
	resp, err := c.do(ctx, http.MethodPost, "/containers/"+url.PathEscape(id)+"/wait", nil, nil, false)
	if err != nil {
		return -1, err
	}
	if err := resp.Err(); err != nil {
		return -1, err
	}
	var out waitResponse
	if err := resp.Decode(&out); err != nil {
		return -1, err
	}
	if out.Error != nil && out.Error.Message != "" {
		return out.StatusCode, &excess.Error{Kind: excess.KindHTTPStatus, Op: resp.op, Status: resp.Status, Message: out.Error.Message}
	}
	return out.StatusCode, nil
}

// Raw sends body to endpoint and returns the status and body unchanged.
func (c *Client) Raw(ctx context.Context, method, endpoint string, body []byte) (int, []byte, error) {
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	resp, err := c.Do(ctx, method, endpoint, body)
	if err != nil {
		return 0, nil, err
	}
	return resp.Status, resp.Body, nil
}

// ResolveContainerID returns the full ID for a container name or ID
// prefix. Results are cached for the configured TTL.
func (c *Client) ResolveContainerID(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimPrefix(ref, "/")
	if ref == "" {
		return "", invalidParam("empty container reference")
	}
	if id := c.ids.Get(ref); id != "" {
		return id, nil
	}
	var out idResponse
	if err := c.getJSON(ctx, "/containers/"+url.PathEscape(ref)+"/json", &out); err != nil {
		if errors.Is(err, excess.ErrNotFound) {
			c.ids.Forget(ref)
		}
		return "", err
	}
	if out.ID == "" {
		return "", &excess.Error{Kind: excess.KindMalformedResponse, Phase: excess.PhaseDecode, Err: errors.New("no Id in container inspect")}
	}
	c.ids.Set(ref, out.ID)
	return out.ID, nil
}

func invalidParam(msg string) error {
	return &excess.Error{Kind: excess.KindInvalidParam, Err: errors.New(msg)}
}
