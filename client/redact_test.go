package client

import (
	"reflect"
	"strings"
	"testing"
)

func TestRedactCommand(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple var", "echo $SECRET", "echo $REDACTED"},
		{"braced var", "echo ${SECRET}", "echo ${REDACTED}"},
		{"safe var", "cd $HOME", "cd $HOME"},
		{"special param", "echo $?", "echo $?"},
		{"assignment", "TOKEN=hunter2 curl localhost", "TOKEN=*** curl localhost"},
		{"safe assignment", "PATH=/usr/bin ls", "PATH=/usr/bin ls"},
		{"no vars", "ls -la", "ls -la"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RedactCommand(tt.input); got != tt.want {
				t.Errorf("RedactCommand(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRedactCommandUnparseableFallsBack(t *testing.T) {
	got := RedactCommand(`echo "$API_KEY`)
	if strings.Contains(got, "API_KEY") {
		t.Errorf("secret name survived fallback: %q", got)
	}
}

func TestRedactArgv(t *testing.T) {
	got := RedactArgv([]string{"/bin/sh", "-c", "curl -H $AUTH localhost"})
	if !strings.HasPrefix(got, "/bin/sh -c ") {
		t.Errorf("argv prefix changed: %q", got)
	}
	if strings.Contains(got, "$AUTH") || !strings.Contains(got, "$REDACTED") {
		t.Errorf("script not redacted: %q", got)
	}

	// Script arguments are shown by size only; $0 stays.
	got = RedactArgv([]string{"/bin/sh", "-c", `printf '%s' "$1"`, "sh", "token=abc123"})
	if !strings.HasSuffix(got, " sh <12 bytes>") || strings.Contains(got, "abc123") {
		t.Errorf("script arguments not masked: %q", got)
	}

	// Outside a shell script, $ is literal text.
	plain := RedactArgv([]string{"cat", "--", "/etc/hosts"})
	if plain != "cat -- /etc/hosts" {
		t.Errorf("RedactArgv = %q", plain)
	}
}

func TestRedactEnv(t *testing.T) {
	got := RedactEnv([]string{"PATH=/usr/bin", "DB_PASSWORD=secret", "FLAG"})
	want := []string{"PATH=/usr/bin", "DB_PASSWORD=***", "FLAG"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RedactEnv = %v, want %v", got, want)
	}
}
