package main

import (
	"io"
	"os"

	"golang.org/x/term"

	"github.com/Paranoid-AF/excess"
)

const (
	colorRed   = "\x1b[31m"
	colorReset = "\x1b[0m"
)

// output writes demultiplexed frames, one line per frame. Stderr frames
// are coloured when stderr is a terminal.
type output struct {
	stdout, stderr io.Writer
	color          bool
}

func newOutput(stdout, stderr *os.File) *output {
	return &output{
		stdout: stdout,
		stderr: stderr,
		color:  term.IsTerminal(int(stderr.Fd())),
	}
}

// Sink implements excess.Sink.
func (o *output) Sink(ch excess.Channel, payload []byte) {
	if ch == excess.Stderr {
		if o.color {
			io.WriteString(o.stderr, colorRed)
			o.stderr.Write(payload)
			io.WriteString(o.stderr, colorReset+"\n")
			return
		}
		o.stderr.Write(payload)
		io.WriteString(o.stderr, "\n")
		return
	}
	o.stdout.Write(payload)
	io.WriteString(o.stdout, "\n")
}
