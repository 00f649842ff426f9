// Package excess defines the shared types for talking to a container daemon
// over its HTTP control socket. Requests are raw HTTP/1.1; log and exec
// output arrives as a multiplexed stream of stdout/stderr frames.
package excess

// Channel identifies the logical stream a frame belongs to.
// The value is byte 0 of the 8-byte frame header.
type Channel byte

const (
	// Stdin frames appear in the wire format but carry no output.
	Stdin Channel = 0
	// Stdout is the process standard output.
	Stdout Channel = 1
	// Stderr is the process standard error.
	Stderr Channel = 2
)

func (c Channel) String() string {
	switch c {
	case Stdin:
		return "stdin"
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return "unknown"
	}
}

// Frame is one demultiplexed unit of output.
type Frame struct {
	// Channel is either Stdout or Stderr; stdin frames are never delivered.
	Channel Channel
	// Payload is the frame body with trailing CR/LF bytes removed.
	Payload []byte
}

// Sink receives decoded frames in wire order. The payload slice is only
// valid for the duration of the call.
type Sink func(ch Channel, payload []byte)

// Collect returns a Sink that appends a copy of every frame to frames.
func Collect(frames *[]Frame) Sink {
	return func(ch Channel, payload []byte) {
		*frames = append(*frames, Frame{Channel: ch, Payload: append([]byte(nil), payload...)})
	}
}
