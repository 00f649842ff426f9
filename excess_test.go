package excess

import "testing"

func TestChannelString(t *testing.T) {
	for ch, want := range map[Channel]string{Stdin: "stdin", Stdout: "stdout", Stderr: "stderr", 7: "unknown"} {
		if got := ch.String(); got != want {
			t.Errorf("Channel(%d): expected %s, got %s", ch, want, got)
		}
	}
}

func TestCollectCopiesPayload(t *testing.T) {
	var frames []Frame
	sink := Collect(&frames)
	buf := []byte("hello")
	sink(Stdout, buf)
	copy(buf, "XXXXX")
	sink(Stderr, buf[:2])

	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if string(frames[0].Payload) != "hello" || frames[0].Channel != Stdout {
		t.Errorf("first frame changed after reuse: %+v", frames[0])
	}
	if string(frames[1].Payload) != "XX" || frames[1].Channel != Stderr {
		t.Errorf("unexpected second frame %+v", frames[1])
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{16, "16 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{16 * 1024 * 1024, "16.0 MB"},
		{3 << 30, "3.0 GB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.n); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
