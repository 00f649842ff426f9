package buffer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Paranoid-AF/excess"
)

func TestAppendConcatenates(t *testing.T) {
	var b Buffer
	var want []byte
	for _, chunk := range []string{"hello", " ", "world", "", "!"} {
		if err := b.Append([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
		want = append(want, chunk...)
		if b.Cap() < b.Len() {
			t.Fatalf("cap %d < len %d", b.Cap(), b.Len())
		}
	}
	if !bytes.Equal(b.Bytes(), want) {
		t.Errorf("expected %q, got %q", want, b.Bytes())
	}
}

func TestFirstGrowthUsesMinCapacity(t *testing.T) {
	var b Buffer
	if err := b.Append([]byte("x")); err != nil {
		t.Fatal(err)
	}
	if b.Cap() != MinCapacity {
		t.Errorf("expected cap %d, got %d", MinCapacity, b.Cap())
	}
}

func TestAppendDoublesMoreThanOnce(t *testing.T) {
	var b Buffer
	b.Append([]byte("seed"))

	// 5x the current capacity needs three doublings in one call.
	big := bytes.Repeat([]byte{'a'}, 5*MinCapacity)
	if err := b.Append(big); err != nil {
		t.Fatal(err)
	}
	if b.Len() != 4+len(big) {
		t.Fatalf("expected len %d, got %d", 4+len(big), b.Len())
	}
	if b.Cap() != 8*MinCapacity {
		t.Errorf("expected cap %d, got %d", 8*MinCapacity, b.Cap())
	}
	if !bytes.HasPrefix(b.Bytes(), []byte("seed")) {
		t.Error("prefix lost during growth")
	}
}

func TestManyAppendsAcrossGrowthSteps(t *testing.T) {
	var b Buffer
	var want []byte
	chunk := bytes.Repeat([]byte("0123456789"), 700)
	for i := 0; i < 20; i++ {
		if err := b.Append(chunk); err != nil {
			t.Fatal(err)
		}
		want = append(want, chunk...)
		if b.Cap() < len(want) {
			t.Fatalf("iteration %d: cap %d < %d", i, b.Cap(), len(want))
		}
	}
	if !bytes.Equal(b.Bytes(), want) {
		t.Error("content differs from concatenation")
	}
}

func TestAppendOverMaxFailsAndKeepsContent(t *testing.T) {
	b := New(10)
	if err := b.Append([]byte("0123456")); err != nil {
		t.Fatal(err)
	}
	err := b.Append([]byte("7890"))
	if !errors.Is(err, excess.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if b.String() != "0123456" {
		t.Errorf("content changed after failed append: %q", b.String())
	}
	// Exactly reaching the limit is allowed.
	if err := b.Append([]byte("789")); err != nil {
		t.Fatalf("append to exact limit failed: %v", err)
	}
	if b.Cap() > 10 {
		t.Errorf("cap %d exceeds max 10", b.Cap())
	}
}

func TestWriteReportsCapacityError(t *testing.T) {
	b := New(4)
	n, err := b.Write([]byte("hello"))
	if n != 0 || err == nil {
		t.Errorf("expected (0, error), got (%d, %v)", n, err)
	}
}

func TestTruncateKeepsStorageResetReleases(t *testing.T) {
	var b Buffer
	b.Append([]byte("abc"))
	b.Truncate()
	if b.Len() != 0 || b.Cap() != MinCapacity {
		t.Errorf("after Truncate: len %d cap %d", b.Len(), b.Cap())
	}
	b.Reset()
	if b.Len() != 0 || b.Cap() != 0 {
		t.Errorf("after Reset: len %d cap %d", b.Len(), b.Cap())
	}
	if err := b.Append([]byte("again")); err != nil || b.String() != "again" {
		t.Errorf("buffer not reusable after Reset: %q %v", b.String(), err)
	}
}
