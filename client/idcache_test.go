package client

import (
	"testing"
	"time"
)

func TestIDCacheMiss(t *testing.T) {
	ic := NewIDCache(time.Minute)
	defer ic.Close()

	if got := ic.Get("web"); got != "" {
		t.Errorf("expected miss, got %q", got)
	}
}

func TestIDCacheSetMapsBothKeys(t *testing.T) {
	ic := NewIDCache(time.Minute)
	defer ic.Close()

	ic.Set("web", "abc123")
	if got := ic.Get("web"); got != "abc123" {
		t.Errorf("name lookup = %q", got)
	}
	if got := ic.Get("abc123"); got != "abc123" {
		t.Errorf("id lookup = %q", got)
	}
	if ic.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", ic.Len())
	}

	ic.Forget("web")
	if got := ic.Get("web"); got != "" {
		t.Errorf("expected miss after Forget, got %q", got)
	}
}

func TestIDCacheExpires(t *testing.T) {
	ic := NewIDCache(time.Millisecond)
	defer ic.Close()

	ic.Set("web", "abc123")
	time.Sleep(10 * time.Millisecond)
	if got := ic.Get("web"); got != "" {
		t.Errorf("expected expired entry, got %q", got)
	}
}
