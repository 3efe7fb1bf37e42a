package process

import (
	"strings"
	"testing"
)

func TestTailBuffer_keeps_last_bytes(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("hello "))
	if b.Truncated() {
		t.Error("should not be truncated yet")
	}
	_, _ = b.Write([]byte("world"))

	if got := b.String(); got != "lo world" {
		t.Errorf("expected %q, got %q", "lo world", got)
	}
	if !b.Truncated() {
		t.Error("expected truncated after overflow")
	}
}

func TestTailBuffer_single_write_larger_than_limit(t *testing.T) {
	b := newTailBuffer(4)
	n, err := b.Write([]byte("abcdefgh"))
	if err != nil || n != 8 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	if got := b.String(); got != "efgh" {
		t.Errorf("expected efgh, got %q", got)
	}
}

func TestLastLines(t *testing.T) {
	out := "line1\nframe=1\rframe=2\r\n\nline3\n"

	got := LastLines(out, 2)
	if strings.Join(got, "|") != "frame=2|line3" {
		t.Errorf("unexpected lines %v", got)
	}

	all := LastLines(out, 0)
	if len(all) != 4 {
		t.Errorf("expected 4 lines, got %v", all)
	}

	if LastLines("", 3) != nil {
		t.Error("expected nil for empty output")
	}
}
