package client

import (
	"strings"
	"testing"
)

func TestTailBufferKeepsLastBytes(t *testing.T) {
	t.Parallel()

	buf := newTailBuffer(8)
	_, _ = buf.Write([]byte("abcd"))
	if got := buf.String(); got != "abcd" {
		t.Fatalf("tail = %q, want abcd", got)
	}

	_, _ = buf.Write([]byte("efghij"))
	got := buf.String()
	if !strings.HasPrefix(got, truncatedMarker) {
		t.Fatalf("tail = %q, want truncation marker", got)
	}
	if strings.TrimPrefix(got, truncatedMarker) != "cdefghij" {
		t.Fatalf("tail body = %q, want cdefghij", strings.TrimPrefix(got, truncatedMarker))
	}
}

func TestTailBufferOversizedWrite(t *testing.T) {
	t.Parallel()

	buf := newTailBuffer(4)
	n, err := buf.Write([]byte("0123456789"))
	if err != nil || n != 10 {
		t.Fatalf("write = (%d, %v), want (10, nil)", n, err)
	}
	if body := strings.TrimPrefix(buf.String(), truncatedMarker); body != "6789" {
		t.Fatalf("tail body = %q, want 6789", body)
	}
}
