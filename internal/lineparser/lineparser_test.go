package lineparser

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestATFeedSplitsAndTrimsCR(t *testing.T) {
	var a AT
	lines, err := a.Feed([]byte("\r\n+CSQ: 12,3\r\n\r\nOK\r\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"+CSQ: 12,3", "OK"}
	if len(lines) != len(want) {
		t.Fatalf("got %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("got %v, want %v", lines, want)
		}
	}
}

func TestATFeedBuffersPartialTrailingData(t *testing.T) {
	var a AT
	lines, err := a.Feed([]byte("OK\r\nAT+CS"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines) != 1 || lines[0] != "OK" {
		t.Fatalf("got %v", lines)
	}
	lines, err = a.Feed([]byte("Q\r\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines) != 1 || lines[0] != "AT+CSQ" {
		t.Fatalf("got %v", lines)
	}
}

func TestATFeedOverflowIsFatal(t *testing.T) {
	var a AT
	huge := bytes.Repeat([]byte("x"), MaxLineSize+1)
	_, err := a.Feed(huge)
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestATFeedOverflowAtExactBoundary(t *testing.T) {
	var a AT
	huge := bytes.Repeat([]byte("x"), MaxLineSize)
	_, err := a.Feed(huge)
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow at exactly MaxLineSize with no terminator, got %v", err)
	}
}

func TestWPASplitMultiLinePayload(t *testing.T) {
	var w WPA
	datagram := []byte("network id / ssid / bssid / flags\n0\thome\tany\t[CURRENT]\n")
	lines := w.Split(datagram)
	if len(lines) != 2 {
		t.Fatalf("got %v", lines)
	}
	if !strings.HasPrefix(lines[1], "0\thome") {
		t.Fatalf("unexpected second line: %q", lines[1])
	}
}
