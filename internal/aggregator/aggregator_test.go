package aggregator

import "testing"

func TestATFeedAccumulatesUntilTerminator(t *testing.T) {
	var a AT
	if ev := a.Feed("+CSQ: 12,3"); ev != nil {
		t.Fatalf("expected nil event mid-group, got %+v", ev)
	}
	ev := a.Feed("OK")
	if ev == nil || ev.Group == nil {
		t.Fatalf("expected a closed group")
	}
	if len(ev.Group.Lines) != 1 || ev.Group.Lines[0] != "+CSQ: 12,3" {
		t.Fatalf("unexpected group lines: %v", ev.Group.Lines)
	}
	if ev.Group.Terminator != "OK" {
		t.Fatalf("unexpected terminator: %q", ev.Group.Terminator)
	}
}

func TestATFeedURCDoesNotTouchGroup(t *testing.T) {
	var a AT
	a.Feed("+CSQ: 12,3")
	ev := a.Feed("+CREG: 1,5")
	if ev == nil || ev.URC != "+CREG: 1,5" {
		t.Fatalf("expected a URC event, got %+v", ev)
	}
	ev = a.Feed("OK")
	if ev == nil || ev.Group == nil || len(ev.Group.Lines) != 1 {
		t.Fatalf("URC must not have joined the in-progress group: %+v", ev)
	}
}

func TestATFeedCMEErrorIsTerminatorNotURC(t *testing.T) {
	var a AT
	ev := a.Feed("+CME ERROR: 10")
	if ev == nil || ev.Group == nil {
		t.Fatalf("expected +CME ERROR to close the group, got %+v", ev)
	}
	if ev.Group.Terminator != "+CME ERROR: 10" {
		t.Fatalf("unexpected terminator: %q", ev.Group.Terminator)
	}
}

func TestATFeedNoCarrierIsURCTerminator(t *testing.T) {
	var a AT
	a.Feed("+CGMI: foo")
	ev := a.Feed("NO CARRIER")
	if ev == nil || ev.Group == nil || ev.Group.Terminator != "NO CARRIER" {
		t.Fatalf("expected NO CARRIER to terminate group: %+v", ev)
	}
}

func TestATFeedTruncatesOversizedGroup(t *testing.T) {
	var a AT
	for i := 0; i < MaxGroupLines+10; i++ {
		a.Feed("+COPN: 1,\"x\"")
	}
	ev := a.Feed("OK")
	if ev == nil || ev.Group == nil {
		t.Fatalf("expected closed group")
	}
	if ev.Group.Lines[len(ev.Group.Lines)-1] != "..." {
		t.Fatalf("expected truncation marker, got %v", ev.Group.Lines)
	}
	if len(ev.Group.Lines) != MaxGroupLines {
		t.Fatalf("expected %d lines after truncation, got %d", MaxGroupLines, len(ev.Group.Lines))
	}
}

func TestWPAFeedPriorityIsURC(t *testing.T) {
	var w WPA
	ev := w.Feed(3, []string{"CTRL-EVENT-BSS-ADDED 7 00:11:22:33:44:55"})
	if ev == nil || ev.URC == "" {
		t.Fatalf("expected a URC event, got %+v", ev)
	}
}

func TestWPAFeedNoPriorityIsResponse(t *testing.T) {
	var w WPA
	ev := w.Feed(-1, []string{"OK"})
	if ev == nil || ev.Group == nil {
		t.Fatalf("expected a response group, got %+v", ev)
	}
}
