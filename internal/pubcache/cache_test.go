package pubcache

import "testing"

type recordingPublisher struct {
	publishes []struct {
		topic, value string
		retain       bool
	}
}

func (r *recordingPublisher) Publish(topic, value string, retain bool) {
	r.publishes = append(r.publishes, struct {
		topic, value string
		retain       bool
	}{topic, value, retain})
}

func TestPublishIfChangedDeduplicates(t *testing.T) {
	pub := &recordingPublisher{}
	c := New(pub)

	c.PublishIfChanged("rssi", "-89", true, true)
	c.PublishIfChanged("rssi", "-89", true, true)
	c.PublishIfChanged("rssi", "-89", true, true)

	if len(pub.publishes) != 1 {
		t.Fatalf("expected exactly 1 publish for repeated identical values, got %d", len(pub.publishes))
	}
}

func TestPublishIfChangedPublishesOnChange(t *testing.T) {
	pub := &recordingPublisher{}
	c := New(pub)

	c.PublishIfChanged("reg", "none", true, true)
	c.PublishIfChanged("reg", "roaming", true, true)

	if len(pub.publishes) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(pub.publishes))
	}
	if pub.publishes[1].value != "roaming" {
		t.Fatalf("unexpected second publish: %+v", pub.publishes[1])
	}
}

func TestClearPublishesEmptyAbsent(t *testing.T) {
	pub := &recordingPublisher{}
	c := New(pub)
	c.PublishIfChanged("iccid", "12345", true, true)
	c.Clear("iccid", true)

	if len(pub.publishes) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(pub.publishes))
	}
	last := pub.publishes[1]
	if last.value != "" || !last.retain {
		t.Fatalf("unexpected clear publish: %+v", last)
	}
	_, present := c.Get("iccid")
	if present {
		t.Fatalf("expected iccid to be absent after Clear")
	}
}

func TestOnChangeHookFiresOnChangeOnly(t *testing.T) {
	pub := &recordingPublisher{}
	c := New(pub)
	calls := 0
	c.OnChange("brand", func(old, new string, present bool) { calls++ })

	c.PublishIfChanged("brand", "SIMCOM", true, true)
	c.PublishIfChanged("brand", "SIMCOM", true, true)
	c.PublishIfChanged("brand", "QUECTEL", true, true)

	if calls != 2 {
		t.Fatalf("expected hook to fire twice (initial set + change), got %d", calls)
	}
}
