package wpastate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kurt-vd/wifitomqtt/internal/cmdqueue"
	"github.com/kurt-vd/wifitomqtt/internal/pubcache"
	"github.com/kurt-vd/wifitomqtt/internal/timer"
)

type publish struct {
	topic  string
	value  string
	retain bool
}

type fakePublisher struct {
	publishes []publish
}

func (f *fakePublisher) Publish(topic, value string, retain bool) {
	f.publishes = append(f.publishes, publish{topic, value, retain})
}

func findPublish(pubs []publish, topic string) (publish, bool) {
	for i := len(pubs) - 1; i >= 0; i-- {
		if pubs[i].topic == topic {
			return pubs[i], true
		}
	}
	return publish{}, false
}

type fakeDispatcher struct {
	enqueued []string
	schedule []timer.Key
}

func (d *fakeDispatcher) Enqueue(text string, class cmdqueue.Class) {
	d.enqueued = append(d.enqueued, text)
}

func (d *fakeDispatcher) EnqueueUnique(text string, class cmdqueue.Class) {
	d.enqueued = append(d.enqueued, text)
}

func (d *fakeDispatcher) Schedule(cause timer.Cause, tag string, delay time.Duration) {
	d.schedule = append(d.schedule, timer.Key{Cause: cause, Tag: tag})
}

func (d *fakeDispatcher) Cancel(cause timer.Cause, tag string) {}

func newTestState(opts Options) (*State, *fakePublisher, *fakeDispatcher) {
	pub := &fakePublisher{}
	cache := pubcache.New(pub)
	disp := &fakeDispatcher{}
	return New(cache, disp, opts), pub, disp
}

// S3 (Wi-Fi BSS add/remove).
func TestS3BSSAddRemove(t *testing.T) {
	s, pub, _ := newTestState(Options{})

	s.HandleURC("CTRL-EVENT-BSS-ADDED 7 00:11:22:33:44:55")
	s.HandleResponse("BSS 00:11:22:33:44:55", []string{
		"bssid=00:11:22:33:44:55",
		"freq=2437",
		"level=-55",
		"ssid=home",
		"flags=[WPA2-PSK-CCMP][ESS]",
	})

	ssidPub, ok := findPublish(pub.publishes, "bss/00:11:22:33:44:55/ssid")
	assert.True(t, ok)
	assert.Equal(t, "home", ssidPub.value)

	freqPub, ok := findPublish(pub.publishes, "bss/00:11:22:33:44:55/freq")
	assert.True(t, ok)
	assert.Equal(t, "2.437G", freqPub.value)

	levelPub, ok := findPublish(pub.publishes, "bss/00:11:22:33:44:55/level")
	assert.True(t, ok)
	assert.Equal(t, "-55", levelPub.value)

	flagsPub, ok := findPublish(pub.publishes, "bss/00:11:22:33:44:55/flags")
	assert.True(t, ok)
	assert.Equal(t, "w----", flagsPub.value)

	s.HandleURC("CTRL-EVENT-BSS-REMOVED 7 00:11:22:33:44:55")

	for _, topic := range []string{"ssid", "freq", "level", "flags"} {
		p, ok := findPublish(pub.publishes, "bss/00:11:22:33:44:55/"+topic)
		assert.True(t, ok)
		assert.Equal(t, "", p.value)
	}
}

// S4 (New network buffered add).
func TestS4BufferedNetworkAdd(t *testing.T) {
	s, _, disp := newTestState(Options{})

	s.HandlePublish("ssid/psk", []string{"home", `"hunter2"`})
	assert.Contains(t, disp.enqueued, "ADD_NETWORK")

	n := s.networks.findPendingBySSID("home")
	assert.NotNil(t, n)
	assert.Equal(t, []KV{{Key: "psk", Value: `"hunter2"`}}, n.Pending)

	disp.enqueued = nil
	s.HandleResponse("ADD_NETWORK", []string{"0"})

	assert.Equal(t, []string{
		`SET_NETWORK 0 ssid "home"`,
		`SET_NETWORK 0 psk "hunter2"`,
		"ENABLE_NETWORK 0",
	}, disp.enqueued)

	// SAVE_CONFIG is deferred until the in-flight mutating commands
	// drain; simulate their responses arriving in order.
	s.HandleResponse(`SET_NETWORK 0 ssid "home"`, []string{"OK"})
	s.HandleResponse(`SET_NETWORK 0 psk "hunter2"`, []string{"OK"})
	disp.enqueued = nil
	s.HandleResponse("ENABLE_NETWORK 0", []string{"OK"})

	assert.Equal(t, []string{"SAVE_CONFIG"}, disp.enqueued)
}

func TestWifistateOffWhenAllDisabled(t *testing.T) {
	s, _, _ := newTestState(Options{})
	s.networks.byID[0] = &Network{ID: 0, SSID: "home", Enabled: false, Mode: 0}
	s.publishWifistate()
	v, present := s.cache.Get("wifistate")
	assert.True(t, present)
	assert.Equal(t, "off", v)
}

func TestSSIDRemoveAbsentIsNoop(t *testing.T) {
	s, _, disp := newTestState(Options{})
	s.handleRemove("ghost")
	assert.Empty(t, disp.enqueued)
}

func TestPSKHashingAppliedWhenEnabled(t *testing.T) {
	s, _, disp := newTestState(Options{HashPSK: true})
	s.HandlePublish("ssid/psk", []string{"home", `"hunter2"`})
	s.HandleResponse("ADD_NETWORK", []string{"0"})

	want := `SET_NETWORK 0 psk "` + HashPSK("home", "hunter2") + `"`
	assert.Contains(t, disp.enqueued, want)
}
