package atstate

import (
	"testing"
	"time"

	"github.com/kurt-vd/wifitomqtt/internal/cmdqueue"
	"github.com/kurt-vd/wifitomqtt/internal/pubcache"
	"github.com/kurt-vd/wifitomqtt/internal/timer"
)

type recordedPublish struct {
	topic, value string
	present      bool
}

type fakePublisher struct {
	publishes []recordedPublish
	cache     *pubcache.Cache
}

func (f *fakePublisher) Publish(topic, value string, retain bool) {
	f.publishes = append(f.publishes, recordedPublish{topic, value, retain})
}

type fakeDispatcher struct {
	enqueued  []string
	scheduled []timer.Cause
}

func (f *fakeDispatcher) Enqueue(text string, class cmdqueue.Class)       { f.enqueued = append(f.enqueued, text) }
func (f *fakeDispatcher) EnqueueUnique(text string, class cmdqueue.Class) { f.enqueued = append(f.enqueued, text) }
func (f *fakeDispatcher) Schedule(cause timer.Cause, tag string, delay time.Duration) {
	f.scheduled = append(f.scheduled, cause)
}
func (f *fakeDispatcher) Cancel(cause timer.Cause, tag string) {}

func newTestState() (*State, *fakePublisher) {
	return newTestStateWithOptions(Options{})
}

func newTestStateWithOptions(opts Options) (*State, *fakePublisher) {
	pub := &fakePublisher{}
	cache := pubcache.New(pub)
	disp := &fakeDispatcher{}
	s := New(cache, disp, opts)
	return s, pub
}

func findPublish(pub *fakePublisher, topic string) (string, bool) {
	for i := len(pub.publishes) - 1; i >= 0; i-- {
		if pub.publishes[i].topic == topic {
			return pub.publishes[i].value, true
		}
	}
	return "", false
}

func TestCSQPublishesRSSIAndBER(t *testing.T) {
	s, pub := newTestState()
	s.HandleResponse("AT+CSQ", []string{"+CSQ: 12,3"}, "OK")

	rssi, ok := findPublish(pub, "rssi")
	if !ok || rssi != "-89" {
		t.Fatalf("expected rssi=-89, got %q (ok=%v)", rssi, ok)
	}
	ber, ok := findPublish(pub, "ber")
	if !ok || ber != "0.5% -- 1%" {
		t.Fatalf("expected ber bucket, got %q (ok=%v)", ber, ok)
	}
}

func TestCSQAbsentWhenUnknown(t *testing.T) {
	s, pub := newTestState()
	s.HandleResponse("AT+CSQ", []string{"+CSQ: 99,99"}, "OK")

	if _, present := s.cache.Get("rssi"); present {
		t.Fatalf("expected rssi absent for CSQ 99,99")
	}
	if _, present := s.cache.Get("ber"); present {
		t.Fatalf("expected ber absent for CSQ 99,99")
	}
	_ = pub
}

func TestCREGThenCGREGPrecedence(t *testing.T) {
	s, pub := newTestState()
	s.HandleURC(`+CREG: 1,5,"ABCD","1234",7`)

	reg, _ := findPublish(pub, "reg")
	if reg != "roaming" {
		t.Fatalf("expected reg=roaming, got %q", reg)
	}
	lac, _ := findPublish(pub, "lac")
	if lac != "43981" {
		t.Fatalf("expected lac=43981 (0xABCD), got %q", lac)
	}
	cellid, _ := findPublish(pub, "cellid")
	if cellid != "4660" {
		t.Fatalf("expected cellid=4660 (0x1234), got %q", cellid)
	}
	nt, _ := findPublish(pub, "nt")
	if nt != "4g" {
		t.Fatalf("expected nt=4g, got %q", nt)
	}

	s.HandleURC(`+CGREG: 1,5,"EF47","5678",7`)
	greg, _ := findPublish(pub, "greg")
	if greg != "roaming" {
		t.Fatalf("expected greg=roaming, got %q", greg)
	}
	lac, _ = findPublish(pub, "lac")
	if lac != "61255" {
		t.Fatalf("expected lac=61255 (0xEF47) after CGREG precedence win, got %q", lac)
	}
	cellid, _ = findPublish(pub, "cellid")
	if cellid != "22136" {
		t.Fatalf("expected cellid=22136 (0x5678), got %q", cellid)
	}
}

func TestCOPSCannotOverrideCGREGPrecedence(t *testing.T) {
	s, pub := newTestState()
	s.HandleURC(`+CGREG: 1,5,"0001","0001",7`)
	s.HandleResponse("AT+COPS?", []string{`+COPS: 0,2,"20404",0`}, "OK")

	nt, _ := findPublish(pub, "nt")
	if nt != "4g" {
		t.Fatalf("expected CGREG-sourced nt=4g to survive a lower-priority COPS update, got %q", nt)
	}
}

func TestOperatorResolutionByLongestPrefix(t *testing.T) {
	s, pub := newTestState()
	s.HandleResponse("AT+COPN", []string{`+COPN: "20404","Operator A"`}, "OK")
	s.HandleResponse("AT+COPN", []string{`+COPN: "2040","Operator B"`}, "OK")
	s.HandleResponse("AT+CIMI", []string{"204041234567890"}, "OK")

	name, _ := findPublish(pub, "simop")
	if name != "Operator A" {
		t.Fatalf("expected longest-prefix operator to win, got %q", name)
	}
}

func TestSIMCardNotAvailableClearsFields(t *testing.T) {
	s, pub := newTestState()
	s.HandleResponse("AT+CCID", []string{"+CCID: 89014103211118510720"}, "OK")
	s.HandleURC("+SIMCARD: NOT AVAILABLE")

	if _, present := s.cache.Get("iccid"); present {
		t.Fatalf("expected iccid cleared")
	}
	_ = pub
}

func TestSimcomQuirkAutoActivatesFromBrand(t *testing.T) {
	s, _ := newTestState()
	s.HandleResponse("AT+CGMI", []string{"+CGMI: SIMCOM_SIM7600"}, "OK")
	if !s.simcomQuirk {
		t.Fatalf("expected SIMCOM quirk to auto-activate from brand")
	}
}

func TestSimcomScanDeferredUntilPBDone(t *testing.T) {
	s, _ := newTestState()
	s.HandleResponse("AT+CGMI", []string{"+CGMI: SIMCOM_SIM7600"}, "OK")
	s.HandleURC("+CPIN: READY")

	disp := s.disp.(*fakeDispatcher)
	disp.enqueued = nil

	s.RequestScan()
	for _, cmd := range disp.enqueued {
		if cmd == "AT+COPS=?" {
			t.Fatalf("AT+COPS=? must not be issued before PB DONE/SMS DONE")
		}
	}
	if !s.scanPending {
		t.Fatalf("expected scan to be buffered behind the PB DONE gate")
	}

	s.HandleURC("PB DONE")
	var sawScan bool
	for _, cmd := range disp.enqueued {
		if cmd == "AT+COPS=?" {
			sawScan = true
		}
	}
	if !sawScan {
		t.Fatalf("expected AT+COPS=? once PB DONE released the pending scan")
	}
	if s.scanPending {
		t.Fatalf("expected scanPending cleared after release")
	}
}

func TestAutoCSQAdaptsPollPeriodToRegistration(t *testing.T) {
	s, _ := newTestStateWithOptions(Options{AutoCSQ: true})
	disp := s.disp.(*fakeDispatcher)

	s.HandleURC(`+CREG: 2`)
	if got := s.csqPollPeriod(); got != autoCSQSearchPeriod {
		t.Fatalf("expected search period while unregistered, got %s", got)
	}

	disp.scheduled = nil
	s.HandleURC(`+CREG: 1,"ABCD","1234",7`)
	if !s.registered {
		t.Fatalf("expected registered=true after CREG stat 1")
	}
	if got := s.csqPollPeriod(); got != autoCSQIdlePeriod {
		t.Fatalf("expected idle period once registered, got %s", got)
	}
	var rearmed bool
	for _, c := range disp.scheduled {
		if c == CauseCSQPoll {
			rearmed = true
		}
	}
	if !rearmed {
		t.Fatalf("expected CauseCSQPoll to be re-armed on the registration transition")
	}
}

func TestSimcomScanFakeDoneFallback(t *testing.T) {
	s, _ := newTestState()
	s.HandleResponse("AT+CGMI", []string{"+CGMI: SIMCOM_SIM7600"}, "OK")
	s.HandleURC("+CPIN: READY")
	s.RequestScan()

	disp := s.disp.(*fakeDispatcher)
	var armed bool
	for _, c := range disp.scheduled {
		if c == CauseSimcomFakeDone {
			armed = true
		}
	}
	if !armed {
		t.Fatalf("expected the 10s fake PB DONE fallback to be armed")
	}

	s.HandleTimer(CauseSimcomFakeDone)
	if s.scanPending || s.simBusy {
		t.Fatalf("expected fake-done fallback to clear the gate and release the scan")
	}
}
