// Package wpastate implements the wpa_supplicant dialect state machine
// (spec component H): BSS/Network tables, STATUS-derived wifistate
// aggregation, config buffering for newly created networks, and the
// SAVE_CONFIG deferral discipline. Grounded on
// matiasdoyle-golang-wpasupplicant's unixgramConn and
// original_source/wifitomqtt.c.
package wpastate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kurt-vd/wifitomqtt/internal/cmdqueue"
	"github.com/kurt-vd/wifitomqtt/internal/pubcache"
	"github.com/kurt-vd/wifitomqtt/internal/timer"
)

// Command classes for the wpa dialect's single regular timeout plus a
// keepalive class (spec.md uses a uniform timeout for wpa commands;
// the keepalive class exists so the engine can special-case PING/
// SIGNAL_POLL if ever needed).
const (
	ClassRegular cmdqueue.Class = iota
	ClassKeepalive
)

// Timer causes for the wpa dialect's keepalive cadence and its 3s
// response watchdog.
const (
	CauseKeepalive timer.Cause = iota
	CauseKeepaliveTimeout
)

// mutatingVerbs is the set of command verbs after which a
// SAVE_CONFIG is due, deferred while another mutating command is still
// pending (spec.md 4.H "Save discipline").
var mutatingVerbs = map[string]bool{
	"SET_NETWORK":     true,
	"ENABLE_NETWORK":  true,
	"DISABLE_NETWORK": true,
	"SELECT_NETWORK":  true,
	"REMOVE_NETWORK":  true,
	"SET":             true,
}

// Dispatcher is the narrow engine-facing surface State needs.
type Dispatcher interface {
	Enqueue(text string, class cmdqueue.Class)
	EnqueueUnique(text string, class cmdqueue.Class)
	Schedule(cause timer.Cause, tag string, delay time.Duration)
	Cancel(cause timer.Cause, tag string)
}

// Options configures the wpa dialect.
type Options struct {
	NoAPBgscan bool // -S no-ap-bgscan: buffer bgscan="" for new AP/mesh networks
	HashPSK    bool // pre-hash plaintext PSKs with PBKDF2 before SET_NETWORK
}

type role int

const (
	roleNone role = iota
	roleStation
	roleAP
	roleMesh
)

// State is the per-interface wpa dialect state machine.
type State struct {
	cache *pubcache.Cache
	disp  Dispatcher
	opts  Options

	bss      *bssTable
	networks *networkTable

	currentRole      role
	stations         int
	usingBSSEvents   bool
	mutatingInFlight int
	saveRequested    bool
	statusSeen       bool
	lost             bool
}

// New builds a State publishing through cache and dispatching through
// disp.
func New(cache *pubcache.Cache, disp Dispatcher, opts Options) *State {
	return &State{
		cache:    cache,
		disp:     disp,
		opts:     opts,
		bss:      newBSSTable(),
		networks: newNetworkTable(),
	}
}

// Attach sends the bootstrap sequence (spec.md 4.H) and arms the
// keepalive timer.
func (s *State) Attach() {
	s.disp.Enqueue("ATTACH", ClassRegular)
	s.disp.Enqueue("LIST_NETWORKS", ClassRegular)
	s.disp.Enqueue("SCAN_RESULTS", ClassRegular)
	s.disp.Enqueue("STATUS", ClassRegular)
	s.disp.Enqueue("SCAN", ClassRegular)
	s.disp.Schedule(CauseKeepalive, "", 5*time.Second)
}

// HandleTimer reacts to the keepalive cadence.
func (s *State) HandleTimer(cause timer.Cause) {
	switch cause {
	case CauseKeepalive:
		if s.currentRole == roleStation {
			s.disp.Enqueue("SIGNAL_POLL", ClassKeepalive)
		} else {
			s.disp.Enqueue("PING", ClassKeepalive)
		}
		s.disp.Schedule(CauseKeepaliveTimeout, "", 3*time.Second)
		s.disp.Schedule(CauseKeepalive, "", 5*time.Second)
	case CauseKeepaliveTimeout:
		// No response arrived to PING/SIGNAL_POLL within 3s:
		// the supplicant is considered lost. The engine observes
		// this cause fire and terminates the process; State only
		// records it so callers can query Lost().
		s.lost = true
	}
}

// Lost reports whether the keepalive watchdog fired.
func (s *State) Lost() bool { return s.lost }

func (s *State) clearKeepaliveTimeout() {
	s.disp.Cancel(CauseKeepaliveTimeout, "")
}

// HandleURC interprets an unsolicited event line, already split from
// its "<N>" priority tag by the transport.
func (s *State) HandleURC(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "CTRL-EVENT-CONNECTED":
		s.currentRole = roleStation
		s.disp.Enqueue("STATUS", ClassRegular)
	case "CTRL-EVENT-DISCONNECTED":
		s.cache.Clear("speed", true)
		s.cache.Clear("rssi", true)
		s.disp.Enqueue("STATUS", ClassRegular)
	case "AP-ENABLED":
		s.currentRole = roleAP
		s.stations = 0
		s.cache.PublishIfChanged("stations", "0", true, true)
	case "AP-DISABLED":
		s.currentRole = roleNone
		s.stations = -1
		s.cache.Clear("stations", true)
	case "MESH-GROUP-STARTED":
		s.currentRole = roleMesh
		s.stations = 0
		s.cache.PublishIfChanged("stations", "0", true, true)
	case "MESH-GROUP-REMOVED":
		s.currentRole = roleNone
		s.stations = -1
		s.cache.Clear("stations", true)
	case "AP-STA-CONNECTED", "MESH-PEER-CONNECTED":
		s.stations++
		s.cache.PublishIfChanged("stations", strconv.Itoa(s.stations), true, true)
	case "AP-STA-DISCONNECTED", "MESH-PEER-DISCONNECTED":
		if s.stations > 0 {
			s.stations--
		}
		s.cache.PublishIfChanged("stations", strconv.Itoa(s.stations), true, true)
	case "CTRL-EVENT-BSS-ADDED":
		s.usingBSSEvents = true
		if len(fields) >= 3 {
			s.disp.Enqueue("BSS "+fields[2], ClassRegular)
		}
	case "CTRL-EVENT-BSS-REMOVED":
		s.usingBSSEvents = true
		if len(fields) >= 3 {
			s.bss.remove(fields[2])
			s.clearBSSTopics(fields[2])
		}
	case "CTRL-EVENT-SCAN-RESULTS":
		if !s.usingBSSEvents {
			s.disp.Enqueue("SCAN_RESULTS", ClassRegular)
		}
	}
	if fields[0] == "PONG" || strings.HasPrefix(line, "PONG") {
		s.clearKeepaliveTimeout()
	}
}

func (s *State) clearBSSTopics(bssid string) {
	key := canonicalBSSID(bssid)
	base := "bss/" + key + "/"
	for _, suffix := range []string{"ssid", "freq", "level", "flags"} {
		s.cache.Clear(base+suffix, true)
	}
}

func (s *State) publishBSSTopics(b *BSS) {
	base := "bss/" + b.BSSID + "/"
	s.cache.PublishIfChanged(base+"ssid", b.SSID, b.SSID != "", true)
	s.cache.PublishIfChanged(base+"freq", b.FreqString(), b.FreqHz != 0, true)
	s.cache.PublishIfChanged(base+"level", strconv.Itoa(b.Level), true, true)
	s.cache.PublishIfChanged(base+"flags", b.Flags.String(), true, true)
}

// HandleResponse interprets a completed response (one datagram) to
// cmdText, the command that was outstanding when it was received.
func (s *State) HandleResponse(cmdText string, lines []string) {
	if strings.HasPrefix(cmdText, "PING") || strings.HasPrefix(cmdText, "SIGNAL_POLL") {
		s.clearKeepaliveTimeout()
	}

	verb := strings.Fields(cmdText)
	if len(verb) > 0 && mutatingVerbs[verb[0]] {
		s.mutatingInFlight--
		s.maybeSave()
	}

	switch {
	case strings.HasPrefix(cmdText, "BSS "):
		s.handleBSSResponse(cmdText, lines)
	case cmdText == "SCAN_RESULTS":
		s.handleScanResults(lines)
	case cmdText == "LIST_NETWORKS":
		s.handleListNetworks(lines)
	case cmdText == "STATUS":
		s.handleStatus(lines)
	case cmdText == "ADD_NETWORK":
		s.handleAddNetworkResult(lines)
	case strings.HasPrefix(cmdText, "GET_NETWORK "):
		s.handleGetNetworkResult(cmdText, lines)
	case isFailResponse(lines) && !isExpectedFail(cmdText):
		s.cache.PublishIfChanged("fail", cmdText+": "+strings.Join(lines, " "), true, false)
	}
}

func isFailResponse(lines []string) bool {
	return len(lines) == 1 && lines[0] == "FAIL"
}

// isExpectedFail recognizes the station-enumeration end-of-list
// responses which are expected to fail (spec.md §7 kind 6).
func isExpectedFail(cmdText string) bool {
	return strings.HasPrefix(cmdText, "STA-NEXT") || strings.HasPrefix(cmdText, "STA-FIRST")
}

func (s *State) maybeSave() {
	if s.mutatingInFlight > 0 {
		return
	}
	if !s.saveRequested {
		return
	}
	s.saveRequested = false
	s.disp.Enqueue("SAVE_CONFIG", ClassRegular)
}

// requestSave marks that a SAVE_CONFIG is due once every currently
// in-flight mutating command completes (spec.md 4.H "Save discipline").
func (s *State) requestSave() {
	s.saveRequested = true
	s.maybeSave()
}

func (s *State) enqueueMutating(text string) {
	s.mutatingInFlight++
	s.disp.Enqueue(text, ClassRegular)
}

func (s *State) handleBSSResponse(cmdText string, lines []string) {
	bssid := strings.TrimSpace(strings.TrimPrefix(cmdText, "BSS "))
	if bssid == "" {
		return
	}
	var ssid, flagsRaw string
	var freq, level int
	for _, line := range lines {
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "ssid":
			ssid = kv[1]
		case "freq":
			freq, _ = parseInt(kv[1])
		case "level":
			level, _ = parseInt(kv[1])
		case "flags":
			flagsRaw = kv[1]
		}
	}
	b := s.bss.upsert(bssid, func(b *BSS) {
		b.SSID = ssid
		b.FreqHz = freq
		b.Level = level
		b.Flags = (b.Flags &^ (FlagWPA | FlagWEP | FlagEAP)) | ParseBSSFlags(flagsRaw)
		b.Flags |= FlagPresent
	})
	s.overlayNetworkFlags(b)
	s.publishBSSTopics(b)
}

// overlayNetworkFlags sets the Known/Disabled bits from the Network
// whose ssid matches (spec.md 4.H "BSS <bssid>").
func (s *State) overlayNetworkFlags(b *BSS) {
	n := s.networks.findBySSID(b.SSID)
	b.Flags &^= FlagKnown | FlagDisabled
	if n == nil {
		return
	}
	b.Flags |= FlagKnown
	if !n.Enabled {
		b.Flags |= FlagDisabled
	}
}

func (s *State) handleScanResults(lines []string) {
	s.bss.markAllAbsent()
	for _, bssid := range parseBSSIDSetFromScanResults(lines) {
		s.bss.markPresent(bssid)
	}
	for _, bssid := range s.bss.sweepAbsent() {
		s.clearBSSTopics(bssid)
	}
}

func (s *State) handleListNetworks(lines []string) {
	var listed []listedNetwork
	for _, line := range lines[min(1, len(lines)):] {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		id, ok := parseInt(fields[0])
		if !ok {
			continue
		}
		listed = append(listed, listedNetwork{ID: id, SSID: fields[1]})
	}
	newIDs, dupIDs := s.networks.reconcileListNetworks(listed)
	for _, id := range dupIDs {
		s.enqueueMutating(fmt.Sprintf("REMOVE_NETWORK %d", id))
		s.requestSave()
	}
	for _, id := range newIDs {
		s.disp.Enqueue(fmt.Sprintf("GET_NETWORK %d disabled", id), ClassRegular)
		s.disp.Enqueue(fmt.Sprintf("GET_NETWORK %d mode", id), ClassRegular)
	}
	s.publishWifistate()
}

func (s *State) handleGetNetworkResult(cmdText string, lines []string) {
	parts := strings.Fields(cmdText)
	if len(parts) != 3 {
		return
	}
	id, ok := parseInt(parts[1])
	if !ok {
		return
	}
	n, ok := s.networks.byID[id]
	if !ok || len(lines) == 0 {
		return
	}
	value := lines[0]
	switch parts[2] {
	case "disabled":
		n.Enabled = value == "0"
	case "mode":
		mode, _ := parseInt(value)
		n.Mode = mode
	}
	s.publishWifistate()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (s *State) handleStatus(lines []string) {
	values := make(map[string]string)
	for _, line := range lines {
		kv := strings.SplitN(line, "=", 2)
		if len(kv) == 2 {
			values[kv[0]] = kv[1]
		}
	}
	bssid := values["bssid"]
	s.cache.PublishIfChanged("bssid", bssid, bssid != "", true)
	s.cache.PublishIfChanged("ssid", values["ssid"], values["ssid"] != "", true)
	s.cache.PublishIfChanged("freq", values["freq"], values["freq"] != "", true)

	level := values["level"]
	if level == "" && bssid != "" {
		if b, ok := s.bss.get(bssid); ok {
			level = strconv.Itoa(b.Level)
		}
	}
	s.cache.PublishIfChanged("level", level, level != "", true)

	if !s.statusSeen {
		s.statusSeen = true
		s.inferInitialRole(values["mode"], values["wpa_state"])
	}
	s.publishWifistate()
}

func (s *State) inferInitialRole(mode, wpaState string) {
	switch mode {
	case "station":
		s.currentRole = roleStation
	case "AP":
		s.currentRole = roleAP
	case "mesh":
		s.currentRole = roleMesh
	default:
		if wpaState == "COMPLETED" {
			s.currentRole = roleStation
		}
	}
}

// publishWifistate derives and publishes the aggregate wifistate topic
// (spec.md 4.H, testable property 5): "off" iff every network matching
// the current mode-filter is disabled.
func (s *State) publishWifistate() {
	modeFilter := roleToMode(s.currentRole)
	total, enabledCount := 0, 0
	for _, n := range s.networks.all() {
		if n.Mode != modeFilter {
			continue
		}
		total++
		if n.Enabled {
			enabledCount++
		}
	}
	var state string
	switch {
	case total > 0 && enabledCount == 0:
		state = "off"
	case s.currentRole == roleStation:
		state = "station"
	case s.currentRole == roleAP:
		state = "AP"
	case s.currentRole == roleMesh:
		state = "mesh"
	default:
		state = "none"
	}
	s.cache.PublishIfChanged("wifistate", state, true, true)
}

func roleToMode(r role) int {
	switch r {
	case roleAP:
		return 2
	case roleMesh:
		return 5
	default:
		return 0
	}
}
