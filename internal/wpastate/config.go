package wpastate

import (
	"fmt"
	"strconv"
	"strings"
)

// HandlePublish dispatches one inbound broker write (spec.md §6 Wi-Fi
// subscribes, 4.H "Config buffering for new networks"). payload is
// newline-split by the caller's transport-agnostic topic router; here
// it arrives as the raw lines already separated.
func (s *State) HandlePublish(topic string, lines []string) {
	switch {
	case topic == "ssid/set":
		s.handleSSIDSet(first(lines))
	case topic == "ssid/enable":
		s.handleEnableDisable(first(lines), true)
	case topic == "ssid/disable":
		s.handleEnableDisable(first(lines), false)
	case topic == "ssid/remove":
		s.handleRemove(first(lines))
	case topic == "ssid/create":
		s.ensureNetwork(first(lines), 0)
	case topic == "ssid/psk":
		s.bufferTwoLine(lines, "psk", 0)
	case topic == "ssid/ap":
		s.bufferTwoLineMode(lines, 2)
	case topic == "ssid/mesh":
		s.bufferTwoLineMode(lines, 5)
	case strings.HasPrefix(topic, "ssid/config/"):
		key := strings.TrimPrefix(topic, "ssid/config/")
		s.bufferTwoLine(lines, key, -1)
	case strings.HasPrefix(topic, "wifi/config/"):
		key := strings.TrimPrefix(topic, "wifi/config/")
		s.enqueueMutating(fmt.Sprintf("SET %s %s", key, first(lines)))
		s.requestSave()
	case topic == "wifistate/set":
		s.handleWifistateSet(first(lines))
	}
}

func first(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return lines[0]
}

// ensureNetwork returns the confirmed or pending network for ssid,
// creating a pending one (and issuing ADD_NETWORK) if absent. For a
// new network, mode > 0 (2 AP, 5 mesh) is recorded on the record and
// buffered as a "mode" pair; mode 0 (station) buffers nothing.
func (s *State) ensureNetwork(ssid string, mode int) *Network {
	if n := s.networks.findBySSID(ssid); n != nil {
		return n
	}
	if n := s.networks.findPendingBySSID(ssid); n != nil {
		return n
	}
	n := s.networks.createPending(ssid)
	if mode > 0 {
		n.Mode = mode
		n.Pending = append(n.Pending, KV{Key: "mode", Value: strconv.Itoa(mode)})
		if (mode == 2 || mode == 5) && s.opts.NoAPBgscan {
			n.Pending = append(n.Pending, KV{Key: "bgscan", Value: `""`})
		}
	}
	s.disp.Enqueue("ADD_NETWORK", ClassRegular)
	return n
}

// bufferTwoLine implements the ssid\nvalue config-buffering protocol
// for an arbitrary key (spec.md 4.H points 1-2); mode<0 means "no mode
// to buffer" (plain ssid/config/<key> writes to existing AP/mesh too).
func (s *State) bufferTwoLine(lines []string, key string, mode int) {
	if len(lines) < 2 {
		return
	}
	ssid, value := lines[0], lines[1]
	if key == "psk" && s.opts.HashPSK && isQuoted(value) {
		value = `"` + HashPSK(ssid, strings.Trim(value, `"`)) + `"`
	}
	if n := s.networks.findBySSID(ssid); n != nil {
		s.enqueueMutating(fmt.Sprintf("SET_NETWORK %d %s %s", n.ID, key, value))
		s.requestSave()
		return
	}
	n := s.ensureNetwork(ssid, modeOrStation(mode))
	n.Pending = append(n.Pending, KV{Key: key, Value: value})
}

// bufferTwoLineMode buffers an AP/mesh creation (ssid\npsk-or-empty).
func (s *State) bufferTwoLineMode(lines []string, mode int) {
	if len(lines) == 0 {
		return
	}
	ssid := lines[0]
	if n := s.networks.findBySSID(ssid); n != nil {
		return
	}
	n := s.ensureNetwork(ssid, mode)
	if len(lines) >= 2 && lines[1] != "" {
		value := lines[1]
		if s.opts.HashPSK && isQuoted(value) {
			value = `"` + HashPSK(ssid, strings.Trim(value, `"`)) + `"`
		}
		n.Pending = append(n.Pending, KV{Key: "psk", Value: value})
	}
}

func modeOrStation(mode int) int {
	if mode < 0 {
		return 0
	}
	return mode
}

func isQuoted(s string) bool {
	return len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`)
}

// handleAddNetworkResult confirms the oldest pending network against a
// freshly returned id and drains its buffered config (spec.md 4.H
// point 3).
func (s *State) handleAddNetworkResult(lines []string) {
	id, ok := parseInt(first(lines))
	if !ok {
		return
	}
	n := s.networks.confirmOldestPending(id)
	if n == nil {
		return
	}
	if n.WantRemove {
		s.enqueueMutating(fmt.Sprintf("REMOVE_NETWORK %d", id))
		s.networks.remove(id)
		s.requestSave()
		return
	}
	s.enqueueMutating(fmt.Sprintf("SET_NETWORK %d ssid %q", id, n.SSID))
	for _, kv := range n.Pending {
		s.enqueueMutating(fmt.Sprintf("SET_NETWORK %d %s %s", id, kv.Key, kv.Value))
	}
	n.Pending = nil
	switch {
	case n.WantSelect:
		s.enqueueMutating(fmt.Sprintf("SELECT_NETWORK %d", id))
		n.Enabled = true
	case n.Mode == 0:
		s.enqueueMutating(fmt.Sprintf("ENABLE_NETWORK %d", id))
		n.Enabled = true
	}
	s.requestSave()
}

func (s *State) handleSSIDSet(ssid string) {
	switch ssid {
	case "all":
		for _, n := range s.networks.all() {
			s.enqueueMutating(fmt.Sprintf("ENABLE_NETWORK %d", n.ID))
			n.Enabled = true
		}
	case "none":
		for _, n := range s.networks.all() {
			s.enqueueMutating(fmt.Sprintf("DISABLE_NETWORK %d", n.ID))
			n.Enabled = false
		}
	default:
		if n := s.networks.findBySSID(ssid); n != nil {
			n.WantSelect = true
			s.enqueueMutating(fmt.Sprintf("SELECT_NETWORK %d", n.ID))
			n.Enabled = true
		} else if n := s.networks.findPendingBySSID(ssid); n != nil {
			n.WantSelect = true
		}
	}
	s.requestSave()
}

func (s *State) handleEnableDisable(ssid string, enable bool) {
	n := s.networks.findBySSID(ssid)
	if n == nil {
		return
	}
	verb := "DISABLE_NETWORK"
	if enable {
		verb = "ENABLE_NETWORK"
	}
	s.enqueueMutating(fmt.Sprintf("%s %d", verb, n.ID))
	n.Enabled = enable
	s.requestSave()
}

// handleRemove implements testable property 8: removing an absent
// ssid is a silent no-op.
func (s *State) handleRemove(ssid string) {
	if n := s.networks.findBySSID(ssid); n != nil {
		s.enqueueMutating(fmt.Sprintf("REMOVE_NETWORK %d", n.ID))
		s.networks.remove(n.ID)
		s.requestSave()
		return
	}
	if n := s.networks.findPendingBySSID(ssid); n != nil {
		n.WantRemove = true
	}
}

func (s *State) handleWifistateSet(value string) {
	switch value {
	case "off":
		s.handleSSIDSet("none")
	default:
		s.handleSSIDSet("all")
	}
}
