// Package atstate implements the AT dialect state machine (spec
// component G): bootstrap sequence, response/URC interpretation,
// source-precedence discipline for lac/cellid/nt, and the SIMCOM /
// SIM75 vendor quirks. Grounded on warthog618-modem's indication
// dispatch and original_source/attomqtt.c.
package atstate

import (
	"strconv"
	"strings"
	"time"

	"github.com/kurt-vd/wifitomqtt/internal/cmdqueue"
	"github.com/kurt-vd/wifitomqtt/internal/pubcache"
	"github.com/kurt-vd/wifitomqtt/internal/timer"
)

// Command classes, mapped to the timeout table in spec.md 4.B.
const (
	ClassRegular cmdqueue.Class = iota
	ClassRegistration
	ClassScan
	ClassKeepalive
)

// ClassTimeouts is the default per-class timeout table (spec.md 4.B:
// 5s regular, 60s AT+COPS=... re-registration, 180s AT+COPS=? scan).
var ClassTimeouts = map[cmdqueue.Class]time.Duration{
	ClassRegular:      5 * time.Second,
	ClassRegistration: 60 * time.Second,
	ClassScan:         180 * time.Second,
}

// Timer causes used by the AT dialect's periodic polls and quirks.
const (
	CauseCSQPoll timer.Cause = iota
	CauseCREGPoll
	CauseCGREGPoll
	CauseCOPSPoll
	CauseSimcomFakeDone
)

// Source priority for the lac/cellid/nt precedence discipline: CGREG >
// CREG > COPS (spec.md 4.G "Source-precedence discipline").
const (
	priorityNone = iota
	priorityCOPS
	priorityCREG
	priorityCGREG
)

// Dispatcher is the narrow engine-facing surface State needs to enqueue
// commands and arm timers; internal/engine implements it against the
// real cmdqueue.Queue and timer.Wheel.
type Dispatcher interface {
	Enqueue(text string, class cmdqueue.Class)
	EnqueueUnique(text string, class cmdqueue.Class)
	Schedule(cause timer.Cause, tag string, delay time.Duration)
	Cancel(cause timer.Cause, tag string)
}

// Options configures the periodic pollers and quirk overrides, derived
// from the attomqtt `-o` sub-options (spec.md §6 CLI surface).
type Options struct {
	CSQPeriod   time.Duration // 0 disables
	CREGPeriod  time.Duration
	CGREGPeriod time.Duration
	COPSPeriod  time.Duration
	AutoCSQ     bool
	CEER        bool

	// SimcomOverride/DetachedScanOverride, when non-nil, pin the
	// corresponding quirk instead of letting brand/model strings
	// auto-activate it (spec.md 4.G "An explicit configuration
	// override suppresses automatic quirk changes").
	SimcomOverride       *bool
	DetachedScanOverride *bool
}

// State is the per-device AT dialect state machine.
type State struct {
	cache *pubcache.Cache
	disp  Dispatcher
	opts  Options

	ops          *operatorTable
	imsi         string
	imsiResolved bool

	fieldPriority map[string]int

	simcomQuirk       bool
	detachedScanQuirk bool

	scanPending bool // an AT+COPS=? is buffered behind the SIMCOM PB DONE gate
	simBusy     bool // SIMCOM SIM init (PB DONE/SMS DONE) still outstanding
	registered  bool // latest CREG/CGREG stat was "registered" or "roaming"
}

// autoCSQ periods (spec.md §9 "autocsq" supplement): poll aggressively
// while the modem is still trying to register, fall back to the
// configured (or a conservative default) period once it succeeds.
const (
	autoCSQSearchPeriod = 2 * time.Second
	autoCSQIdlePeriod   = 30 * time.Second
)

// csqPollPeriod returns the interval CauseCSQPoll should re-arm with,
// adapting to registration state when AutoCSQ is enabled.
func (s *State) csqPollPeriod() time.Duration {
	if !s.opts.AutoCSQ {
		return s.opts.CSQPeriod
	}
	if s.registered {
		if s.opts.CSQPeriod > 0 {
			return s.opts.CSQPeriod
		}
		return autoCSQIdlePeriod
	}
	return autoCSQSearchPeriod
}

// New builds a State publishing through cache and dispatching through
// disp.
func New(cache *pubcache.Cache, disp Dispatcher, opts Options) *State {
	s := &State{
		cache:         cache,
		disp:          disp,
		opts:          opts,
		ops:           newOperatorTable(),
		fieldPriority: make(map[string]int),
	}
	cache.OnChange("brand", func(old, new string, present bool) { s.evaluateQuirks() })
	cache.OnChange("model", func(old, new string, present bool) { s.evaluateQuirks() })
	return s
}

// Attach sends the bootstrap sequence (spec.md 4.G) and arms any
// configured periodic polls.
func (s *State) Attach() {
	for _, cmd := range []string{"AT", "ATE0", "AT+CGMI", "AT+CGMM", "AT+CGMR", "AT+CGSN", "AT+CPIN?", "AT+CREG?", "AT+CGREG?", "AT+CSQ", "AT+COPS=3,2", "AT+COPS?"} {
		s.disp.Enqueue(cmd, ClassRegular)
	}
	if s.opts.CSQPeriod > 0 || s.opts.AutoCSQ {
		s.disp.Schedule(CauseCSQPoll, "", s.csqPollPeriod())
	}
	if s.opts.CREGPeriod > 0 {
		s.disp.Schedule(CauseCREGPoll, "", s.opts.CREGPeriod)
	}
	if s.opts.CGREGPeriod > 0 {
		s.disp.Schedule(CauseCGREGPoll, "", s.opts.CGREGPeriod)
	}
	if s.opts.COPSPeriod > 0 {
		s.disp.Schedule(CauseCOPSPoll, "", s.opts.COPSPeriod)
	}
}

// HandleTimer reacts to a fired periodic poll or quirk timer.
func (s *State) HandleTimer(cause timer.Cause) {
	switch cause {
	case CauseCSQPoll:
		s.disp.EnqueueUnique("AT+CSQ", ClassRegular)
		s.disp.Schedule(CauseCSQPoll, "", s.csqPollPeriod())
	case CauseCREGPoll:
		s.disp.EnqueueUnique("AT+CREG?", ClassRegular)
		s.disp.Schedule(CauseCREGPoll, "", s.opts.CREGPeriod)
	case CauseCGREGPoll:
		s.disp.EnqueueUnique("AT+CGREG?", ClassRegular)
		s.disp.Schedule(CauseCGREGPoll, "", s.opts.CGREGPeriod)
	case CauseCOPSPoll:
		s.RequestScan()
		s.disp.Schedule(CauseCOPSPoll, "", s.opts.COPSPeriod)
	case CauseSimcomFakeDone:
		s.simBusy = false
		s.releasePendingScan()
	}
}

// RequestScan triggers an operator scan (ops/scan topic, spec.md §6),
// applying the detached-scan quirk's AT+COPS=2 prelude when active.
func (s *State) RequestScan() {
	if s.simcomQuirk && !s.scanReady() {
		s.scanPending = true
		s.ArmSimcomFakeDoneIfNeeded()
		return
	}
	s.issueScan()
}

func (s *State) issueScan() {
	if s.detachedScanQuirk {
		s.disp.Enqueue("AT+COPS=2", ClassRegistration)
	}
	s.disp.Enqueue("AT+COPS=?", ClassScan)
}

// scanReady reports whether the SIMCOM PB DONE/SMS DONE gate has
// cleared. Only meaningful while s.simcomQuirk is set; RequestScan
// only consults it in that case.
func (s *State) scanReady() bool { return !s.simBusy }

func (s *State) releasePendingScan() {
	if !s.scanPending {
		return
	}
	s.scanPending = false
	s.issueScan()
}

// HandlePublish dispatches one inbound broker write (spec.md §6 "Modem
// subscribes"): `raw/send` forwards its payload verbatim as one AT
// command, `ops/scan` triggers an operator scan.
func (s *State) HandlePublish(topic string, lines []string) {
	switch topic {
	case "raw/send":
		if len(lines) > 0 && lines[0] != "" {
			s.disp.Enqueue(lines[0], ClassRegular)
		}
	case "ops/scan":
		s.RequestScan()
	}
}

// HandleURC interprets an unsolicited line not belonging to a pending
// response.
func (s *State) HandleURC(line string) {
	switch {
	case line == "PB DONE", line == "SMS DONE":
		s.simBusy = false
		s.disp.Cancel(CauseSimcomFakeDone, "")
		s.releasePendingScan()
	case strings.HasPrefix(line, "+CPIN: READY"):
		if s.simcomQuirk {
			s.simBusy = true
		}
		s.disp.Enqueue("AT+CSPN?", ClassRegular)
		s.disp.Enqueue("AT+CCID", ClassRegular)
		s.disp.Enqueue("AT+CIMI", ClassRegular)
		s.disp.Enqueue("AT+CNUM", ClassRegular)
		s.disp.Enqueue("AT+COPN", ClassRegular)
	case strings.HasPrefix(line, "+CREG:"):
		s.handleReg("reg", line, priorityCREG)
	case strings.HasPrefix(line, "+CGREG:"):
		s.handleReg("greg", line, priorityCGREG)
	case strings.HasPrefix(line, "+CSQ:"):
		s.handleCSQ(line)
	case strings.HasPrefix(line, "+CEER:"):
		s.cache.PublishIfChanged("warn", unquote(strings.TrimSpace(strings.TrimPrefix(line, "+CEER:"))), true, false)
	case line == "NO CARRIER":
		if s.opts.CEER {
			s.disp.Enqueue("AT+CEER", ClassRegular)
		}
	case strings.HasPrefix(line, "+SIMCARD: NOT AVAILABLE"):
		s.clearSIMInfo()
	}
}

// HandleResponse interprets a completed response group for the command
// that was pending when it was written (cmdText may be "" if none was
// queued — the group is still recognized for well-known prefixes).
func (s *State) HandleResponse(cmdText string, lines []string, terminator string) {
	tag := bareValueTags[cmdText]
	for _, line := range lines {
		if tag != "" && !strings.HasPrefix(line, "+") {
			line = tag + ": " + line
		}
		s.handleResponseLine(line)
	}
	if strings.HasPrefix(cmdText, "AT+COPS=?") {
		s.handleOpsList(lines)
	}
	if terminator != "OK" && terminator != "" {
		s.cache.PublishIfChanged("fail", cmdText+": "+terminator, true, false)
		if s.opts.CEER && terminator != "+CME ERROR" {
			s.disp.Enqueue("AT+CEER", ClassRegular)
		}
	}
}

func (s *State) handleResponseLine(line string) {
	switch {
	case strings.HasPrefix(line, "+CCID:"):
		s.cache.PublishIfChanged("iccid", unquote(strings.TrimSpace(strings.TrimPrefix(line, "+CCID:"))), true, true)
	case strings.HasPrefix(line, "+CIMI"):
		imsi := strings.TrimSpace(strings.TrimPrefix(line, "+CIMI"))
		imsi = strings.TrimPrefix(imsi, ":")
		imsi = strings.TrimSpace(imsi)
		s.imsi = imsi
		s.imsiResolved = false
		s.resolveOperatorFromIMSI()
	case strings.HasPrefix(line, "+CNUM:"):
		fields := splitCSV(strings.TrimPrefix(line, "+CNUM:"))
		if len(fields) >= 2 {
			s.cache.PublishIfChanged("number", unquote(fields[1]), true, true)
		}
	case strings.HasPrefix(line, "+CSPN:"):
		fields := splitCSV(strings.TrimPrefix(line, "+CSPN:"))
		if len(fields) >= 1 {
			s.cache.PublishIfChanged("simop", unquote(fields[0]), true, true)
		}
	case strings.HasPrefix(line, "+CREG:"):
		s.handleReg("reg", line, priorityCREG)
	case strings.HasPrefix(line, "+CGREG:"):
		s.handleReg("greg", line, priorityCGREG)
	case strings.HasPrefix(line, "+CSQ:"):
		s.handleCSQ(line)
	case strings.HasPrefix(line, "+COPS:") && !strings.Contains(line, "("):
		s.handleOpsCurrent(line)
	case strings.HasPrefix(line, "+COPN:"):
		s.handleOPN(line)
	case strings.HasPrefix(line, "+CGMI"):
		s.cache.PublishIfChanged("brand", unquote(stripCmdEcho(line, "+CGMI")), true, true)
	case strings.HasPrefix(line, "+CGMM"):
		s.cache.PublishIfChanged("model", unquote(stripCmdEcho(line, "+CGMM")), true, true)
	case strings.HasPrefix(line, "+CGMR"):
		s.cache.PublishIfChanged("rev", unquote(stripCmdEcho(line, "+CGMR")), true, true)
	case strings.HasPrefix(line, "+CGSN"):
		s.cache.PublishIfChanged("imei", unquote(stripCmdEcho(line, "+CGSN")), true, true)
	}
}

// bareValueTags maps the identity queries that modems commonly answer
// with a bare value line (no "+CIMI:"-style prefix) to the tag
// HandleResponse prepends to such a line, so the prefix-keyed handlers
// in handleResponseLine recognize it.
var bareValueTags = map[string]string{
	"AT+CIMI": "+CIMI",
	"AT+CGMI": "+CGMI",
	"AT+CGMM": "+CGMM",
	"AT+CGMR": "+CGMR",
	"AT+CGSN": "+CGSN",
}

// stripCmdEcho removes a leading "<tag>:" (e.g. "+CGMI:") if present,
// else returns line unchanged with surrounding space trimmed.
func stripCmdEcho(line, tag string) string {
	if strings.HasPrefix(line, tag+":") {
		return strings.TrimSpace(line[len(tag)+1:])
	}
	return strings.TrimSpace(line)
}

func (s *State) handleReg(topic, line string, priority int) {
	rest := line[strings.Index(line, ":")+1:]
	fields := splitCSV(rest)
	if len(fields) == 0 {
		return
	}
	// +CREG: [n,]stat[,lac,cellid[,nt]] -- an optional leading
	// unsolicited-mode echo field may be present.
	idx := 0
	if len(fields) >= 2 {
		if _, err := strconv.Atoi(strings.TrimSpace(fields[0])); err == nil {
			if _, err2 := strconv.Atoi(strings.TrimSpace(fields[1])); err2 == nil && len(fields) > 2 {
				idx = 1
			}
		}
	}
	stat, err := strconv.Atoi(strings.TrimSpace(fields[idx]))
	if err != nil {
		// spec.md §9: treat a CGREG parse failure as no update.
		return
	}
	name, ok := regStatusNames[stat]
	if !ok {
		name = "unknown"
	}
	s.cache.PublishIfChanged(topic, name, true, true)

	if s.opts.AutoCSQ && priority >= s.fieldPriority["registered"] {
		s.fieldPriority["registered"] = priority
		wasRegistered := s.registered
		s.registered = stat == 1 || stat == 5
		if s.registered != wasRegistered {
			s.disp.Schedule(CauseCSQPoll, "", s.csqPollPeriod())
		}
	}

	if len(fields) > idx+2 {
		lac, lacOK := hexToDecimal(fields[idx+1])
		cellid, cellOK := hexToDecimal(fields[idx+2])
		s.publishWithPrecedence("lac", lac, lacOK, priority)
		s.publishWithPrecedence("cellid", cellid, cellOK, priority)
	}
	if len(fields) > idx+3 {
		nt, err := strconv.Atoi(strings.TrimSpace(fields[idx+3]))
		if err == nil {
			name, ok := techName(nt, s.simcomQuirk)
			s.publishWithPrecedence("nt", name, ok, priority)
		}
	}
}

// publishWithPrecedence enforces spec.md's CGREG > CREG > COPS
// priority rule: a source may write a field only when its priority is
// at least that of the last source that wrote it; a field no source has
// written yet accepts any source. A value published as absent by a
// higher-priority source still blocks lower-priority ones.
func (s *State) publishWithPrecedence(field, value string, ok bool, priority int) {
	current := s.fieldPriority[field]
	if priority < current {
		return
	}
	s.fieldPriority[field] = priority
	s.cache.PublishIfChanged(field, value, ok, true)
}

func (s *State) handleCSQ(line string) {
	fields := splitCSV(strings.TrimPrefix(line, "+CSQ:"))
	if len(fields) < 2 {
		return
	}
	rssi, err1 := strconv.Atoi(strings.TrimSpace(fields[0]))
	ber, err2 := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err1 == nil {
		text, ok := rssiDBm(rssi)
		s.cache.PublishIfChanged("rssi", text, ok, true)
	}
	if err2 == nil {
		text, ok := berBuckets[ber]
		s.cache.PublishIfChanged("ber", text, ok, true)
	}
}

func (s *State) handleOpsCurrent(line string) {
	rest := line[strings.Index(line, ":")+1:]
	fields := splitCSV(rest)
	if len(fields) < 3 {
		return
	}
	opid := unquote(strings.TrimSpace(fields[2]))
	s.cache.PublishIfChanged("opid", opid, opid != "", true)
	opName := opid
	if op, ok := s.ops.byID[opid]; ok {
		opName = op.Name
	}
	s.cache.PublishIfChanged("op", opName, opid != "", true)
	if len(fields) > 3 {
		if nt, err := strconv.Atoi(strings.TrimSpace(fields[3])); err == nil {
			name, ok := techName(nt, s.simcomQuirk)
			s.publishWithPrecedence("nt", name, ok, priorityCOPS)
		}
	}
}

func (s *State) handleOPN(line string) {
	fields := splitCSV(strings.TrimPrefix(line, "+COPN:"))
	if len(fields) < 2 {
		return
	}
	id := unquote(strings.TrimSpace(fields[0]))
	name := unquote(strings.TrimSpace(fields[1]))
	s.ops.add(id, name)
	if !s.imsiResolved && s.imsi != "" {
		s.resolveOperatorFromIMSI()
	}
}

func (s *State) resolveOperatorFromIMSI() {
	op, ok := s.ops.resolve(s.imsi)
	if !ok {
		return
	}
	s.imsiResolved = true
	s.cache.PublishIfChanged("simopid", op.ID, true, true)
	s.cache.PublishIfChanged("simop", op.Name, true, true)
}

// handleOpsList publishes the serialized +COPS=? scan listing on the
// "ops" topic (spec.md 4.G).
func (s *State) handleOpsList(lines []string) {
	var entries []string
	for _, line := range lines {
		if !strings.HasPrefix(line, "+COPS:") {
			continue
		}
		rest := strings.TrimPrefix(line, "+COPS:")
		for _, tuple := range splitParenTuples(rest) {
			fields := splitCSV(tuple)
			if len(fields) < 3 {
				continue
			}
			statChar := opsStatusChar(strings.TrimSpace(fields[0]))
			name := unquote(strings.TrimSpace(fields[1]))
			id := unquote(strings.TrimSpace(fields[2]))
			entries = append(entries, statChar+id+":"+name)
		}
	}
	joined := strings.Join(entries, ",")
	s.cache.PublishIfChanged("ops", joined, true, true)
}

func opsStatusChar(stat string) string {
	switch stat {
	case "0":
		return "?"
	case "1":
		return " "
	case "2":
		return "*"
	case "3":
		return "-"
	}
	return "?"
}

func (s *State) clearSIMInfo() {
	for _, topic := range []string{"iccid", "imsi", "number", "simop", "simopid", "ops"} {
		s.cache.Clear(topic, true)
	}
	s.ops.reset()
	s.imsi = ""
	s.imsiResolved = false
}

// evaluateQuirks re-derives the SIMCOM/SIM75 quirks from the current
// brand/model cache values, unless an explicit override pins them.
func (s *State) evaluateQuirks() {
	if s.opts.SimcomOverride != nil {
		s.simcomQuirk = *s.opts.SimcomOverride
	} else if brand, ok := s.cache.Get("brand"); ok {
		s.simcomQuirk = strings.Contains(brand, "SIMCOM")
	}
	if s.opts.DetachedScanOverride != nil {
		s.detachedScanQuirk = *s.opts.DetachedScanOverride
	} else if model, ok := s.cache.Get("model"); ok {
		s.detachedScanQuirk = strings.Contains(model, "SIM75")
	}
}

// ArmSimcomFakeDoneIfNeeded schedules the 10s fake PB DONE fallback
// (spec.md 4.G SIMCOM quirk) when a scan has been deferred and the
// real URC hasn't shown up yet. Called by RequestScan when it defers a
// scan.
func (s *State) ArmSimcomFakeDoneIfNeeded() {
	if s.scanPending {
		s.disp.Schedule(CauseSimcomFakeDone, "", 10*time.Second)
	}
}

func splitCSV(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			depth ^= 1
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

func splitParenTuples(s string) []string {
	var out []string
	depth := 0
	start := -1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			if depth == 0 {
				start = i + 1
			}
			depth++
		case ')':
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
		}
	}
	return out
}
