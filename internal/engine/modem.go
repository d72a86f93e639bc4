// Package engine owns the per-device event loop (spec's single-
// threaded multiplexer, SPEC_FULL.md §5): one goroutine per device
// holding the command queue, timer wheel, and dialect state, talking
// to exactly two feeder goroutines (device reader, broker client's own
// network goroutine) purely through channels. Grounded on
// dcrodman-franz-go's broker.go: a single owning goroutine draining a
// channel of promised requests in FIFO order, one in flight at a time.
package engine

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/apex/log"

	"github.com/kurt-vd/wifitomqtt/internal/aggregator"
	"github.com/kurt-vd/wifitomqtt/internal/atstate"
	"github.com/kurt-vd/wifitomqtt/internal/cmdqueue"
	"github.com/kurt-vd/wifitomqtt/internal/devwriter"
	"github.com/kurt-vd/wifitomqtt/internal/lineparser"
	"github.com/kurt-vd/wifitomqtt/internal/pubcache"
	"github.com/kurt-vd/wifitomqtt/internal/timer"
)

// Engine-owned timer causes, offset well clear of any dialect's own
// iota-based Cause values so the two never collide inside one Wheel.
const (
	causeCommandTimeout timer.Cause = 1_000_000 + iota
	causeWriteRetry
)

// classTimeout maps a command class to its deadline (spec.md 4.B),
// falling back to the regular 5s deadline for classes the dialect
// didn't register.
func classTimeout(class cmdqueue.Class) time.Duration {
	if d, ok := atstate.ClassTimeouts[class]; ok {
		return d
	}
	return 5 * time.Second
}

// ModemTransport is the narrow surface RunModem needs from a serial
// device; internal/serialport.Port satisfies it.
type ModemTransport interface {
	Write([]byte) (int, error)
	Close() error
}

// dispatcher adapts cmdqueue.Queue/timer.Wheel to atstate.Dispatcher,
// recording which writes are owed to the device so the loop's main
// select can perform them outside the dialect callback (no I/O inside
// a handler, per spec.md §5).
type dispatcher struct {
	q       *cmdqueue.Queue
	w       *timer.Wheel
	toWrite []string // command texts newly at the head, awaiting a write attempt
}

func (d *dispatcher) Enqueue(text string, class cmdqueue.Class) {
	_, shouldWrite := d.q.Enqueue(text, class)
	if shouldWrite {
		d.toWrite = append(d.toWrite, text)
	}
}

func (d *dispatcher) EnqueueUnique(text string, class cmdqueue.Class) {
	_, shouldWrite, _ := d.q.EnqueueUnique(text, class)
	if shouldWrite {
		d.toWrite = append(d.toWrite, text)
	}
}

func (d *dispatcher) Schedule(cause timer.Cause, tag string, delay time.Duration) {
	d.w.Schedule(timer.Key{Cause: cause, Tag: tag}, delay)
}

func (d *dispatcher) Cancel(cause timer.Cause, tag string) {
	d.w.Cancel(timer.Key{Cause: cause, Tag: tag})
}

// ModemLoop runs the AT dialect's owning goroutine against an open
// serial device and broker publisher until the device reports an
// error, the line parser overflows, or five consecutive commands time
// out.
type ModemLoop struct {
	dev     ModemTransport
	lines   <-chan []byte
	devErrs <-chan error
	inbound <-chan BrokerMessage
	cache   *pubcache.Cache
	state   *atstate.State
	q       *cmdqueue.Queue
	wheel   *timer.Wheel
	disp    *dispatcher
	writer  *devwriter.Writer
	parser  lineparser.AT
	agg     aggregator.AT

	consecutiveTimeouts int
	fatalErr            error
}

// NewModemLoop wires a fresh loop. lines/devErrs are the serialport
// feeder's channels; cache publishes through the broker driver.
func NewModemLoop(dev ModemTransport, lines <-chan []byte, devErrs <-chan error, inbound <-chan BrokerMessage, cache *pubcache.Cache, opts atstate.Options) *ModemLoop {
	q := cmdqueue.New()
	wheel := timer.New(nil)
	disp := &dispatcher{q: q, w: wheel}
	state := atstate.New(cache, disp, opts)
	m := &ModemLoop{
		dev:     dev,
		lines:   lines,
		devErrs: devErrs,
		inbound: inbound,
		cache:   cache,
		state:   state,
		q:       q,
		wheel:   wheel,
		disp:    disp,
		writer:  devwriter.New(dev, isEAGAIN),
	}
	return m
}

func isEAGAIN(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}

// Run starts the dialect (bootstrap commands) and blocks processing
// device frames, timers, and pending writes until a fatal condition.
func (m *ModemLoop) Run() error {
	m.state.Attach()
	m.flushWrites()

	for {
		timeout, hasTimer := m.wheel.TimeUntilNext()
		var timerC <-chan time.Time
		if hasTimer {
			t := time.NewTimer(timeout)
			defer t.Stop()
			timerC = t.C
		}

		select {
		case chunk, ok := <-m.lines:
			if !ok {
				continue
			}
			if err := m.feedChunk(chunk); err != nil {
				return err
			}
			m.flushWrites()

		case msg := <-m.inbound:
			m.state.HandlePublish(msg.Topic, msg.Lines)
			m.flushWrites()

		case err := <-m.devErrs:
			return fmt.Errorf("engine: modem device error: %w", err)

		case <-timerC:
			m.wheel.FireDue(m.fireTimer)
			m.flushWrites()
			if m.fatalErr != nil {
				return m.fatalErr
			}
		}
	}
}

func (m *ModemLoop) feedChunk(chunk []byte) error {
	lines, err := m.parser.Feed(chunk)
	for _, line := range lines {
		m.handleLine(line)
	}
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}

func (m *ModemLoop) handleLine(line string) {
	ev := m.agg.Feed(line)
	if ev == nil {
		return
	}
	if ev.URC != "" {
		m.state.HandleURC(ev.URC)
		return
	}
	head := m.q.Pop()
	if head == nil {
		// No queued command owns this terminator: still publish the
		// frame raw (spec.md 4.D "orphan response" edge case).
		m.cache.PublishIfChanged("raw/at", "\t"+joinTab(ev.Group.Lines)+"\t"+ev.Group.Terminator, true, false)
		return
	}
	m.wheel.Cancel(timer.Key{Cause: causeCommandTimeout, Tag: head.Text})
	m.consecutiveTimeouts = 0
	m.cache.PublishIfChanged("raw/at", head.Text+"\t"+joinTab(ev.Group.Lines)+"\t"+ev.Group.Terminator, true, false)
	m.state.HandleResponse(head.Text, ev.Group.Lines, ev.Group.Terminator)
}

func joinTab(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\t"
		}
		out += l
	}
	return out
}

func (m *ModemLoop) fireTimer(key timer.Key) {
	switch key.Cause {
	case causeCommandTimeout:
		m.handleCommandTimeout(key.Tag)
	case causeWriteRetry:
		// toWrite already holds key.Tag at its front (flushWrites put
		// it back before arming this timer); the next flushWrites call
		// retries it.
	default:
		m.state.HandleTimer(key.Cause)
	}
}

func (m *ModemLoop) handleCommandTimeout(tag string) {
	head := m.q.Pop()
	if head == nil {
		return
	}
	m.cache.PublishIfChanged("fail", head.Text+": timeout", true, false)
	m.consecutiveTimeouts++
	if m.consecutiveTimeouts >= 5 {
		m.fatalErr = fmt.Errorf("engine: %d consecutive command timeouts", m.consecutiveTimeouts)
	}
}

// flushWrites attempts to write every command newly at the head of the
// queue (spec.md 4.E "one write attempt, no blocking").
func (m *ModemLoop) flushWrites() {
	for len(m.disp.toWrite) > 0 {
		text := m.disp.toWrite[0]
		m.disp.toWrite = m.disp.toWrite[1:]

		res := m.writer.Write([]byte(text + "\r"))
		switch {
		case res.Err != nil:
			log.WithError(res.Err).Error("engine: device write failed")
		case res.Blocked:
			if res.ReportFailure {
				m.cache.PublishIfChanged("fail", text+": device write blocked", true, false)
			}
			m.wheel.Schedule(timer.Key{Cause: causeWriteRetry, Tag: text}, time.Second)
			m.disp.toWrite = append([]string{text}, m.disp.toWrite...)
			return
		default:
			deadline := time.Now().Add(classTimeout(m.q.Head().Class))
			m.q.MarkWritten(deadline)
			m.wheel.Schedule(timer.Key{Cause: causeCommandTimeout, Tag: text}, classTimeout(m.q.Head().Class))
		}
	}
}
