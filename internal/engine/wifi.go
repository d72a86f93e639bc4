package engine

import (
	"fmt"
	"time"

	"github.com/kurt-vd/wifitomqtt/internal/aggregator"
	"github.com/kurt-vd/wifitomqtt/internal/cmdqueue"
	"github.com/kurt-vd/wifitomqtt/internal/devwriter"
	"github.com/kurt-vd/wifitomqtt/internal/lineparser"
	"github.com/kurt-vd/wifitomqtt/internal/pubcache"
	"github.com/kurt-vd/wifitomqtt/internal/timer"
	"github.com/kurt-vd/wifitomqtt/internal/wpastate"
)

// wpaCommandTimeout is the deadline for every wpa_supplicant command;
// the AT dialect's per-class table (classTimeout) does not apply here.
const wpaCommandTimeout = 5 * time.Second

// WifiTransport is the narrow surface WifiLoop needs from the control
// socket; internal/wpasock.Conn satisfies it.
type WifiTransport interface {
	Write([]byte) (int, error)
	Close() error
}

// WifiLoop runs the wpa dialect's owning goroutine.
type WifiLoop struct {
	dev      WifiTransport
	frames   <-chan []byte
	devErrs  <-chan error
	inbound  <-chan BrokerMessage
	cache    *pubcache.Cache
	state    *wpastate.State
	q        *cmdqueue.Queue
	wheel    *timer.Wheel
	disp     *dispatcher
	writer   *devwriter.Writer
	agg      aggregator.WPA
	splitter lineparser.WPA

	consecutiveTimeouts int
	fatalErr            error
}

// BrokerMessage is one inbound broker publish routed into the owning
// loop goroutine (internal/brokerio's Subscribe callback runs on
// paho's own goroutine and must never touch dialect state directly —
// SPEC_FULL.md §5's single-owner invariant).
type BrokerMessage struct {
	Topic string
	Lines []string
}

// NewWifiLoop wires a fresh loop against an open control socket.
func NewWifiLoop(dev WifiTransport, frames <-chan []byte, devErrs <-chan error, inbound <-chan BrokerMessage, cache *pubcache.Cache, opts wpastate.Options) *WifiLoop {
	q := cmdqueue.New()
	wheel := timer.New(nil)
	disp := &dispatcher{q: q, w: wheel}
	state := wpastate.New(cache, disp, opts)
	return &WifiLoop{
		dev:     dev,
		frames:  frames,
		devErrs: devErrs,
		inbound: inbound,
		cache:   cache,
		state:   state,
		q:       q,
		wheel:   wheel,
		disp:    disp,
		writer:  devwriter.New(dev, func(error) bool { return false }),
	}
}

// Run starts the dialect and blocks processing frames, timers, and
// pending writes until a fatal condition (lost keepalive, socket
// error, or five consecutive command timeouts).
func (w *WifiLoop) Run() error {
	w.state.Attach()
	w.flushWrites()

	for {
		timeout, hasTimer := w.wheel.TimeUntilNext()
		var timerC <-chan time.Time
		if hasTimer {
			t := time.NewTimer(timeout)
			defer t.Stop()
			timerC = t.C
		}

		select {
		case frame, ok := <-w.frames:
			if !ok {
				continue
			}
			w.handleFrame(frame)
			w.flushWrites()

		case msg := <-w.inbound:
			w.state.HandlePublish(msg.Topic, msg.Lines)
			w.flushWrites()

		case err := <-w.devErrs:
			return fmt.Errorf("engine: wpa socket error: %w", err)

		case <-timerC:
			w.wheel.FireDue(w.fireTimer)
			w.flushWrites()
			if w.fatalErr != nil {
				return w.fatalErr
			}
			if w.state.Lost() {
				return fmt.Errorf("engine: wpa_supplicant keepalive lost")
			}
		}
	}
}

func (w *WifiLoop) handleFrame(frame []byte) {
	priority, rest := w.splitter.StripPriority(frame)
	lines := w.splitter.Split(rest)
	ev := w.agg.Feed(priority, lines)
	if ev == nil {
		return
	}
	if ev.URC != "" {
		w.state.HandleURC(ev.URC)
		return
	}
	head := w.q.Pop()
	if head == nil {
		return
	}
	w.wheel.Cancel(timer.Key{Cause: causeCommandTimeout, Tag: head.Text})
	w.consecutiveTimeouts = 0
	w.state.HandleResponse(head.Text, ev.Group.Lines)
}

func (w *WifiLoop) fireTimer(key timer.Key) {
	switch key.Cause {
	case causeCommandTimeout:
		w.handleCommandTimeout(key.Tag)
	case causeWriteRetry:
	default:
		w.state.HandleTimer(key.Cause)
	}
}

func (w *WifiLoop) handleCommandTimeout(tag string) {
	head := w.q.Pop()
	if head == nil {
		return
	}
	w.cache.PublishIfChanged("fail", head.Text+": timeout", true, false)
	w.consecutiveTimeouts++
	if w.consecutiveTimeouts >= 5 {
		w.fatalErr = fmt.Errorf("engine: %d consecutive command timeouts", w.consecutiveTimeouts)
	}
}

func (w *WifiLoop) flushWrites() {
	for len(w.disp.toWrite) > 0 {
		text := w.disp.toWrite[0]
		w.disp.toWrite = w.disp.toWrite[1:]

		res := w.writer.Write([]byte(text))
		switch {
		case res.Err != nil:
			w.cache.PublishIfChanged("fail", text+": "+res.Err.Error(), true, false)
		case res.Blocked:
			w.wheel.Schedule(timer.Key{Cause: causeWriteRetry, Tag: text}, time.Second)
			w.disp.toWrite = append([]string{text}, w.disp.toWrite...)
			return
		default:
			deadline := time.Now().Add(wpaCommandTimeout)
			w.q.MarkWritten(deadline)
			w.wheel.Schedule(timer.Key{Cause: causeCommandTimeout, Tag: text}, wpaCommandTimeout)
		}
	}
}
