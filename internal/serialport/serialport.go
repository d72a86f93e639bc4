// Package serialport wraps a modem TTY as the AT dialect's device
// transport (spec component's device file descriptor). Grounded on
// Daedaluz-goserial's non-blocking Port.Open/Read/Write with a poll(2)
// read timeout, reshaped into a feeder-goroutine/channel pair so the
// owning engine loop never blocks on device I/O directly (SPEC_FULL.md
// §5 concurrency redesign).
package serialport

import (
	"fmt"

	serial "github.com/daedaluz/goserial"
)

// Config are the open-time TTY parameters (spec.md treats baud/parity
// as out of scope beyond "open the device"; a sane 115200 8N1 default
// matches every modem in original_source/attomqtt.c's usage).
type Config struct {
	BaudRate int
}

// DefaultConfig returns the 115200 8N1 default.
func DefaultConfig() Config { return Config{BaudRate: 115200} }

// standardBauds maps the handful of rates AT modems actually ship with
// to the termios CBAUD encoding Daedaluz-goserial expects.
var standardBauds = map[int]serial.CFlag{
	9600:    serial.B9600,
	19200:   serial.B19200,
	38400:   serial.B38400,
	57600:   serial.B57600,
	115200:  serial.B115200,
	230400:  serial.B230400,
	460800:  serial.B460800,
	921600:  serial.B921600,
	1000000: serial.B1000000,
	1152000: serial.B1152000,
}

// configure puts the tty in raw mode (no echo, no line discipline
// processing — AT responses are framed by lineparser, not the kernel
// tty layer) and applies cfg.BaudRate, via Termios2/TCSETS2 so
// non-standard rates fall back to BOTHER.
func configure(raw *serial.Port, cfg Config) error {
	attrs, err := raw.GetAttr2()
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}
	attrs.MakeRaw()
	attrs.Cflag |= serial.CREAD | serial.CLOCAL
	if speed, ok := standardBauds[cfg.BaudRate]; ok {
		attrs.SetSpeed(speed)
	} else {
		attrs.SetCustomSpeed(uint32(cfg.BaudRate))
	}
	if err := raw.SetAttr2(serial.TCSANOW, attrs); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

// Port is an open modem TTY plus its read-feeder goroutine.
type Port struct {
	raw    *serial.Port
	Lines  chan []byte // raw chunks read from the device, forwarded to internal/lineparser
	Errors chan error  // terminal read error (EOF, device gone) — sent once, after which Lines is closed
	done   chan struct{}
}

// Open opens path with cfg and starts the feeder goroutine. Reads are
// unbuffered 4KiB chunks; internal/lineparser performs the actual line
// splitting and 16KiB overflow accounting.
func Open(path string, cfg Config) (*Port, error) {
	opts := serial.NewOptions().SetReadTimeout(-1)
	raw, err := serial.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := configure(raw, cfg); err != nil {
		raw.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	p := &Port{
		raw:    raw,
		Lines:  make(chan []byte, 16),
		Errors: make(chan error, 1),
		done:   make(chan struct{}),
	}
	go p.feed()
	return p, nil
}

func (p *Port) feed() {
	buf := make([]byte, 4096)
	for {
		n, err := p.raw.Read(buf)
		if err != nil {
			p.Errors <- err
			close(p.Lines)
			return
		}
		if n == 0 {
			continue
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		select {
		case p.Lines <- chunk:
		case <-p.done:
			close(p.Lines)
			return
		}
	}
}

// Write attempts a single non-blocking write of data, returning the
// number of bytes actually accepted. internal/devwriter applies the
// policy on top of this primitive: an EAGAIN error is the
// device-write-block condition retried after 1s (spec.md §7 kind 1),
// and a short write (n < len(data)) is reported as a failure.
func (p *Port) Write(data []byte) (int, error) {
	return p.raw.Write(data)
}

// Close stops the feeder goroutine and releases the file descriptor.
func (p *Port) Close() error {
	close(p.done)
	return p.raw.Close()
}
