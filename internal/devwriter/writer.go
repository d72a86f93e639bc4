// Package devwriter performs the single non-blocking write attempt per
// outbound command (spec component E): AT writes "<text>\r", wpa writes
// "<text>" verbatim. EAGAIN triggers a 1s retry; short writes are
// treated as failures. Grounded on Daedaluz-goserial's non-blocking
// Port.Write plus EAGAIN handling.
package devwriter

import (
	"errors"
	"io"
)

// ErrShortWrite is returned when the underlying writer accepts fewer
// bytes than requested — spec.md 4.E treats this as a failure, not a
// partial success to resume.
var ErrShortWrite = errors.New("devwriter: short write")

// MaxConsecutiveBlocks is the number of consecutive EAGAIN retries
// after which the writer reports failure (but keeps retrying) per
// spec.md 4.E.
const MaxConsecutiveBlocks = 10

// Writer performs one write attempt at a time against an underlying
// non-blocking device, tracking consecutive would-block counts.
type Writer struct {
	dev              io.Writer
	blockedErr       func(error) bool
	consecutiveBlock int
}

// New wraps dev. isBlocked identifies the underlying transport's
// would-block error (e.g. errors.Is(err, syscall.EAGAIN)).
func New(dev io.Writer, isBlocked func(error) bool) *Writer {
	return &Writer{dev: dev, blockedErr: isBlocked}
}

// Result describes the outcome of one write attempt.
type Result struct {
	// Blocked is true if the write returned EAGAIN; the caller
	// should re-arm a 1s retry timer.
	Blocked bool
	// ConsecutiveBlocks is the current run length of blocked
	// attempts; the caller reports failure to `fail` once it first
	// reaches MaxConsecutiveBlocks, but keeps retrying regardless.
	ConsecutiveBlocks int
	// ReportFailure is set on the attempt where ConsecutiveBlocks
	// first reaches MaxConsecutiveBlocks.
	ReportFailure bool
	Err           error
}

// Write attempts to write payload once. On success it resets the
// consecutive-block counter and arms the caller's pending-command
// timeout (the caller does that; Write only reports success).
func (w *Writer) Write(payload []byte) Result {
	n, err := w.dev.Write(payload)
	if err != nil && w.blockedErr != nil && w.blockedErr(err) {
		w.consecutiveBlock++
		return Result{
			Blocked:           true,
			ConsecutiveBlocks: w.consecutiveBlock,
			ReportFailure:     w.consecutiveBlock == MaxConsecutiveBlocks,
		}
	}
	if err != nil {
		w.consecutiveBlock = 0
		return Result{Err: err}
	}
	if n != len(payload) {
		w.consecutiveBlock = 0
		return Result{Err: ErrShortWrite}
	}
	w.consecutiveBlock = 0
	return Result{}
}
