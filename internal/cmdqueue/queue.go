// Package cmdqueue implements the FIFO of outbound protocol commands
// awaiting a response (spec component B). It mirrors the promisedReq
// pattern from a Kafka client's broker connection: callers enqueue, the
// owner writes the head and arms a deadline, and the head is popped
// exactly once per completed response group or timeout.
package cmdqueue

import "time"

// Class selects which timeout applies to a command and lets dialects
// attach their own per-class behavior (e.g. the AT dialect's longer
// deadlines for network scans and re-registration).
type Class int

// Command is one outbound protocol line awaiting a response.
type Command struct {
	Text      string
	Class     Class
	Enqueued  time.Time
	Deadline  time.Time
	written   bool
	// Attachment lets a dialect stash arbitrary per-command context
	// (e.g. which network id a SET_NETWORK belongs to) without the
	// queue needing to know dialect-specific types.
	Attachment interface{}
}

// Written reports whether the command has been written to the device
// and is awaiting its response or timeout.
func (c *Command) Written() bool { return c.written }

// Queue is a FIFO of pending commands. It is not safe for concurrent
// use; the owning engine loop is the only goroutine that touches it.
type Queue struct {
	items []*Command
}

// New returns an empty queue.
func New() *Queue { return &Queue{} }

// Len reports the number of commands currently queued (including the
// head, whether or not it has been written).
func (q *Queue) Len() int { return len(q.items) }

// Enqueue appends a command and reports whether it is now the sole
// (head) entry — the caller should attempt to write it immediately in
// that case, per spec.md 4.B.
func (q *Queue) Enqueue(text string, class Class) (*Command, bool) {
	c := &Command{Text: text, Class: class}
	wasEmpty := len(q.items) == 0
	q.items = append(q.items, c)
	return c, wasEmpty
}

// EnqueueUnique appends text only if no entry with identical text is
// already queued (head or pending). Used by periodic pollers to avoid
// pile-up when a device is slow to respond. Returns the existing or
// newly created command and whether a write should be attempted.
func (q *Queue) EnqueueUnique(text string, class Class) (cmd *Command, shouldWrite bool, added bool) {
	for _, c := range q.items {
		if c.Text == text {
			return c, false, false
		}
	}
	c, wasEmpty := q.Enqueue(text, class)
	return c, wasEmpty, true
}

// Head returns the oldest pending command, or nil if the queue is
// empty.
func (q *Queue) Head() *Command {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// MarkWritten records that the head has been successfully written and
// arms its deadline.
func (q *Queue) MarkWritten(deadline time.Time) {
	h := q.Head()
	if h == nil {
		return
	}
	h.written = true
	h.Deadline = deadline
}

// Pop removes the head. It must be called exactly once per completed
// response group or timeout (spec.md 4.B invariant).
func (q *Queue) Pop() *Command {
	if len(q.items) == 0 {
		return nil
	}
	c := q.items[0]
	q.items = q.items[1:]
	return c
}
