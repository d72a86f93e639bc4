package engine

import (
	"testing"
	"time"

	"github.com/kurt-vd/wifitomqtt/internal/atstate"
	"github.com/kurt-vd/wifitomqtt/internal/cmdqueue"
)

func TestClassTimeoutFallsBackToRegular(t *testing.T) {
	if got := classTimeout(atstate.ClassRegistration); got != 60*time.Second {
		t.Fatalf("registration timeout = %s, want 60s", got)
	}
	if got := classTimeout(cmdqueue.Class(999)); got != 5*time.Second {
		t.Fatalf("unknown class timeout = %s, want 5s fallback", got)
	}
}

func TestDispatcherEnqueueTracksWriteOwed(t *testing.T) {
	d := &dispatcher{q: cmdqueue.New()}

	d.Enqueue("AT+CSQ", atstate.ClassRegular)
	if len(d.toWrite) != 1 || d.toWrite[0] != "AT+CSQ" {
		t.Fatalf("first enqueue should be owed a write, got %v", d.toWrite)
	}

	d.toWrite = nil
	d.Enqueue("AT+CREG?", atstate.ClassRegular)
	if len(d.toWrite) != 0 {
		t.Fatalf("enqueue behind a pending head should not be written yet, got %v", d.toWrite)
	}
}
