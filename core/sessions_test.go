package core

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

func newTestTable(t *testing.T) *SessionTable {
	t.Helper()
	table, err := ListenSessions("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { table.Close() })
	return table
}

func dialTable(t *testing.T, table *SessionTable) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", table.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// acceptOne polls AcceptPending until the dialed connection lands.
func acceptOne(t *testing.T, table *SessionTable) SessionID {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if id, ok := table.AcceptPending(); ok {
			return id
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no pending connection accepted")
	return 0
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAcceptAssignsMonotonicIDs(t *testing.T) {
	table := newTestTable(t)

	if _, ok := table.AcceptPending(); ok {
		t.Fatalf("accept reported a connection before anything dialed")
	}

	dialTable(t, table)
	dialTable(t, table)

	first := acceptOne(t, table)
	second := acceptOne(t, table)
	if first != 0 || second != 1 {
		t.Fatalf("expected ids 0 and 1, got %d and %d", first, second)
	}
	if table.Len() != 2 {
		t.Fatalf("expected 2 registered sessions, got %d", table.Len())
	}

	ids := table.IDs()
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Fatalf("unexpected id order: %v", ids)
	}
}

func TestRemovedIDIsNeverReused(t *testing.T) {
	table := newTestTable(t)

	dialTable(t, table)
	id := acceptOne(t, table)
	if !table.Remove(id) {
		t.Fatalf("remove of live session failed")
	}

	dialTable(t, table)
	next := acceptOne(t, table)
	if next != id+1 {
		t.Fatalf("expected id %d after removing %d, got %d", id+1, id, next)
	}
}

func TestReceiveIsNonBlockingAndOrdered(t *testing.T) {
	table := newTestTable(t)
	conn := dialTable(t, table)
	id := acceptOne(t, table)

	if data := table.Receive(id); len(data) != 0 {
		t.Fatalf("expected nothing buffered, got %d bytes", len(data))
	}
	if data := table.Receive(999); len(data) != 0 {
		t.Fatalf("expected nothing for unknown session, got %d bytes", len(data))
	}

	if _, err := conn.Write([]byte("abc")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := conn.Write([]byte("def")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got []byte
	waitFor(t, "buffered bytes", func() bool {
		got = append(got, table.Receive(id)...)
		return len(got) == 6
	})
	if !bytes.Equal(got, []byte("abcdef")) {
		t.Fatalf("bytes out of order: %q", got)
	}

	if data := table.Receive(id); len(data) != 0 {
		t.Fatalf("drained buffer returned %d bytes", len(data))
	}
}

func TestSendToAllDeliversIdenticalBytes(t *testing.T) {
	table := newTestTable(t)
	a := dialTable(t, table)
	b := dialTable(t, table)
	acceptOne(t, table)
	acceptOne(t, table)

	payload := []byte("broadcast-payload")
	table.SendToAll(payload)

	for name, conn := range map[string]net.Conn{"a": a, "b": b} {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		got := make([]byte, len(payload))
		if _, err := io.ReadFull(conn, got); err != nil {
			t.Fatalf("client %s read: %v", name, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("client %s received %q", name, got)
		}
	}
}

func TestSendToAllSnapshotsTheSessionList(t *testing.T) {
	table := newTestTable(t)
	a := dialTable(t, table)
	acceptOne(t, table)

	table.SendToAll([]byte("early"))

	// A session accepted after the call must not see that message.
	late := dialTable(t, table)
	acceptOne(t, table)

	a.SetReadDeadline(time.Now().Add(time.Second))
	got := make([]byte, 5)
	if _, err := io.ReadFull(a, got); err != nil {
		t.Fatalf("existing session read: %v", err)
	}

	late.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, 1)
	if n, err := late.Read(buf); err == nil || n > 0 {
		t.Fatalf("late session received %d bytes of an earlier broadcast", n)
	}
}

func TestSendToAllSurvivesDeadSession(t *testing.T) {
	table := newTestTable(t)
	dead := dialTable(t, table)
	live := dialTable(t, table)
	acceptOne(t, table)
	acceptOne(t, table)

	dead.Close()
	time.Sleep(20 * time.Millisecond)

	// Delivery to the rest must not abort; the dead session stays
	// registered because removal is the host's call.
	payload := []byte("still-delivered")
	table.SendToAll(payload)
	table.SendToAll(payload)

	live.SetReadDeadline(time.Now().Add(time.Second))
	got := make([]byte, 2*len(payload))
	if _, err := io.ReadFull(live, got); err != nil {
		t.Fatalf("live session read: %v", err)
	}
	if table.Len() != 2 {
		t.Fatalf("table pruned a session on its own: %d", table.Len())
	}
}

func TestSendToAllDoesNotBlockOnStalledPeer(t *testing.T) {
	table := newTestTable(t)
	dialTable(t, table) // stalled peer: never reads
	live := dialTable(t, table)
	acceptOne(t, table)
	acceptOne(t, table)

	// Large enough that writes to the stalled peer cannot fit its socket
	// buffers and would hit the write deadline if done on this thread.
	payload := bytes.Repeat([]byte{0xab}, 256<<10)

	start := time.Now()
	for i := 0; i < 4; i++ {
		table.SendToAll(payload)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("broadcast blocked the caller for %v", elapsed)
	}

	// The live peer still gets its copy.
	live.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(live, got); err != nil {
		t.Fatalf("live peer read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("live peer received corrupted payload")
	}
}

func TestRemoveClosesAndUnregisters(t *testing.T) {
	table := newTestTable(t)
	conn := dialTable(t, table)
	id := acceptOne(t, table)

	if !table.Remove(id) {
		t.Fatalf("remove of live session failed")
	}
	if table.Remove(id) {
		t.Fatalf("second remove of the same id succeeded")
	}
	if table.Len() != 0 {
		t.Fatalf("expected empty table, got %d", table.Len())
	}
	if len(table.IDs()) != 0 {
		t.Fatalf("removed id still listed: %v", table.IDs())
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected EOF on removed session's conn, got %v", err)
	}
}

func TestInboundBufferIsBounded(t *testing.T) {
	s := &session{}

	s.push(make([]byte, maxSessionBuffer-10))
	s.push(make([]byte, 100))
	if got := len(s.pending); got != maxSessionBuffer {
		t.Fatalf("expected buffer capped at %d, got %d", maxSessionBuffer, got)
	}

	// Once full, everything further is rejected.
	s.push([]byte("overflow"))
	if got := len(s.pending); got != maxSessionBuffer {
		t.Fatalf("cap not enforced, got %d", got)
	}

	// Draining makes room again.
	if got := len(s.drain()); got != maxSessionBuffer {
		t.Fatalf("drain returned %d bytes", got)
	}
	s.push([]byte("after"))
	if got := len(s.pending); got != 5 {
		t.Fatalf("push after drain buffered %d bytes", got)
	}
}
