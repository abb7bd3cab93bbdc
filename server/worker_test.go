// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/uapnet/uap/std"
	"github.com/uapnet/uap/uap"
)

type sentPacket struct {
	data []byte
	to   net.Addr
}

// fakeConn records outbound datagrams; reads are never used in these tests.
type fakeConn struct {
	mu   sync.Mutex
	sent []sentPacket
}

func (c *fakeConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := make([]byte, len(b))
	copy(data, b)
	c.sent = append(c.sent, sentPacket{data: data, to: addr})
	return len(b), nil
}

func (c *fakeConn) packets() []sentPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sentPacket, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {} // tests never read
}
func (c *fakeConn) Close() error                       { return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return &net.UDPAddr{IP: net.IPv4zero, Port: 0} }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

var peer = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 54321}

func newTestServer(t *testing.T) (*Server, *fakeConn, *bytes.Buffer) {
	t.Helper()
	conn := &fakeConn{}
	out := &bytes.Buffer{}
	return newServer(conn, 4, out, false, true), conn, out
}

func mkPacket(cmd byte, seq, sid uint32, clock uint64, payload string) packet {
	data := uap.Encode(nil, cmd, seq, sid, clock, uint64(time.Now().UnixNano()))
	data = append(data, payload...)
	return packet{data: data, from: peer}
}

func lastSent(t *testing.T, conn *fakeConn) uap.Header {
	t.Helper()
	sent := conn.packets()
	if len(sent) == 0 {
		t.Fatal("no packet was sent")
	}
	h, _, ok := uap.Decode(sent[len(sent)-1].data)
	if !ok {
		t.Fatal("sent packet is not decodable")
	}
	return h
}

func TestHelloCreatesSession(t *testing.T) {
	s, conn, out := newTestServer(t)
	const sid = 0x11223344

	s.handlePacket(mkPacket(uap.CmdHello, 0, sid, 1, ""))

	if got := out.String(); got != "0x11223344 [0] Session created\n" {
		t.Fatalf("unexpected output: %q", got)
	}
	h := lastSent(t, conn)
	if h.Command != uap.CmdHello || h.SessionID != sid || h.Seq != 0 {
		t.Fatalf("unexpected reply: %+v", h)
	}
	// record clock max(1,1)+1 = 2, plus one for the send event
	if h.Clock != 3 {
		t.Fatalf("reply clock = %d, want 3", h.Clock)
	}

	s.registry.mu.Lock()
	sess := s.registry.sessions[sid]
	s.registry.mu.Unlock()
	if sess == nil || sess.expectedSeq != 1 || sess.clock != 2 {
		t.Fatalf("unexpected session state: %+v", sess)
	}
}

func TestInOrderData(t *testing.T) {
	s, conn, out := newTestServer(t)
	const sid = 0x11223344

	s.handlePacket(mkPacket(uap.CmdHello, 0, sid, 1, ""))
	out.Reset()
	s.handlePacket(mkPacket(uap.CmdData, 1, sid, 3, "hi"))

	if got := out.String(); got != "0x11223344 [1] hi\n" {
		t.Fatalf("unexpected output: %q", got)
	}
	h := lastSent(t, conn)
	if h.Command != uap.CmdAlive {
		t.Fatalf("expected ALIVE reply, got %s", uap.CommandName(h.Command))
	}

	s.registry.mu.Lock()
	sess := s.registry.sessions[sid]
	s.registry.mu.Unlock()
	if sess.expectedSeq != 2 {
		t.Fatalf("expectedSeq = %d, want 2", sess.expectedSeq)
	}
}

func TestDuplicateData(t *testing.T) {
	s, conn, out := newTestServer(t)
	const sid = 0x11223344

	s.handlePacket(mkPacket(uap.CmdHello, 0, sid, 1, ""))
	s.handlePacket(mkPacket(uap.CmdData, 1, sid, 3, "hi"))
	sentBefore := len(conn.packets())
	out.Reset()

	s.handlePacket(mkPacket(uap.CmdData, 1, sid, 3, "hi"))

	if got := out.String(); got != "0x11223344 [1] Duplicate packet\n" {
		t.Fatalf("unexpected output: %q", got)
	}
	if got := len(conn.packets()); got != sentBefore {
		t.Fatalf("a duplicate must not be acknowledged; %d new packets", got-sentBefore)
	}

	s.registry.mu.Lock()
	sess := s.registry.sessions[sid]
	s.registry.mu.Unlock()
	if sess == nil || sess.expectedSeq != 2 {
		t.Fatalf("duplicate changed state: %+v", sess)
	}
}

func TestLostPackets(t *testing.T) {
	s, conn, out := newTestServer(t)
	const sid = 0x11223344

	s.handlePacket(mkPacket(uap.CmdHello, 0, sid, 1, ""))
	s.handlePacket(mkPacket(uap.CmdData, 1, sid, 3, "hi"))
	out.Reset()

	s.handlePacket(mkPacket(uap.CmdData, 3, sid, 5, "c"))

	want := "0x11223344 [2] Lost packet!\n0x11223344 [3] c\n"
	if got := out.String(); got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}
	if h := lastSent(t, conn); h.Command != uap.CmdAlive {
		t.Fatalf("expected ALIVE reply, got %s", uap.CommandName(h.Command))
	}

	s.registry.mu.Lock()
	sess := s.registry.sessions[sid]
	s.registry.mu.Unlock()
	if sess.expectedSeq != 4 {
		t.Fatalf("expectedSeq = %d, want 4", sess.expectedSeq)
	}
}

func TestOldSequenceClosesSession(t *testing.T) {
	s, conn, out := newTestServer(t)
	const sid = 0x11223344

	s.handlePacket(mkPacket(uap.CmdHello, 0, sid, 1, ""))
	s.handlePacket(mkPacket(uap.CmdData, 1, sid, 3, "a"))
	s.handlePacket(mkPacket(uap.CmdData, 3, sid, 5, "c")) // expected is now 4
	out.Reset()

	s.handlePacket(mkPacket(uap.CmdData, 1, sid, 7, "stale"))

	if !strings.Contains(out.String(), "Protocol error: old sequence") {
		t.Fatalf("missing protocol error line: %q", out.String())
	}
	if h := lastSent(t, conn); h.Command != uap.CmdGoodbye {
		t.Fatalf("expected GOODBYE reply, got %s", uap.CommandName(h.Command))
	}

	s.registry.mu.Lock()
	_, exists := s.registry.sessions[sid]
	s.registry.mu.Unlock()
	if exists {
		t.Fatal("session survived an old-sequence protocol error")
	}
}

func TestUnknownSessionDropped(t *testing.T) {
	s, conn, out := newTestServer(t)

	s.handlePacket(mkPacket(uap.CmdData, 0, 0xDEADBEEF, 1, "ghost"))
	s.handlePacket(mkPacket(uap.CmdGoodbye, 0, 0xDEADBEEF, 1, ""))
	s.handlePacket(mkPacket(uap.CmdAlive, 0, 0xDEADBEEF, 1, ""))

	if out.Len() != 0 {
		t.Fatalf("unexpected output: %q", out.String())
	}
	if len(conn.packets()) != 0 {
		t.Fatal("unknown sessions must not be answered")
	}
}

func TestHelloOnExistingSession(t *testing.T) {
	s, conn, out := newTestServer(t)
	const sid = 0x11223344

	s.handlePacket(mkPacket(uap.CmdHello, 0, sid, 1, ""))
	out.Reset()

	s.handlePacket(mkPacket(uap.CmdHello, 1, sid, 3, ""))

	if !strings.Contains(out.String(), "Protocol error: HELLO on existing session") {
		t.Fatalf("missing protocol error line: %q", out.String())
	}
	if h := lastSent(t, conn); h.Command != uap.CmdGoodbye {
		t.Fatalf("expected GOODBYE reply, got %s", uap.CommandName(h.Command))
	}

	s.registry.mu.Lock()
	_, exists := s.registry.sessions[sid]
	s.registry.mu.Unlock()
	if exists {
		t.Fatal("session survived a repeated HELLO")
	}
}

func TestGoodbyeFromClient(t *testing.T) {
	s, conn, out := newTestServer(t)
	const sid = 0x11223344

	s.handlePacket(mkPacket(uap.CmdHello, 0, sid, 1, ""))
	out.Reset()

	s.handlePacket(mkPacket(uap.CmdGoodbye, 1, sid, 3, ""))

	want := "0x11223344 [1] GOODBYE from client.\n0x11223344 Session closed\n"
	if got := out.String(); got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}
	if h := lastSent(t, conn); h.Command != uap.CmdGoodbye {
		t.Fatalf("expected GOODBYE reply, got %s", uap.CommandName(h.Command))
	}
	if s.registry.count() != 0 {
		t.Fatal("session survived a GOODBYE")
	}
}

func TestMalformedDiscarded(t *testing.T) {
	s, conn, out := newTestServer(t)

	// too short
	s.handlePacket(packet{data: []byte{0xC4, 0x61, 1}, from: peer})
	// full length, wrong magic
	bad := uap.Encode(nil, uap.CmdHello, 0, 1, 1, 0)
	bad[0] = 0
	s.handlePacket(packet{data: bad, from: peer})
	// full length, wrong version
	bad2 := uap.Encode(nil, uap.CmdHello, 0, 1, 1, 0)
	bad2[2] = 9
	s.handlePacket(packet{data: bad2, from: peer})

	if out.Len() != 0 || len(conn.packets()) != 0 || s.registry.count() != 0 {
		t.Fatal("malformed datagrams must be discarded silently")
	}
}

func TestAliveInboundIgnored(t *testing.T) {
	s, conn, _ := newTestServer(t)
	const sid = 0x11223344

	s.handlePacket(mkPacket(uap.CmdHello, 0, sid, 1, ""))
	sentBefore := len(conn.packets())

	s.handlePacket(mkPacket(uap.CmdAlive, 1, sid, 10, ""))

	if len(conn.packets()) != sentBefore {
		t.Fatal("inbound ALIVE must not be answered")
	}
	// the receive rule still applies
	s.registry.mu.Lock()
	sess := s.registry.sessions[sid]
	s.registry.mu.Unlock()
	if sess.clock != 11 {
		t.Fatalf("clock = %d, want max(2,10)+1 = 11", sess.clock)
	}
}

// Outbound sequence numbers are a single gapless stream across all
// sessions and reply kinds.
func TestReplySequenceGapless(t *testing.T) {
	s, conn, _ := newTestServer(t)

	for _, sid := range []uint32{1, 2, 3, 4, 5} {
		s.handlePacket(mkPacket(uap.CmdHello, 0, sid, 1, ""))
		s.handlePacket(mkPacket(uap.CmdData, 1, sid, 3, "x"))
	}

	for i, p := range conn.packets() {
		h, _, _ := uap.Decode(p.data)
		if h.Seq != uint32(i) {
			t.Fatalf("reply %d carries seq %d", i, h.Seq)
		}
	}
}

// The Lamport receive rule is applied before the reply is composed: the
// reply clock is max(local, received)+1 for the receive, +1 for the send.
func TestReplyClockWitnessesSender(t *testing.T) {
	s, conn, _ := newTestServer(t)
	const sid = 7

	s.handlePacket(mkPacket(uap.CmdHello, 0, sid, 1, "")) // record clock 2
	s.handlePacket(mkPacket(uap.CmdData, 1, sid, 40, "x"))

	h := lastSent(t, conn)
	if h.Clock != 42 {
		t.Fatalf("reply clock = %d, want max(2,40)+1+1 = 42", h.Clock)
	}
}

func TestCompressedPayload(t *testing.T) {
	conn := &fakeConn{}
	out := &bytes.Buffer{}
	s := newServer(conn, 4, out, true, true)
	const sid = 0x22334455

	s.handlePacket(mkPacket(uap.CmdHello, 0, sid, 1, ""))
	out.Reset()

	s.handlePacket(mkPacket(uap.CmdData, 1, sid, 3, string(std.CompressPayload([]byte("compressed hello\n")))))

	if got := out.String(); got != "0x22334455 [1] compressed hello\n" {
		t.Fatalf("unexpected output: %q", got)
	}
}

// All packets of one session are handled by one shard in arrival order,
// even with several workers running.
func TestPerSessionSerialization(t *testing.T) {
	conn := &fakeConn{}
	out := &bytes.Buffer{}
	srv := newServer(conn, 2, out, false, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		w := &shardWorker{id: i, srv: srv}
		go func() {
			w.Serve(ctx)
			done <- struct{}{}
		}()
	}

	const n = 50
	sids := []uint32{0x10, 0x11} // land on different shards with 2 workers
	for _, sid := range sids {
		srv.shard(sid) <- mkPacket(uap.CmdHello, 0, sid, 1, "")
	}
	for seq := uint32(1); seq <= n; seq++ {
		for _, sid := range sids {
			srv.shard(sid) <- mkPacket(uap.CmdData, seq, sid, uint64(seq), "line")
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		srv.registry.mu.Lock()
		doneAll := true
		for _, sid := range sids {
			if sess := srv.registry.sessions[sid]; sess == nil || sess.expectedSeq != n+1 {
				doneAll = false
			}
		}
		srv.registry.mu.Unlock()
		if doneAll {
			break
		}
		select {
		case <-deadline:
			t.Fatal("workers did not drain the shard queues in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// every packet was in order: no duplicate or loss lines were printed
	if strings.Contains(out.String(), "Lost") || strings.Contains(out.String(), "Duplicate") {
		t.Fatalf("serialized delivery produced reorder artifacts: %q", out.String())
	}
	cancel()
	for i := 0; i < 2; i++ {
		<-done
	}
}
