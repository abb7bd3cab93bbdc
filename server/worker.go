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
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/uapnet/uap/std"
	"github.com/uapnet/uap/uap"
)

const (
	// maximum datagram size we expect to handle
	mtuLimit = 1500

	// per-shard dispatch queue length
	qlen = 128
)

// packet is one datagram handed from a receiver to a worker shard.
type packet struct {
	data []byte
	from net.Addr
}

// Server ties the shared state of all server components together: the
// socket replies go out on, the session registry, and the shard queues.
type Server struct {
	conn     net.PacketConn
	registry *registry
	queues   []chan packet
	out      io.Writer // session event lines, normally os.Stdout
	comp     bool      // peers compress DATA payloads
	quiet    bool      // suppress per-session diagnostics
}

func newServer(conn net.PacketConn, workers int, out io.Writer, comp, quiet bool) *Server {
	s := &Server{
		conn:     conn,
		registry: newRegistry(),
		queues:   make([]chan packet, workers),
		out:      out,
		comp:     comp,
		quiet:    quiet,
	}
	for i := range s.queues {
		s.queues[i] = make(chan packet, qlen)
	}
	return s
}

// shard returns the dispatch queue owning a session id. All packets of one
// session land on the same queue, so its state machine runs single
// threaded in arrival order.
func (s *Server) shard(sid uint32) chan packet {
	return s.queues[sid%uint32(len(s.queues))]
}

// shardWorker drains one dispatch queue.
type shardWorker struct {
	id  int
	srv *Server
}

func (w *shardWorker) Serve(ctx context.Context) error {
	q := w.srv.queues[w.id]
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-q:
			w.srv.handlePacket(p)
		}
	}
}

func (w *shardWorker) String() string { return fmt.Sprintf("worker-%d", w.id) }

// handlePacket applies the server-side state machine to one datagram and
// emits the reply, if any.
func (s *Server) handlePacket(p packet) {
	t1 := uint64(time.Now().UnixNano())

	h, payload, ok := uap.Decode(p.data)
	if !ok || !h.Valid() {
		atomic.AddUint64(&uap.DefaultSnmp.InErrs, 1)
		return
	}

	var (
		replyCmd   byte
		replyClock uint64
		sendReply  bool
	)

	r := s.registry
	r.mu.Lock()
	sess, exists := r.sessions[h.SessionID]
	if !exists {
		// only HELLO may open a session; anything else for an unknown id
		// cannot be attributed and is dropped
		if h.Command == uap.CmdHello {
			sess = &session{
				addr:        p.from,
				expectedSeq: 1,
				lastSeen:    time.Now(),
				clock:       uap.Witness(1, h.Clock),
			}
			r.sessions[h.SessionID] = sess
			fmt.Fprintf(s.out, "0x%08x [%d] Session created\n", h.SessionID, h.Seq)
			atomic.AddUint64(&uap.DefaultSnmp.SessionsCreated, 1)
			replyCmd, replyClock, sendReply = uap.CmdHello, sess.clock, true
		}
	} else {
		// receive rule first, then the command branch
		sess.clock = uap.Witness(sess.clock, h.Clock)
		sess.lastSeen = time.Now()
		if lat, measurable := std.LatencyMS(h.Timestamp, t1); measurable && lat > 0 {
			sess.latencyNS += t1 - h.Timestamp
			sess.latencyPkts++
		}

		switch h.Command {
		case uap.CmdData:
			expected := sess.expectedSeq
			switch {
			case uint64(h.Seq)+1 < uint64(expected):
				// a sequence number from the past: the peer is broken
				fmt.Fprintf(s.out, "0x%08x [%d] Protocol error: old sequence. Closing.\n", h.SessionID, h.Seq)
				atomic.AddUint64(&uap.DefaultSnmp.ProtoErrs, 1)
				replyCmd, replyClock, sendReply = uap.CmdGoodbye, sess.clock, true
				s.closeSession(h.SessionID, sess)
			case uint64(h.Seq)+1 == uint64(expected):
				fmt.Fprintf(s.out, "0x%08x [%d] Duplicate packet\n", h.SessionID, h.Seq)
				atomic.AddUint64(&uap.DefaultSnmp.DupPkts, 1)
				// no reply, no state change
			default:
				for i := expected; i < h.Seq; i++ {
					fmt.Fprintf(s.out, "0x%08x [%d] Lost packet!\n", h.SessionID, i)
					atomic.AddUint64(&uap.DefaultSnmp.LostPkts, 1)
				}
				fmt.Fprintf(s.out, "0x%08x [%d] %s\n", h.SessionID, h.Seq, s.renderPayload(payload))
				sess.expectedSeq = h.Seq + 1
				replyCmd, replyClock, sendReply = uap.CmdAlive, sess.clock, true
			}

		case uap.CmdGoodbye:
			fmt.Fprintf(s.out, "0x%08x [%d] GOODBYE from client.\n", h.SessionID, h.Seq)
			fmt.Fprintf(s.out, "0x%08x Session closed\n", h.SessionID)
			replyCmd, replyClock, sendReply = uap.CmdGoodbye, sess.clock, true
			s.closeSession(h.SessionID, sess)

		case uap.CmdHello:
			fmt.Fprintf(s.out, "0x%08x [%d] Protocol error: HELLO on existing session.\n", h.SessionID, h.Seq)
			atomic.AddUint64(&uap.DefaultSnmp.ProtoErrs, 1)
			replyCmd, replyClock, sendReply = uap.CmdGoodbye, sess.clock, true
			s.closeSession(h.SessionID, sess)

		case uap.CmdAlive:
			// the server never expects ALIVE inbound
		}
	}
	r.mu.Unlock()

	if sendReply {
		s.reply(replyCmd, h.SessionID, replyClock, p.from)
	}
}

// closeSession removes a record. Callers hold the registry lock.
func (s *Server) closeSession(sid uint32, sess *session) {
	delete(s.registry.sessions, sid)
	atomic.AddUint64(&uap.DefaultSnmp.SessionsClosed, 1)
	if !s.quiet && sess.latencyPkts > 0 {
		avg := float64(sess.latencyNS) / float64(sess.latencyPkts) / 1e6
		log.Printf("0x%08x average one-way latency: %.2f ms over %d packets", sid, avg, sess.latencyPkts)
	}
}

// reply allocates a fresh sequence number, advances the clock for the send
// event, and writes the datagram. No lock is held across the socket write.
func (s *Server) reply(cmd byte, sid uint32, clock uint64, to net.Addr) {
	seq := s.registry.nextSeq()
	pkt := uap.Encode(nil, cmd, seq, sid, uap.Tick(clock), uint64(time.Now().UnixNano()))
	if n, err := s.conn.WriteTo(pkt, to); err == nil {
		atomic.AddUint64(&uap.DefaultSnmp.OutPkts, 1)
		atomic.AddUint64(&uap.DefaultSnmp.BytesSent, uint64(n))
	} else {
		log.Println("reply:", err)
	}
}

// renderPayload turns a DATA payload into its display form: optional
// decompression, best-effort UTF-8, surrounding whitespace stripped.
func (s *Server) renderPayload(payload []byte) string {
	if s.comp {
		if raw, err := std.DecompressPayload(payload); err == nil {
			payload = raw
		}
	}
	return strings.TrimSpace(string(payload))
}
