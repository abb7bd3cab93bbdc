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

	// inbound packet queue between the socket reader and the coordinator
	qlen = 128

	// every armed timer runs for this long
	replyTimeout = 5 * time.Second
)

// client session states
const (
	stateHelloWait = iota
	stateReady
	stateReadyTimer
	stateClosing
	stateClosed
)

var stateNames = [...]string{"HELLO_WAIT", "READY", "READY_TIMER", "CLOSING", "CLOSED"}

// endpoint is the single client session: one coordinator goroutine selects
// over received datagrams, the one armed timer, and user lines, and drives
// the state machine. The socket reader is the only other goroutine.
type endpoint struct {
	conn  net.Conn // connected UDP transport
	sid   uint32
	seq   uint32 // next outbound sequence number
	clock uint64 // Lamport clock
	state int

	timeout time.Duration
	timer   *time.Timer

	packets chan []byte   // filled by readLoop, closed on transport loss
	lines   <-chan string // user input, closed on EOF

	istty bool // the 'q' shortcut only applies on a terminal
	comp  bool // compress DATA payloads
	quiet bool
}

func newEndpoint(conn net.Conn, sid uint32, lines <-chan string, istty, comp, quiet bool) *endpoint {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	return &endpoint{
		conn:    conn,
		sid:     sid,
		state:   stateHelloWait,
		timeout: replyTimeout,
		timer:   timer,
		packets: make(chan []byte, qlen),
		lines:   lines,
		istty:   istty,
		comp:    comp,
		quiet:   quiet,
	}
}

// run drives the session to completion and returns once the transport is
// closed.
func (e *endpoint) run() {
	go e.readLoop()

	e.logf("sending HELLO (sid=0x%08x)", e.sid)
	e.send(uap.CmdHello, nil)
	e.armTimer()

	for e.state != stateClosed {
		// user lines are consumed only in states that can act on them;
		// a nil channel parks earlier input until the handshake is done
		var lines <-chan string
		if e.state == stateReady || e.state == stateReadyTimer {
			lines = e.lines
		}

		select {
		case data, ok := <-e.packets:
			if !ok {
				// transport gone; nothing left to wait for
				e.state = stateClosed
				continue
			}
			e.onPacket(data)
		case <-e.timer.C:
			e.onTimeout()
		case line, ok := <-lines:
			if !ok {
				e.lines = nil
				e.logf("end of input, sending GOODBYE")
				e.sendGoodbye()
				continue
			}
			e.onLine(line)
		}
	}
}

// readLoop pumps datagrams from the socket to the coordinator. It ends,
// closing the packet channel, when the transport is closed.
func (e *endpoint) readLoop() {
	buf := make([]byte, mtuLimit)
	for {
		n, err := e.conn.Read(buf)
		if err != nil {
			close(e.packets)
			return
		}
		atomic.AddUint64(&uap.DefaultSnmp.InPkts, 1)
		atomic.AddUint64(&uap.DefaultSnmp.BytesReceived, uint64(n))
		data := make([]byte, n)
		copy(data, buf[:n])
		e.packets <- data
	}
}

func (e *endpoint) onPacket(data []byte) {
	h, _, ok := uap.Decode(data)
	if !ok || !h.Valid() {
		atomic.AddUint64(&uap.DefaultSnmp.InErrs, 1)
		return
	}

	// receive rule first
	e.clock = uap.Witness(e.clock, h.Clock)

	// GOODBYE ends the session no matter the state
	if h.Command == uap.CmdGoodbye {
		e.logf("received GOODBYE from server, closing")
		e.cancelTimer()
		e.close()
		return
	}

	switch e.state {
	case stateHelloWait:
		if h.Command == uap.CmdHello {
			e.cancelTimer()
			e.state = stateReady
			e.logf("handshake complete (server seq %d, clock %d)", h.Seq, h.Clock)
		}
	case stateReadyTimer:
		if h.Command == uap.CmdAlive {
			e.cancelTimer()
			e.state = stateReady
		}
	default:
		// stray ALIVE or HELLO; ignored
	}
}

func (e *endpoint) onTimeout() {
	switch e.state {
	case stateHelloWait, stateReadyTimer:
		e.logf("timeout in %s, sending GOODBYE", stateNames[e.state])
		e.sendGoodbye()
	case stateClosing:
		e.logf("no final GOODBYE from server, closing")
		e.close()
	}
}

func (e *endpoint) onLine(line string) {
	if e.istty && strings.TrimSpace(line) == "q" {
		e.logf("'q' detected, sending GOODBYE")
		e.sendGoodbye()
		return
	}
	payload := []byte(line)
	if e.comp {
		payload = std.CompressPayload(payload)
	}
	e.send(uap.CmdData, payload)
	e.logf("sent DATA #%d", e.seq-1)
	e.armTimer()
	e.state = stateReadyTimer
}

func (e *endpoint) sendGoodbye() {
	e.send(uap.CmdGoodbye, nil)
	e.armTimer()
	e.state = stateClosing
}

// send ticks the clock for the send event, consumes one sequence number
// and writes the datagram.
func (e *endpoint) send(cmd byte, payload []byte) {
	e.clock = uap.Tick(e.clock)
	pkt := uap.Encode(nil, cmd, e.seq, e.sid, e.clock, uint64(time.Now().UnixNano()))
	pkt = append(pkt, payload...)
	n, err := e.conn.Write(pkt)
	if err != nil {
		log.Println("send:", err)
		e.close()
		return
	}
	e.seq++
	atomic.AddUint64(&uap.DefaultSnmp.OutPkts, 1)
	atomic.AddUint64(&uap.DefaultSnmp.BytesSent, uint64(n))
}

// close shuts the transport; the read loop notices and the coordinator
// stops.
func (e *endpoint) close() {
	if e.state != stateClosed {
		e.state = stateClosed
		e.conn.Close()
	}
}

// armTimer starts the single reply timer; the previous one, if armed, is
// cancelled first.
func (e *endpoint) armTimer() {
	e.cancelTimer()
	e.timer.Reset(e.timeout)
}

func (e *endpoint) cancelTimer() {
	if !e.timer.Stop() {
		select {
		case <-e.timer.C:
		default:
		}
	}
}

func (e *endpoint) logf(format string, v ...interface{}) {
	if !e.quiet {
		log.Printf(format, v...)
	}
}
