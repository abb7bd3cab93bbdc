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
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/uapnet/uap/uap"
)

// cleaner periodically reaps sessions whose peer went silent and tells the
// last known address goodbye. The expired session no longer has a clock,
// so the farewell carries a zero clock and timestamp.
type cleaner struct {
	srv     *Server
	period  time.Duration // time between sweeps
	maxIdle time.Duration // silence after which a session expires
}

func (c *cleaner) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, e := range c.srv.registry.sweep(c.maxIdle) {
				fmt.Fprintf(c.srv.out, "0x%08x Session timed out. Closing.\n", e.sid)
				atomic.AddUint64(&uap.DefaultSnmp.SessionsExpired, 1)
				c.srv.sendFarewell(e.sid, e.addr)
			}
		}
	}
}

func (c *cleaner) String() string { return "cleaner" }

// sendFarewell emits a GOODBYE for a session that no longer exists: fresh
// sequence number, zero clock and timestamp.
func (s *Server) sendFarewell(sid uint32, to net.Addr) {
	seq := s.registry.nextSeq()
	pkt := uap.Encode(nil, uap.CmdGoodbye, seq, sid, 0, 0)
	if n, err := s.conn.WriteTo(pkt, to); err == nil {
		atomic.AddUint64(&uap.DefaultSnmp.OutPkts, 1)
		atomic.AddUint64(&uap.DefaultSnmp.BytesSent, uint64(n))
		atomic.AddUint64(&uap.DefaultSnmp.RetransGoodbyes, 1)
	} else {
		log.Println("farewell:", err)
	}
}
