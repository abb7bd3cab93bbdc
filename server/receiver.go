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
	"net"
	"sync/atomic"
	"time"

	"github.com/uapnet/uap/uap"
)

// receiver reads datagrams from one socket and dispatches them to the
// shard queues. It parses nothing beyond the session id; validation is the
// worker's job. The short read deadline exists only so shutdown is
// observed within a second.
type receiver struct {
	srv  *Server
	conn net.PacketConn
}

func (r *receiver) Serve(ctx context.Context) error {
	buf := make([]byte, mtuLimit)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			return err
		}

		atomic.AddUint64(&uap.DefaultSnmp.InPkts, 1)
		atomic.AddUint64(&uap.DefaultSnmp.BytesReceived, uint64(n))

		sid, ok := uap.PeekSessionID(buf[:n])
		if !ok {
			// too short to shard; nothing downstream could use it either
			atomic.AddUint64(&uap.DefaultSnmp.InErrs, 1)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case r.srv.shard(sid) <- packet{data: data, from: from}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *receiver) String() string { return fmt.Sprintf("receiver(%v)", r.conn.LocalAddr()) }
