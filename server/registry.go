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
	"net"
	"sync"
	"time"
)

// session is the server-side record for one active peer. All mutation
// happens in the worker shard owning the session id, under the registry
// lock.
type session struct {
	addr        net.Addr  // UDP peer the replies go to
	expectedSeq uint32    // next expected inbound DATA sequence, never decreases
	lastSeen    time.Time // refreshed on every packet from the peer
	clock       uint64    // Lamport clock of this session

	// one-way latency accumulator, reported when the session ends
	latencyNS   uint64
	latencyPkts uint64
}

// registry maps session ids to records and allocates the process-wide
// outbound sequence numbers. One lock covers both: the cleaner sweep and
// the shutdown snapshot need a consistent view across all shards, and
// contention stays low because workers already serialize per shard.
type registry struct {
	mu       sync.Mutex
	sessions map[uint32]*session
	seq      uint32
}

func newRegistry() *registry {
	return &registry{sessions: make(map[uint32]*session)}
}

// nextSeq allocates one outbound sequence number. Every send consumes
// exactly one value.
func (r *registry) nextSeq() uint32 {
	r.mu.Lock()
	seq := r.seq
	r.seq++
	r.mu.Unlock()
	return seq
}

// expired pairs a reaped session id with its last known address.
type expired struct {
	sid  uint32
	addr net.Addr
}

// sweep deletes and returns every session idle for longer than maxIdle.
func (r *registry) sweep(maxIdle time.Duration) []expired {
	now := time.Now()
	var reaped []expired
	r.mu.Lock()
	for sid, sess := range r.sessions {
		if now.Sub(sess.lastSeen) > maxIdle {
			reaped = append(reaped, expired{sid: sid, addr: sess.addr})
			delete(r.sessions, sid)
		}
	}
	r.mu.Unlock()
	return reaped
}

// snapshotAddresses returns the current peers, for the shutdown broadcast.
func (r *registry) snapshotAddresses() []expired {
	var peers []expired
	r.mu.Lock()
	for sid, sess := range r.sessions {
		peers = append(peers, expired{sid: sid, addr: sess.addr})
	}
	r.mu.Unlock()
	return peers
}

// count returns the number of live sessions.
func (r *registry) count() int {
	r.mu.Lock()
	n := len(r.sessions)
	r.mu.Unlock()
	return n
}
