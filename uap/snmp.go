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

package uap

import (
	"fmt"
	"sync/atomic"
)

// Snmp defines UAP traffic and session statistics. All fields are updated
// with atomic operations and may be read from any goroutine.
type Snmp struct {
	BytesSent       uint64 // raw bytes put on the wire
	BytesReceived   uint64 // raw bytes read off the wire
	InPkts          uint64 // datagrams received
	OutPkts         uint64 // datagrams sent
	InErrs          uint64 // datagrams discarded (short, bad magic/version)
	SessionsCreated uint64 // sessions created on HELLO
	SessionsClosed  uint64 // sessions closed by GOODBYE or protocol error
	SessionsExpired uint64 // sessions reaped by the idle cleaner
	DupPkts         uint64 // duplicate DATA packets
	LostPkts        uint64 // sequence numbers detected as lost
	ProtoErrs       uint64 // protocol errors (old sequence, HELLO on live session)
	RetransGoodbyes uint64 // farewell GOODBYEs sent to expired peers and in the shutdown broadcast
}

func newSnmp() *Snmp {
	return new(Snmp)
}

// Header returns the field names, in ToSlice order.
func (s *Snmp) Header() []string {
	return []string{
		"BytesSent",
		"BytesReceived",
		"InPkts",
		"OutPkts",
		"InErrs",
		"SessionsCreated",
		"SessionsClosed",
		"SessionsExpired",
		"DupPkts",
		"LostPkts",
		"ProtoErrs",
		"RetransGoodbyes",
	}
}

// ToSlice returns the current values, in Header order.
func (s *Snmp) ToSlice() []string {
	snmp := s.Copy()
	return []string{
		fmt.Sprint(snmp.BytesSent),
		fmt.Sprint(snmp.BytesReceived),
		fmt.Sprint(snmp.InPkts),
		fmt.Sprint(snmp.OutPkts),
		fmt.Sprint(snmp.InErrs),
		fmt.Sprint(snmp.SessionsCreated),
		fmt.Sprint(snmp.SessionsClosed),
		fmt.Sprint(snmp.SessionsExpired),
		fmt.Sprint(snmp.DupPkts),
		fmt.Sprint(snmp.LostPkts),
		fmt.Sprint(snmp.ProtoErrs),
		fmt.Sprint(snmp.RetransGoodbyes),
	}
}

// Copy makes a consistent-enough snapshot for reporting.
func (s *Snmp) Copy() *Snmp {
	d := newSnmp()
	d.BytesSent = atomic.LoadUint64(&s.BytesSent)
	d.BytesReceived = atomic.LoadUint64(&s.BytesReceived)
	d.InPkts = atomic.LoadUint64(&s.InPkts)
	d.OutPkts = atomic.LoadUint64(&s.OutPkts)
	d.InErrs = atomic.LoadUint64(&s.InErrs)
	d.SessionsCreated = atomic.LoadUint64(&s.SessionsCreated)
	d.SessionsClosed = atomic.LoadUint64(&s.SessionsClosed)
	d.SessionsExpired = atomic.LoadUint64(&s.SessionsExpired)
	d.DupPkts = atomic.LoadUint64(&s.DupPkts)
	d.LostPkts = atomic.LoadUint64(&s.LostPkts)
	d.ProtoErrs = atomic.LoadUint64(&s.ProtoErrs)
	d.RetransGoodbyes = atomic.LoadUint64(&s.RetransGoodbyes)
	return d
}

// Reset zeroes all counters.
func (s *Snmp) Reset() {
	atomic.StoreUint64(&s.BytesSent, 0)
	atomic.StoreUint64(&s.BytesReceived, 0)
	atomic.StoreUint64(&s.InPkts, 0)
	atomic.StoreUint64(&s.OutPkts, 0)
	atomic.StoreUint64(&s.InErrs, 0)
	atomic.StoreUint64(&s.SessionsCreated, 0)
	atomic.StoreUint64(&s.SessionsClosed, 0)
	atomic.StoreUint64(&s.SessionsExpired, 0)
	atomic.StoreUint64(&s.DupPkts, 0)
	atomic.StoreUint64(&s.LostPkts, 0)
	atomic.StoreUint64(&s.ProtoErrs, 0)
	atomic.StoreUint64(&s.RetransGoodbyes, 0)
}

// DefaultSnmp is the global UAP statistics collector.
var DefaultSnmp *Snmp

func init() {
	DefaultSnmp = newSnmp()
}
