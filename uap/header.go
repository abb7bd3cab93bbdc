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

// Package uap implements the wire format and shared primitives of the
// UDP Application Protocol: a fixed 28-byte big-endian header carrying a
// command, per-sender sequence number, session id, Lamport clock and a
// wall-clock timestamp, optionally followed by an opaque payload.
package uap

import "encoding/binary"

const (
	// Magic identifies a UAP datagram.
	Magic uint16 = 0xC461

	// Version is the only protocol version this implementation speaks.
	Version byte = 1

	// HeaderSize is the fixed wire size of a UAP header.
	HeaderSize = 28
)

// protocol commands
const (
	CmdHello byte = iota
	CmdData
	CmdAlive
	CmdGoodbye
)

var cmdNames = [...]string{"HELLO", "DATA", "ALIVE", "GOODBYE"}

// CommandName returns a printable name for a command byte.
func CommandName(cmd byte) string {
	if int(cmd) < len(cmdNames) {
		return cmdNames[cmd]
	}
	return "UNKNOWN"
}

// Header is the decoded form of the fixed wire header.
type Header struct {
	Magic     uint16
	Version   byte
	Command   byte
	Seq       uint32
	SessionID uint32
	Clock     uint64
	Timestamp uint64
}

// Valid reports whether the magic and version fields identify a datagram
// this implementation should process. Decode deliberately does not check
// this; receivers decide where to filter.
func (h Header) Valid() bool {
	return h.Magic == Magic && h.Version == Version
}

// Encode appends the wire form of a header to dst and returns the extended
// slice. Passing nil allocates exactly HeaderSize bytes.
func Encode(dst []byte, cmd byte, seq, sid uint32, clock, ts uint64) []byte {
	var b [HeaderSize]byte
	binary.BigEndian.PutUint16(b[0:], Magic)
	b[2] = Version
	b[3] = cmd
	binary.BigEndian.PutUint32(b[4:], seq)
	binary.BigEndian.PutUint32(b[8:], sid)
	binary.BigEndian.PutUint64(b[12:], clock)
	binary.BigEndian.PutUint64(b[20:], ts)
	return append(dst, b[:]...)
}

// Decode splits a datagram into header and payload. ok is false only when
// the datagram is too short to carry a header; magic and version are
// returned as found on the wire, unchecked.
func Decode(data []byte) (h Header, payload []byte, ok bool) {
	if len(data) < HeaderSize {
		return Header{}, nil, false
	}
	h.Magic = binary.BigEndian.Uint16(data[0:])
	h.Version = data[2]
	h.Command = data[3]
	h.Seq = binary.BigEndian.Uint32(data[4:])
	h.SessionID = binary.BigEndian.Uint32(data[8:])
	h.Clock = binary.BigEndian.Uint64(data[12:])
	h.Timestamp = binary.BigEndian.Uint64(data[20:])
	return h, data[HeaderSize:], true
}

// PeekSessionID extracts the session id without decoding the full header,
// for use as a dispatch key. ok is false when the datagram cannot carry one.
func PeekSessionID(data []byte) (uint32, bool) {
	if len(data) < 12 {
		return 0, false
	}
	return binary.BigEndian.Uint32(data[8:]), true
}
