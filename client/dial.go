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

	"github.com/pkg/errors"
)

// dial opens a connected UDP socket to the server. A connected socket lets
// the kernel filter datagrams from other peers and turns WriteTo into the
// cheaper Write.
func dial(config *Config) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", config.RemoteAddr)
	if err != nil {
		return nil, errors.Wrap(err, "net.ResolveUDPAddr")
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, errors.Wrap(err, "net.DialUDP")
	}
	if config.SockBuf > 0 {
		if err := conn.SetReadBuffer(config.SockBuf); err != nil {
			return nil, errors.Wrap(err, "SetReadBuffer")
		}
		if err := conn.SetWriteBuffer(config.SockBuf); err != nil {
			return nil, errors.Wrap(err, "SetWriteBuffer")
		}
	}
	return conn, nil
}
