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

package std

import (
	"bytes"
	"strings"
	"testing"
)

func TestPayloadCompressionRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "Empty", payload: []byte{}},
		{name: "Short", payload: []byte("hi")},
		{name: "Repetitive", payload: []byte(strings.Repeat("chat line ", 100))},
		{name: "Binary", payload: []byte{0, 1, 2, 255, 254, 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			comp := CompressPayload(tt.payload)
			out, err := DecompressPayload(comp)
			if err != nil {
				t.Fatalf("DecompressPayload: %v", err)
			}
			if !bytes.Equal(out, tt.payload) {
				t.Fatalf("round trip mismatch: got %q, want %q", out, tt.payload)
			}
		})
	}
}

func TestDecompressPayloadGarbage(t *testing.T) {
	if _, err := DecompressPayload([]byte("definitely not snappy")); err == nil {
		t.Fatal("DecompressPayload accepted garbage input")
	}
}
