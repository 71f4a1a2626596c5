// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package record

import (
	"bytes"
	"encoding/binary"
	"math"
)

// decoder reads fields from a bounded record payload. The first failure
// sticks, later reads return zero values.
type decoder struct {
	b     []byte
	off   int
	order binary.ByteOrder
	err   error
}

func newDecoder(b []byte, order binary.ByteOrder) *decoder {
	return &decoder{b: b, order: order}
}

func (d *decoder) remaining() int {
	return len(d.b) - d.off
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 {
		d.err = ErrTruncated
		return nil
	}
	if n > d.remaining() {
		d.err = ErrTruncated
		return nil
	}
	b := d.b[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return d.order.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return d.order.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return d.order.Uint64(b)
}

// count checks that n elements of elemSize bytes can still be read.
func (d *decoder) count(n uint64, elemSize int) int {
	if d.err != nil {
		return 0
	}
	if n > uint64(math.MaxInt32/elemSize) {
		d.err = ErrTruncated
		return 0
	}
	if int(n)*elemSize > d.remaining() {
		d.err = ErrTruncated
		return 0
	}
	return int(n)
}

func (d *decoder) u64s(n uint64) []uint64 {
	c := d.count(n, 8)
	if d.err != nil || c == 0 {
		return nil
	}
	out := make([]uint64, c)
	for i := range out {
		out[i] = d.u64()
	}
	return out
}

func (d *decoder) bytes(n int) []byte {
	b := d.take(n)
	if len(b) == 0 {
		return nil
	}
	return bytes.Clone(b)
}

// str reads a NUL terminated string occupying a region padded to alignment.
func (d *decoder) str(alignment int) string {
	if d.err != nil {
		return ""
	}
	rest := d.b[d.off:]
	n := bytes.IndexByte(rest, 0)
	if n < 0 {
		d.err = ErrTruncated
		return ""
	}
	b := d.take(align(n+1, alignment))
	if b == nil {
		return ""
	}
	return string(b[:n])
}

// encoder writes fields into a buffer sized up front.
type encoder struct {
	b     []byte
	off   int
	order binary.ByteOrder
}

func newEncoder(size int, order binary.ByteOrder) *encoder {
	return &encoder{b: make([]byte, size), order: order}
}

func (e *encoder) u16(v uint16) {
	e.order.PutUint16(e.b[e.off:], v)
	e.off += 2
}

func (e *encoder) u32(v uint32) {
	e.order.PutUint32(e.b[e.off:], v)
	e.off += 4
}

func (e *encoder) u64(v uint64) {
	e.order.PutUint64(e.b[e.off:], v)
	e.off += 8
}

func (e *encoder) u64s(vs []uint64) {
	for _, v := range vs {
		e.u64(v)
	}
}

func (e *encoder) bytes(b []byte, padded int) {
	copy(e.b[e.off:], b)
	e.off += padded
}

func (e *encoder) str(s string, alignment int) {
	e.bytes([]byte(s), strSize(s, alignment))
}

func strSize(s string, alignment int) int {
	return align(len(s)+1, alignment)
}
