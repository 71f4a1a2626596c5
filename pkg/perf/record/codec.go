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
	"encoding/binary"
	"fmt"
)

// PeekHeader decodes the header at the start of b without validating it
// against the rest of the buffer.
func PeekHeader(b []byte, order binary.ByteOrder) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrTruncated
	}
	return decodeHeader(newDecoder(b[:HeaderSize], order)), nil
}

// Decode decodes the record at the start of b. attr shapes samples and the
// sample id block of kernel records, it may be nil when neither occur.
//
// The returned size is how far the stream advances, and is valid whenever
// the header was readable even if the payload was not. A payload that fails
// to decode is reported as a *DecodeError.
func Decode(b []byte, attr *EventAttr, order binary.ByteOrder) (Record, int, error) {
	h, err := PeekHeader(b, order)
	if err != nil {
		return nil, 0, err
	}
	if h.Size < HeaderSize {
		return nil, 0, &DecodeError{Type: h.Type, Err: fmt.Errorf("%w: header declares %d bytes", ErrInvalidSize, h.Size)}
	}
	size := int(h.Size)
	if size > len(b) {
		return nil, 0, &DecodeError{Type: h.Type, Err: fmt.Errorf("%w: header declares %d bytes, %d available", ErrTruncated, size, len(b))}
	}

	r, err := decodePayload(h, b[HeaderSize:size], attr, order)
	if err != nil {
		return nil, size, &DecodeError{Type: h.Type, Err: err}
	}
	return r, size, nil
}

func decodePayload(h Header, payload []byte, attr *EventAttr, order binary.ByteOrder) (Record, error) {
	d := newDecoder(payload, order)
	sid := NewSampleID(attr)

	var r Record
	switch h.Type {
	case TypeSample:
		if attr == nil {
			return nil, fmt.Errorf("%w: sample without event attr", ErrUnsupportedFeatureCombination)
		}
		s := NewSample(attr)
		s.Misc = h.Misc
		if err := s.decode(d); err != nil {
			return nil, err
		}
		return s, nil
	case TypeMmap:
		m := &MmapRecord{Misc: h.Misc, SampleID: sid}
		m.decode(d)
		r = m
	case TypeMmap2:
		m := &Mmap2Record{Misc: h.Misc, SampleID: sid}
		m.decode(d)
		r = m
	case TypeComm:
		c := &CommRecord{Misc: h.Misc, SampleID: sid}
		c.decode(d)
		r = c
	case TypeFork:
		f := &ForkRecord{TaskEvent{Misc: h.Misc, SampleID: sid}}
		f.decode(d)
		r = f
	case TypeExit:
		x := &ExitRecord{TaskEvent{Misc: h.Misc, SampleID: sid}}
		x.decode(d)
		r = x
	case TypeLost:
		l := &LostRecord{Misc: h.Misc, SampleID: sid}
		l.decode(d)
		r = l
	case TypeBuildID:
		b := &BuildIDRecord{Misc: h.Misc}
		b.decode(d)
		r = b
	case TypeKernelSymbol:
		k := &KernelSymbolRecord{Misc: h.Misc}
		k.decode(d)
		r = k
	case TypeDso:
		x := &DsoRecord{Misc: h.Misc}
		x.decode(d)
		r = x
	case TypeSymbol:
		s := &SymbolRecord{Misc: h.Misc}
		s.decode(d)
		r = s
	case TypeTracingData, TypeTracingDataInternal:
		t := &TracingDataRecord{Kind: h.Type, Misc: h.Misc}
		t.decode(d)
		r = t
	case TypeEventID:
		e := &EventIDRecord{Misc: h.Misc}
		e.decode(d)
		r = e
	case TypeCallChain:
		c := &CallChainRecord{Misc: h.Misc}
		c.decode(d)
		r = c
	case TypeUnwindingResult:
		u := &UnwindingResultRecord{Misc: h.Misc}
		u.decode(d)
		r = u
	default:
		return &UnknownRecord{Type: h.Type, Misc: h.Misc, Data: d.bytes(len(payload))}, nil
	}
	if d.err != nil {
		return nil, d.err
	}
	return r, nil
}

// Encode serializes r. The header size is recomputed from the fields.
func Encode(r Record, order binary.ByteOrder) ([]byte, error) {
	size := r.size()
	if size > MaxRecordSize {
		return nil, fmt.Errorf("%w: %s record needs %d bytes", ErrRecordTooLarge, r.Header().Type, size)
	}
	e := newEncoder(size, order)
	r.Header().encode(e)
	r.encode(e)
	if e.off != size {
		return nil, fmt.Errorf("%s record encoded %d bytes, expected %d", r.Header().Type, e.off, size)
	}
	return e.b, nil
}

// ReadRecords decodes every record of b in order and calls fn with each.
// Decoding stops at the first error, including one returned by fn.
func ReadRecords(b []byte, attr *EventAttr, order binary.ByteOrder, fn func(Record) error) error {
	off := 0
	for off < len(b) {
		r, n, err := Decode(b[off:], attr, order)
		if err != nil {
			return withOffset(err, off)
		}
		if err := fn(r); err != nil {
			return err
		}
		off += n
	}
	return nil
}

func withOffset(err error, off int) error {
	if de, ok := err.(*DecodeError); ok {
		de.Offset = off
		return de
	}
	return &DecodeError{Offset: off, Err: err}
}
