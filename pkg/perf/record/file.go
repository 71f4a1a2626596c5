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
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	fileMagic         = "PERFILE2"
	fileMagicSwapped  = "2ELIFREP"
	fileHeaderSize    = 104
	fileSectionSize   = 16
	fileAttrEntrySize = AttrSizeVer5 + fileSectionSize
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// ErrBadMagic is returned for input that is not a record file.
var ErrBadMagic = errors.New("not a perf record file")

// FileAttr is an event attr with the kernel event ids opened for it.
type FileAttr struct {
	Attr *EventAttr
	IDs  []uint64
}

type fileSection struct {
	offset, size uint64
}

func (s fileSection) slice(b []byte) ([]byte, error) {
	end := s.offset + s.size
	if end < s.offset || end > uint64(len(b)) {
		return nil, fmt.Errorf("section [%d, %d) outside of %d byte file: %w", s.offset, end, len(b), ErrTruncated)
	}
	return b[s.offset:end], nil
}

// Reader iterates over the records of a perf.data file. Files compressed with
// zstd as a whole are decompressed transparently.
type Reader struct {
	order      binary.ByteOrder
	compressed bool
	attrs      []FileAttr
	byID       map[uint64]*EventAttr
	data       []byte
	off        int
	err        error
}

// NewReader reads the whole file from r and parses its header.
func NewReader(r io.Reader) (*Reader, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read record file: %w", err)
	}
	compressed := false
	if bytes.HasPrefix(b, zstdMagic) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		defer dec.Close()
		b, err = dec.DecodeAll(b, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress record file: %w", err)
		}
		compressed = true
	}
	rd, err := parseFile(b)
	if err != nil {
		return nil, err
	}
	rd.compressed = compressed
	return rd, nil
}

func parseFile(b []byte) (*Reader, error) {
	if len(b) < fileHeaderSize {
		return nil, fmt.Errorf("file header: %w", ErrTruncated)
	}
	var order binary.ByteOrder
	switch string(b[:8]) {
	case fileMagic:
		order = binary.LittleEndian
	case fileMagicSwapped:
		order = binary.BigEndian
	default:
		return nil, ErrBadMagic
	}

	d := newDecoder(b[8:fileHeaderSize], order)
	headerSize := d.u64()
	attrSize := d.u64()
	attrs := fileSection{d.u64(), d.u64()}
	data := fileSection{d.u64(), d.u64()}
	if headerSize < fileHeaderSize {
		return nil, fmt.Errorf("file header declares %d bytes: %w", headerSize, ErrInvalidSize)
	}
	if attrSize <= fileSectionSize || attrSize > 1<<16 {
		return nil, fmt.Errorf("attr entry of %d bytes: %w", attrSize, ErrInvalidSize)
	}

	rd := &Reader{order: order, byID: map[uint64]*EventAttr{}}
	attrBytes, err := attrs.slice(b)
	if err != nil {
		return nil, fmt.Errorf("attrs: %w", err)
	}
	for off := uint64(0); off+attrSize <= uint64(len(attrBytes)); off += attrSize {
		entry := attrBytes[off : off+attrSize]
		attr, err := UnmarshalEventAttr(entry[:attrSize-fileSectionSize], order)
		if err != nil {
			return nil, err
		}
		sd := newDecoder(entry[attrSize-fileSectionSize:], order)
		idSection := fileSection{sd.u64(), sd.u64()}
		idBytes, err := idSection.slice(b)
		if err != nil {
			return nil, fmt.Errorf("event ids: %w", err)
		}
		ids := newDecoder(idBytes, order).u64s(uint64(len(idBytes) / 8))
		for _, id := range ids {
			rd.byID[id] = attr
		}
		rd.attrs = append(rd.attrs, FileAttr{Attr: attr, IDs: ids})
	}
	if len(rd.attrs) == 0 {
		return nil, fmt.Errorf("%w: file has no event attrs", ErrInvalidSize)
	}
	rd.data, err = data.slice(b)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	return rd, nil
}

// ByteOrder returns the byte order the file was written in.
func (r *Reader) ByteOrder() binary.ByteOrder { return r.order }

// Compressed reports whether the file was zstd compressed.
func (r *Reader) Compressed() bool { return r.compressed }

// Attrs returns the event attrs of the file. The first one shapes records
// that cannot be attributed to an event.
func (r *Reader) Attrs() []FileAttr { return r.attrs }

// Next returns the next record, or io.EOF after the last one. A record whose
// payload does not decode is reported as a *DecodeError and skipped, the
// following call continues with the next record. Once a record header cannot
// be read the error wraps ErrStreamCorrupt, satisfies IsFatal and is
// returned by every further call.
func (r *Reader) Next() (Record, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.off >= len(r.data) {
		return nil, io.EOF
	}
	b := r.data[r.off:]
	rec, n, err := Decode(b, r.attrFor(b), r.order)
	if err != nil {
		err = withOffset(err, r.off)
		if n == 0 {
			err = fmt.Errorf("%w: %w", ErrStreamCorrupt, err)
			r.err = err
		}
		r.off += n
		return nil, err
	}
	r.off += n
	if ev, ok := rec.(*EventIDRecord); ok {
		for _, p := range ev.Pairs {
			if p.AttrID < uint64(len(r.attrs)) {
				r.byID[p.EventID] = r.attrs[p.AttrID].Attr
			}
		}
	}
	return rec, nil
}

// attrFor picks the attr shaping the record at the start of b by the event id
// it carries, when the attrs make that id locatable.
func (r *Reader) attrFor(b []byte) *EventAttr {
	first := r.attrs[0].Attr
	if len(r.attrs) == 1 || first.SampleType&SampleIdentifier == 0 {
		return first
	}
	h, err := PeekHeader(b, r.order)
	if err != nil || int(h.Size) > len(b) {
		return first
	}
	var id uint64
	switch {
	case h.Type == TypeSample && h.Size >= HeaderSize+8:
		id = r.order.Uint64(b[HeaderSize:])
	case h.Type < typeUserStart && first.SampleIDAll() && h.Size >= HeaderSize+8:
		id = r.order.Uint64(b[h.Size-8:])
	default:
		return first
	}
	if attr, ok := r.byID[id]; ok {
		return attr
	}
	return first
}

// AttrForID returns the attr of the event with the given id.
func (r *Reader) AttrForID(id uint64) (*EventAttr, bool) {
	attr, ok := r.byID[id]
	return attr, ok
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithCompression compresses the whole file with zstd.
func WithCompression() WriterOption {
	return func(w *Writer) { w.compress = true }
}

// Writer produces a perf.data file. Records are buffered and the file is
// written on Close, once the size of every section is known.
type Writer struct {
	w        io.Writer
	order    binary.ByteOrder
	compress bool
	attrs    []FileAttr
	data     bytes.Buffer
	closed   bool
}

func NewWriter(w io.Writer, order binary.ByteOrder, opts ...WriterOption) *Writer {
	fw := &Writer{w: w, order: order}
	for _, o := range opts {
		o(fw)
	}
	return fw
}

// AddAttr registers an event attr. Attrs must be added before Close.
func (w *Writer) AddAttr(attr *EventAttr, ids []uint64) {
	w.attrs = append(w.attrs, FileAttr{Attr: attr, IDs: ids})
}

// Write appends r to the data section.
func (w *Writer) Write(r Record) error {
	if w.closed {
		return errors.New("write to closed record writer")
	}
	b, err := Encode(r, w.order)
	if err != nil {
		return err
	}
	w.data.Write(b)
	return nil
}

// Close writes the file.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	idsSize := 0
	for _, a := range w.attrs {
		idsSize += 8 * len(a.IDs)
	}
	attrsOffset := fileHeaderSize + idsSize
	attrsSize := fileAttrEntrySize * len(w.attrs)
	dataOffset := attrsOffset + attrsSize

	out := newEncoder(dataOffset, w.order)
	if w.order == binary.ByteOrder(binary.BigEndian) {
		out.bytes([]byte(fileMagicSwapped), 8)
	} else {
		out.bytes([]byte(fileMagic), 8)
	}
	out.u64(fileHeaderSize)
	out.u64(fileAttrEntrySize)
	out.u64(uint64(attrsOffset))
	out.u64(uint64(attrsSize))
	out.u64(uint64(dataOffset))
	out.u64(uint64(w.data.Len()))
	// Event types section and feature bits stay zero.
	out.off = fileHeaderSize

	idOffsets := make([]int, len(w.attrs))
	for i, a := range w.attrs {
		idOffsets[i] = out.off
		out.u64s(a.IDs)
	}
	for i, a := range w.attrs {
		out.bytes(a.Attr.MarshalBinary(w.order), AttrSizeVer5)
		out.u64(uint64(idOffsets[i]))
		out.u64(uint64(8 * len(a.IDs)))
	}

	dst := w.w
	var enc *zstd.Encoder
	if w.compress {
		var err error
		enc, err = zstd.NewWriter(w.w)
		if err != nil {
			return fmt.Errorf("create zstd encoder: %w", err)
		}
		dst = enc
	}
	if _, err := dst.Write(out.b); err != nil {
		return fmt.Errorf("write record file header: %w", err)
	}
	if _, err := w.data.WriteTo(dst); err != nil {
		return fmt.Errorf("write record file data: %w", err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return fmt.Errorf("flush zstd encoder: %w", err)
		}
	}
	return nil
}
