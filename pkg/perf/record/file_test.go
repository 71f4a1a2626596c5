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
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-perf/byteorder"
)

func readAll(t *testing.T, r *Reader) []Record {
	t.Helper()
	var out []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func TestFileRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		order binary.ByteOrder
		opts  []WriterOption
	}{
		{"little endian", binary.LittleEndian, nil},
		{"big endian", binary.BigEndian, nil},
		{"zstd", binary.LittleEndian, []WriterOption{WithCompression()}},
		{"foreign endian", byteorder.Opposite(byteorder.GetHostByteOrder()), nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			attr := testAttr()
			records := []Record{
				&Mmap2Record{Pid: 100, Tid: 100, Addr: 0x400000, Len: 0x1000, Prot: ProtExec, Filename: "/usr/bin/app", SampleID: NewSampleID(attr)},
				&CommRecord{Pid: 100, Tid: 101, Comm: "app", SampleID: NewSampleID(attr)},
				testSample(attr),
			}

			var buf bytes.Buffer
			w := NewWriter(&buf, tt.order, tt.opts...)
			w.AddAttr(attr, []uint64{7})
			for _, r := range records {
				require.NoError(t, w.Write(r))
			}
			require.NoError(t, w.Close())

			r, err := NewReader(&buf)
			require.NoError(t, err)
			require.Equal(t, tt.order, r.ByteOrder())
			require.Equal(t, len(tt.opts) > 0, r.Compressed())
			require.Len(t, r.Attrs(), 1)
			require.Equal(t, []uint64{7}, r.Attrs()[0].IDs)
			if diff := cmp.Diff(attr, r.Attrs()[0].Attr); diff != "" {
				t.Errorf("attr mismatch (-want +got):\n%s", diff)
			}

			got := readAll(t, r)
			if diff := cmp.Diff(records, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("records mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFileAttrByIdentifier(t *testing.T) {
	t.Parallel()

	cycles := &EventAttr{SampleType: SampleIdentifier | SampleIP | SampleTID | SamplePeriod, Flags: FlagSampleIDAll}
	clock := &EventAttr{Type: 1, SampleType: SampleIdentifier | SampleIP | SampleTID | SamplePeriod | SampleCallChain, Flags: FlagSampleIDAll}

	s1 := NewSample(cycles)
	s1.Identifier, s1.IP, s1.Period = 10, 0x1000, 1
	s2 := NewSample(clock)
	s2.Identifier, s2.IP, s2.Period = 20, 0x2000, 2
	s2.CallChain = []uint64{ContextUser, 0x2000, 0x3000}

	var buf bytes.Buffer
	w := NewWriter(&buf, binary.LittleEndian)
	w.AddAttr(cycles, []uint64{10})
	w.AddAttr(clock, []uint64{20})
	require.NoError(t, w.Write(s1))
	require.NoError(t, w.Write(s2))
	require.NoError(t, w.Close())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	got := readAll(t, r)
	require.Len(t, got, 2)
	require.Equal(t, uint64(20), got[1].(*SampleRecord).EventID())
	require.Equal(t, []uint64{ContextUser, 0x2000, 0x3000}, got[1].(*SampleRecord).CallChain)
}

func TestReaderSkipsUndecodableRecord(t *testing.T) {
	t.Parallel()

	attr := &EventAttr{SampleType: SampleIP | SampleCallChain}
	bad := make([]byte, 16)
	binary.LittleEndian.PutUint32(bad, uint32(TypeSample))
	binary.LittleEndian.PutUint16(bad[6:], 16)
	binary.LittleEndian.PutUint64(bad[8:], 0x1000)

	good := NewSample(attr)
	good.IP = 0x2000
	goodBytes, err := Encode(good, binary.LittleEndian)
	require.NoError(t, err)

	var buf bytes.Buffer
	w := NewWriter(&buf, binary.LittleEndian)
	w.AddAttr(attr, nil)
	w.data.Write(bad)
	w.data.Write(goodBytes)
	require.NoError(t, w.Close())

	r, err := NewReader(&buf)
	require.NoError(t, err)

	_, err = r.Next()
	require.ErrorIs(t, err, ErrTruncated)

	rec, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, uint64(0x2000), rec.(*SampleRecord).IP)

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := NewReader(bytes.NewReader(bytes.Repeat([]byte("x"), 200)))
	require.ErrorIs(t, err, ErrBadMagic)

	_, err = NewReader(bytes.NewReader([]byte("PERFILE2")))
	require.ErrorIs(t, err, ErrTruncated)
}
