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

// Package record decodes and encodes the binary records of a perf sampling
// session, both those produced by the kernel and the ones added by user space
// post processing.
package record

// Header is the fixed prefix of every record.
type Header struct {
	Type Type
	Misc uint16
	Size uint16
}

// CPUMode returns the privilege level the record was generated in.
func (h Header) CPUMode() uint16 {
	return h.Misc & MiscCPUModeMask
}

func decodeHeader(d *decoder) Header {
	return Header{Type: Type(d.u32()), Misc: d.u16(), Size: d.u16()}
}

func (h Header) encode(e *encoder) {
	e.u32(uint32(h.Type))
	e.u16(h.Misc)
	e.u16(h.Size)
}

// Record is a decoded record. Records are values: the derived operations in
// this package return modified copies and never change their receiver.
type Record interface {
	// Header returns the header the record encodes with. Size reflects the
	// current fields, not the size the record was decoded with.
	Header() Header

	size() int
	encode(e *encoder)
}

func header(t Type, misc uint16, size int) Header {
	if size > MaxRecordSize {
		size = 0
	}
	return Header{Type: t, Misc: misc, Size: uint16(size)}
}

// InKernel reports whether r was generated in kernel mode.
func InKernel(r Record) bool {
	return r.Header().CPUMode() == MiscKernel
}

// Time returns the timestamp of r, taken from the sample itself or from the
// trailing sample id block, and whether one was recorded.
func Time(r Record) (uint64, bool) {
	switch r := r.(type) {
	case *SampleRecord:
		return r.Time, r.SampleType&SampleTime != 0
	case *CallChainRecord:
		return r.Time, true
	case *UnwindingResultRecord:
		return r.Time, true
	}
	if sid := sampleIDOf(r); sid != nil && sid.All && sid.SampleType&SampleTime != 0 {
		return sid.Time, true
	}
	return 0, false
}

func sampleIDOf(r Record) *SampleID {
	switch r := r.(type) {
	case *MmapRecord:
		return &r.SampleID
	case *Mmap2Record:
		return &r.SampleID
	case *CommRecord:
		return &r.SampleID
	case *ExitRecord:
		return &r.SampleID
	case *ForkRecord:
		return &r.SampleID
	case *LostRecord:
		return &r.SampleID
	}
	return nil
}

// MmapRecord announces an executable mapping.
type MmapRecord struct {
	Misc     uint16
	Pid, Tid uint32
	Addr     uint64
	Len      uint64
	Pgoff    uint64
	Filename string
	SampleID SampleID
}

func (r *MmapRecord) Header() Header { return header(TypeMmap, r.Misc, r.size()) }

func (r *MmapRecord) size() int {
	return HeaderSize + 8 + 24 + strSize(r.Filename, 8) + r.SampleID.size()
}

func (r *MmapRecord) decode(d *decoder) {
	r.Pid = d.u32()
	r.Tid = d.u32()
	r.Addr = d.u64()
	r.Len = d.u64()
	r.Pgoff = d.u64()
	r.Filename = d.str(8)
	r.SampleID.decode(d)
}

func (r *MmapRecord) encode(e *encoder) {
	e.u32(r.Pid)
	e.u32(r.Tid)
	e.u64(r.Addr)
	e.u64(r.Len)
	e.u64(r.Pgoff)
	e.str(r.Filename, 8)
	r.SampleID.encode(e)
}

// Mmap2Record is MmapRecord with file identity and protection bits.
type Mmap2Record struct {
	Misc          uint16
	Pid, Tid      uint32
	Addr          uint64
	Len           uint64
	Pgoff         uint64
	Maj, Min      uint32
	Ino           uint64
	InoGeneration uint64
	Prot, Flags   uint32
	Filename      string
	SampleID      SampleID
}

// Protection bits of Mmap2Record.Prot.
const (
	ProtRead  uint32 = 0x1
	ProtWrite uint32 = 0x2
	ProtExec  uint32 = 0x4
)

func (r *Mmap2Record) Header() Header { return header(TypeMmap2, r.Misc, r.size()) }

func (r *Mmap2Record) size() int {
	return HeaderSize + 8 + 24 + 8 + 16 + 8 + strSize(r.Filename, 8) + r.SampleID.size()
}

func (r *Mmap2Record) decode(d *decoder) {
	r.Pid = d.u32()
	r.Tid = d.u32()
	r.Addr = d.u64()
	r.Len = d.u64()
	r.Pgoff = d.u64()
	r.Maj = d.u32()
	r.Min = d.u32()
	r.Ino = d.u64()
	r.InoGeneration = d.u64()
	r.Prot = d.u32()
	r.Flags = d.u32()
	r.Filename = d.str(8)
	r.SampleID.decode(d)
}

func (r *Mmap2Record) encode(e *encoder) {
	e.u32(r.Pid)
	e.u32(r.Tid)
	e.u64(r.Addr)
	e.u64(r.Len)
	e.u64(r.Pgoff)
	e.u32(r.Maj)
	e.u32(r.Min)
	e.u64(r.Ino)
	e.u64(r.InoGeneration)
	e.u32(r.Prot)
	e.u32(r.Flags)
	e.str(r.Filename, 8)
	r.SampleID.encode(e)
}

// CommRecord names a thread.
type CommRecord struct {
	Misc     uint16
	Pid, Tid uint32
	Comm     string
	SampleID SampleID
}

func (r *CommRecord) Header() Header { return header(TypeComm, r.Misc, r.size()) }

func (r *CommRecord) size() int {
	return HeaderSize + 8 + strSize(r.Comm, 8) + r.SampleID.size()
}

func (r *CommRecord) decode(d *decoder) {
	r.Pid = d.u32()
	r.Tid = d.u32()
	r.Comm = d.str(8)
	r.SampleID.decode(d)
}

func (r *CommRecord) encode(e *encoder) {
	e.u32(r.Pid)
	e.u32(r.Tid)
	e.str(r.Comm, 8)
	r.SampleID.encode(e)
}

// TaskEvent is the payload shared by fork and exit records.
type TaskEvent struct {
	Misc      uint16
	Pid, Ppid uint32
	Tid, Ptid uint32
	Time      uint64
	SampleID  SampleID
}

func (t *TaskEvent) size() int {
	return HeaderSize + 24 + t.SampleID.size()
}

func (t *TaskEvent) decode(d *decoder) {
	t.Pid = d.u32()
	t.Ppid = d.u32()
	t.Tid = d.u32()
	t.Ptid = d.u32()
	t.Time = d.u64()
	t.SampleID.decode(d)
}

func (t *TaskEvent) encode(e *encoder) {
	e.u32(t.Pid)
	e.u32(t.Ppid)
	e.u32(t.Tid)
	e.u32(t.Ptid)
	e.u64(t.Time)
	t.SampleID.encode(e)
}

// ForkRecord announces a new thread or process.
type ForkRecord struct{ TaskEvent }

func (r *ForkRecord) Header() Header { return header(TypeFork, r.Misc, r.size()) }

// ExitRecord announces the end of a thread or process.
type ExitRecord struct{ TaskEvent }

func (r *ExitRecord) Header() Header { return header(TypeExit, r.Misc, r.size()) }

// LostRecord counts samples the kernel dropped.
type LostRecord struct {
	Misc     uint16
	ID       uint64
	Lost     uint64
	SampleID SampleID
}

func (r *LostRecord) Header() Header { return header(TypeLost, r.Misc, r.size()) }

func (r *LostRecord) size() int {
	return HeaderSize + 16 + r.SampleID.size()
}

func (r *LostRecord) decode(d *decoder) {
	r.ID = d.u64()
	r.Lost = d.u64()
	r.SampleID.decode(d)
}

func (r *LostRecord) encode(e *encoder) {
	e.u64(r.ID)
	e.u64(r.Lost)
	r.SampleID.encode(e)
}

// UnknownRecord preserves the payload of a record type the codec does not
// interpret.
type UnknownRecord struct {
	Type Type
	Misc uint16
	Data []byte
}

func (r *UnknownRecord) Header() Header { return header(r.Type, r.Misc, r.size()) }

func (r *UnknownRecord) size() int {
	return HeaderSize + len(r.Data)
}

func (r *UnknownRecord) encode(e *encoder) {
	e.bytes(r.Data, len(r.Data))
}
