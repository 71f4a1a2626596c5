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

import "encoding/hex"

// BuildIDRecord associates a file with its GNU build id.
type BuildIDRecord struct {
	Misc     uint16
	Pid      uint32
	BuildID  [BuildIDSize]byte
	Filename string
}

func (r *BuildIDRecord) Header() Header { return header(TypeBuildID, r.Misc, r.size()) }

// BuildIDHex returns the build id as a hex string.
func (r *BuildIDRecord) BuildIDHex() string {
	return hex.EncodeToString(r.BuildID[:])
}

func (r *BuildIDRecord) size() int {
	return HeaderSize + 4 + align(BuildIDSize, 8) + strSize(r.Filename, 64)
}

func (r *BuildIDRecord) decode(d *decoder) {
	r.Pid = d.u32()
	copy(r.BuildID[:], d.take(align(BuildIDSize, 8)))
	r.Filename = d.str(64)
}

func (r *BuildIDRecord) encode(e *encoder) {
	e.u32(r.Pid)
	e.bytes(r.BuildID[:], align(BuildIDSize, 8))
	e.str(r.Filename, 64)
}

// KernelSymbolRecord carries a copy of /proc/kallsyms.
type KernelSymbolRecord struct {
	Misc uint16
	Data []byte
}

func (r *KernelSymbolRecord) Header() Header { return header(TypeKernelSymbol, r.Misc, r.size()) }

func (r *KernelSymbolRecord) size() int {
	return HeaderSize + 4 + align(len(r.Data), 8)
}

func (r *KernelSymbolRecord) decode(d *decoder) {
	n := d.u32()
	data := d.take(align(int(n), 8))
	if data != nil {
		r.Data = append([]byte(nil), data[:n]...)
	}
}

func (r *KernelSymbolRecord) encode(e *encoder) {
	e.u32(uint32(len(r.Data)))
	e.bytes(r.Data, align(len(r.Data), 8))
}

// DsoRecord declares a binary that SymbolRecords refer to by id.
type DsoRecord struct {
	Misc     uint16
	DsoType  uint64
	DsoID    uint64
	MinVaddr uint64
	Name     string
}

func (r *DsoRecord) Header() Header { return header(TypeDso, r.Misc, r.size()) }

func (r *DsoRecord) size() int {
	return HeaderSize + 24 + strSize(r.Name, 8)
}

func (r *DsoRecord) decode(d *decoder) {
	r.DsoType = d.u64()
	r.DsoID = d.u64()
	r.MinVaddr = d.u64()
	r.Name = d.str(8)
}

func (r *DsoRecord) encode(e *encoder) {
	e.u64(r.DsoType)
	e.u64(r.DsoID)
	e.u64(r.MinVaddr)
	e.str(r.Name, 8)
}

// SymbolRecord names an address range of a dso.
type SymbolRecord struct {
	Misc  uint16
	Addr  uint64
	Len   uint64
	DsoID uint64
	Name  string
}

func (r *SymbolRecord) Header() Header { return header(TypeSymbol, r.Misc, r.size()) }

func (r *SymbolRecord) size() int {
	return HeaderSize + 24 + strSize(r.Name, 8)
}

func (r *SymbolRecord) decode(d *decoder) {
	r.Addr = d.u64()
	r.Len = d.u64()
	r.DsoID = d.u64()
	r.Name = d.str(8)
}

func (r *SymbolRecord) encode(e *encoder) {
	e.u64(r.Addr)
	e.u64(r.Len)
	e.u64(r.DsoID)
	e.str(r.Name, 8)
}

// TracingDataRecord carries tracepoint format descriptions. Kind is either
// TypeTracingData or TypeTracingDataInternal.
type TracingDataRecord struct {
	Kind Type
	Misc uint16
	Data []byte
}

func (r *TracingDataRecord) Header() Header { return header(r.Kind, r.Misc, r.size()) }

func (r *TracingDataRecord) size() int {
	return HeaderSize + 4 + align(len(r.Data), 64)
}

func (r *TracingDataRecord) decode(d *decoder) {
	n := d.u32()
	data := d.take(align(int(n), 64))
	if data != nil {
		r.Data = append([]byte(nil), data[:n]...)
	}
}

func (r *TracingDataRecord) encode(e *encoder) {
	e.u32(uint32(len(r.Data)))
	e.bytes(r.Data, align(len(r.Data), 64))
}

// EventIDPair maps a kernel event id to the attr it was opened with.
type EventIDPair struct {
	AttrID  uint64
	EventID uint64
}

// EventIDRecord lists kernel event ids per attr.
type EventIDRecord struct {
	Misc  uint16
	Pairs []EventIDPair
}

func (r *EventIDRecord) Header() Header { return header(TypeEventID, r.Misc, r.size()) }

func (r *EventIDRecord) size() int {
	return HeaderSize + 8 + 16*len(r.Pairs)
}

func (r *EventIDRecord) decode(d *decoder) {
	n := d.count(d.u64(), 16)
	if n == 0 {
		return
	}
	r.Pairs = make([]EventIDPair, n)
	for i := range r.Pairs {
		r.Pairs[i] = EventIDPair{AttrID: d.u64(), EventID: d.u64()}
	}
}

func (r *EventIDRecord) encode(e *encoder) {
	e.u64(uint64(len(r.Pairs)))
	for _, p := range r.Pairs {
		e.u64(p.AttrID)
		e.u64(p.EventID)
	}
}

// CallChainRecord stores an unwound user call chain for a sample that was
// written separately.
type CallChainRecord struct {
	Misc      uint16
	Pid, Tid  uint32
	ChainType uint64
	Time      uint64
	IPs       []uint64
	SPs       []uint64
}

// Chain types of CallChainRecord.
const (
	ChainTypeOfflineUnwound uint64 = 0
)

func (r *CallChainRecord) Header() Header { return header(TypeCallChain, r.Misc, r.size()) }

func (r *CallChainRecord) size() int {
	return HeaderSize + 32 + 16*len(r.IPs)
}

func (r *CallChainRecord) decode(d *decoder) {
	r.Pid = d.u32()
	r.Tid = d.u32()
	r.ChainType = d.u64()
	r.Time = d.u64()
	n := d.u64()
	d.count(n, 16)
	r.IPs = d.u64s(n)
	r.SPs = d.u64s(n)
}

func (r *CallChainRecord) encode(e *encoder) {
	e.u32(r.Pid)
	e.u32(r.Tid)
	e.u64(r.ChainType)
	e.u64(r.Time)
	e.u64(uint64(len(r.IPs)))
	e.u64s(r.IPs)
	sps := r.SPs
	if len(sps) != len(r.IPs) {
		sps = make([]uint64, len(r.IPs))
		copy(sps, r.SPs)
	}
	e.u64s(sps)
}

// UnwindingResultRecord stores diagnostics of one offline unwind.
type UnwindingResultRecord struct {
	Misc       uint16
	Time       uint64
	UsedTime   uint64
	StopReason uint64
	StopInfo   uint64
	StackStart uint64
	StackEnd   uint64
}

func (r *UnwindingResultRecord) Header() Header {
	return header(TypeUnwindingResult, r.Misc, r.size())
}

func (r *UnwindingResultRecord) size() int {
	return HeaderSize + 48
}

func (r *UnwindingResultRecord) decode(d *decoder) {
	r.Time = d.u64()
	r.UsedTime = d.u64()
	r.StopReason = d.u64()
	r.StopInfo = d.u64()
	r.StackStart = d.u64()
	r.StackEnd = d.u64()
}

func (r *UnwindingResultRecord) encode(e *encoder) {
	e.u64(r.Time)
	e.u64(r.UsedTime)
	e.u64(r.StopReason)
	e.u64(r.StopInfo)
	e.u64(r.StackStart)
	e.u64(r.StackEnd)
}
