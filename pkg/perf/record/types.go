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

import "fmt"

// Type is the type of a record as stored in its header.
type Type uint32

// Kernel record types.
const (
	TypeMmap   Type = 1
	TypeLost   Type = 2
	TypeComm   Type = 3
	TypeExit   Type = 4
	TypeFork   Type = 7
	TypeSample Type = 9
	TypeMmap2  Type = 10
)

// Record types added by user space tools. TypeTracingData and TypeBuildID
// follow the numbering of perf, the rest are private to this format.
const (
	TypeTracingData Type = 66
	TypeBuildID     Type = 67

	typeUserStart                = 32768
	TypeKernelSymbol        Type = typeUserStart + 1
	TypeDso                 Type = typeUserStart + 2
	TypeSymbol              Type = typeUserStart + 3
	TypeEventID             Type = typeUserStart + 6
	TypeCallChain           Type = typeUserStart + 7
	TypeUnwindingResult     Type = typeUserStart + 8
	TypeTracingDataInternal Type = typeUserStart + 9
)

func (t Type) String() string {
	switch t {
	case TypeMmap:
		return "mmap"
	case TypeLost:
		return "lost"
	case TypeComm:
		return "comm"
	case TypeExit:
		return "exit"
	case TypeFork:
		return "fork"
	case TypeSample:
		return "sample"
	case TypeMmap2:
		return "mmap2"
	case TypeTracingData, TypeTracingDataInternal:
		return "tracing_data"
	case TypeBuildID:
		return "build_id"
	case TypeKernelSymbol:
		return "kernel_symbol"
	case TypeDso:
		return "dso"
	case TypeSymbol:
		return "symbol"
	case TypeEventID:
		return "event_id"
	case TypeCallChain:
		return "callchain"
	case TypeUnwindingResult:
		return "unwinding_result"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// Header misc bits.
const (
	MiscCPUModeMask uint16 = 7
	MiscKernel      uint16 = 1
	MiscUser        uint16 = 2
	MiscHypervisor  uint16 = 3
	MiscMmapData    uint16 = 1 << 13
	MiscCommExec    uint16 = 1 << 13
	MiscExactIP     uint16 = 1 << 14
)

// Call chain context markers. Values at or above ContextMax are markers, not
// addresses.
const (
	ContextHV          uint64 = 0xffffffffffffffe0 // -32
	ContextKernel      uint64 = 0xffffffffffffff80 // -128
	ContextUser        uint64 = 0xfffffffffffffe00 // -512
	ContextGuest       uint64 = 0xfffffffffffff800 // -2048
	ContextGuestKernel uint64 = 0xfffffffffffff780 // -2176
	ContextGuestUser   uint64 = 0xfffffffffffff600 // -2560
	ContextMax         uint64 = 0xfffffffffffff001 // -4095
)

// IsContextMarker reports whether ip is a call chain context marker.
func IsContextMarker(ip uint64) bool {
	return ip >= ContextMax
}

// Sample type bits of perf_event_attr.sample_type.
const (
	SampleIP          uint64 = 1 << 0
	SampleTID         uint64 = 1 << 1
	SampleTime        uint64 = 1 << 2
	SampleAddr        uint64 = 1 << 3
	SampleRead        uint64 = 1 << 4
	SampleCallChain   uint64 = 1 << 5
	SampleTypeID      uint64 = 1 << 6
	SampleCPU         uint64 = 1 << 7
	SamplePeriod      uint64 = 1 << 8
	SampleStreamID    uint64 = 1 << 9
	SampleRaw         uint64 = 1 << 10
	SampleBranchStack uint64 = 1 << 11
	SampleRegsUser    uint64 = 1 << 12
	SampleStackUser   uint64 = 1 << 13
	SampleWeight      uint64 = 1 << 14
	SampleDataSrc     uint64 = 1 << 15
	SampleIdentifier  uint64 = 1 << 16
	SampleTransaction uint64 = 1 << 17
	SampleRegsIntr    uint64 = 1 << 18
	SamplePhysAddr    uint64 = 1 << 19

	// SupportedSampleTypes is every bit the sample codec can represent.
	SupportedSampleTypes = SampleIP | SampleTID | SampleTime | SampleAddr | SampleCallChain |
		SampleTypeID | SampleCPU | SamplePeriod | SampleStreamID | SampleRaw | SampleBranchStack |
		SampleRegsUser | SampleStackUser | SampleIdentifier
)

// HeaderSize is the size of the fixed record header.
const HeaderSize = 8

// MaxRecordSize is the largest size representable in a record header.
const MaxRecordSize = 0xffff

// BuildIDSize is the size of a GNU build id as stored in build id records.
const BuildIDSize = 20

func align(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}
