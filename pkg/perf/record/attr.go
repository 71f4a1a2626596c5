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
	"math/bits"
)

// Sizes of the published perf_event_attr revisions.
const (
	AttrSizeVer0 = 64
	AttrSizeVer1 = 72
	AttrSizeVer2 = 80
	AttrSizeVer3 = 96
	AttrSizeVer4 = 104
	AttrSizeVer5 = 112
)

// Bits of the perf_event_attr flags bitfield.
const (
	FlagDisabled             uint64 = 1 << 0
	FlagInherit              uint64 = 1 << 1
	FlagExcludeUser          uint64 = 1 << 4
	FlagExcludeKernel        uint64 = 1 << 5
	FlagExcludeHV            uint64 = 1 << 6
	FlagMmap                 uint64 = 1 << 8
	FlagComm                 uint64 = 1 << 9
	FlagFreq                 uint64 = 1 << 10
	FlagTask                 uint64 = 1 << 13
	FlagSampleIDAll          uint64 = 1 << 18
	FlagExcludeCallchainUser uint64 = 1 << 22
	FlagMmap2                uint64 = 1 << 23
)

// EventAttr is the subset of perf_event_attr that governs record layout, plus
// the fields needed to carry it through a file unchanged.
type EventAttr struct {
	Type             uint32
	Config           uint64
	SamplePeriod     uint64 // sample_freq when FlagFreq is set
	SampleType       uint64
	ReadFormat       uint64
	Flags            uint64
	WakeupEvents     uint32
	BPType           uint32
	Config1          uint64
	Config2          uint64
	BranchSampleType uint64
	SampleRegsUser   uint64
	SampleStackUser  uint32
	ClockID          int32
	SampleRegsIntr   uint64
	AuxWatermark     uint32
	SampleMaxStack   uint16
}

// SampleIDAll reports whether non-sample kernel records carry a trailing
// sample id block.
func (a *EventAttr) SampleIDAll() bool {
	return a.Flags&FlagSampleIDAll != 0
}

// ExcludeKernel reports whether kernel samples were excluded at record time.
func (a *EventAttr) ExcludeKernel() bool {
	return a.Flags&FlagExcludeKernel != 0
}

// Validate rejects sample types the codec cannot decode.
func (a *EventAttr) Validate() error {
	if unsupported := a.SampleType &^ SupportedSampleTypes; unsupported != 0 {
		return fmt.Errorf("%w: sample_type 0x%x", ErrUnsupportedFeatureCombination, unsupported)
	}
	if a.SampleType&SampleRegsUser != 0 && bits.OnesCount64(a.SampleRegsUser) == 0 {
		return fmt.Errorf("%w: user registers requested with an empty mask", ErrUnsupportedFeatureCombination)
	}
	return nil
}

// MarshalBinary writes the attr in its newest revision.
func (a *EventAttr) MarshalBinary(order binary.ByteOrder) []byte {
	b := make([]byte, AttrSizeVer5)
	order.PutUint32(b[0:], a.Type)
	order.PutUint32(b[4:], AttrSizeVer5)
	order.PutUint64(b[8:], a.Config)
	order.PutUint64(b[16:], a.SamplePeriod)
	order.PutUint64(b[24:], a.SampleType)
	order.PutUint64(b[32:], a.ReadFormat)
	order.PutUint64(b[40:], a.Flags)
	order.PutUint32(b[48:], a.WakeupEvents)
	order.PutUint32(b[52:], a.BPType)
	order.PutUint64(b[56:], a.Config1)
	order.PutUint64(b[64:], a.Config2)
	order.PutUint64(b[72:], a.BranchSampleType)
	order.PutUint64(b[80:], a.SampleRegsUser)
	order.PutUint32(b[88:], a.SampleStackUser)
	order.PutUint32(b[92:], uint32(a.ClockID))
	order.PutUint64(b[96:], a.SampleRegsIntr)
	order.PutUint32(b[104:], a.AuxWatermark)
	order.PutUint16(b[108:], a.SampleMaxStack)
	return b
}

// UnmarshalEventAttr reads an attr of any revision. Fields beyond the size the
// attr declares are left zero.
func UnmarshalEventAttr(b []byte, order binary.ByteOrder) (*EventAttr, error) {
	if len(b) < AttrSizeVer0 {
		return nil, fmt.Errorf("event attr of %d bytes: %w", len(b), ErrTruncated)
	}
	size := int(order.Uint32(b[4:]))
	if size == 0 {
		size = AttrSizeVer0
	}
	if size < AttrSizeVer0 {
		return nil, fmt.Errorf("event attr declares %d bytes: %w", size, ErrInvalidSize)
	}
	if size > len(b) {
		size = len(b)
	}
	buf := make([]byte, AttrSizeVer5)
	copy(buf, b[:min(size, AttrSizeVer5)])

	return &EventAttr{
		Type:             order.Uint32(buf[0:]),
		Config:           order.Uint64(buf[8:]),
		SamplePeriod:     order.Uint64(buf[16:]),
		SampleType:       order.Uint64(buf[24:]),
		ReadFormat:       order.Uint64(buf[32:]),
		Flags:            order.Uint64(buf[40:]),
		WakeupEvents:     order.Uint32(buf[48:]),
		BPType:           order.Uint32(buf[52:]),
		Config1:          order.Uint64(buf[56:]),
		Config2:          order.Uint64(buf[64:]),
		BranchSampleType: order.Uint64(buf[72:]),
		SampleRegsUser:   order.Uint64(buf[80:]),
		SampleStackUser:  order.Uint32(buf[88:]),
		ClockID:          int32(order.Uint32(buf[92:])),
		SampleRegsIntr:   order.Uint64(buf[96:]),
		AuxWatermark:     order.Uint32(buf[104:]),
		SampleMaxStack:   order.Uint16(buf[108:]),
	}, nil
}

// SampleIDSize returns the size of the sample id block trailing kernel
// records, or zero when the attr does not request one.
func (a *EventAttr) SampleIDSize() int {
	if !a.SampleIDAll() {
		return 0
	}
	return sampleIDSize(a.SampleType)
}

func sampleIDSize(sampleType uint64) int {
	n := 0
	for _, bit := range []uint64{SampleTID, SampleTime, SampleTypeID, SampleStreamID, SampleCPU, SampleIdentifier} {
		if sampleType&bit != 0 {
			n += 8
		}
	}
	return n
}
