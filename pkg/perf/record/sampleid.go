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

// SampleID is the block the kernel appends to non-sample records when the
// event was opened with sample_id_all. Which fields are present is decided by
// SampleType, and nothing is present unless All is set.
type SampleID struct {
	All        bool
	SampleType uint64

	Pid, Tid   uint32
	Time       uint64
	ID         uint64
	StreamID   uint64
	CPU, Res   uint32
	Identifier uint64
}

// NewSampleID returns an empty sample id block shaped by attr.
func NewSampleID(attr *EventAttr) SampleID {
	if attr == nil {
		return SampleID{}
	}
	return SampleID{All: attr.SampleIDAll(), SampleType: attr.SampleType}
}

func (s *SampleID) size() int {
	if !s.All {
		return 0
	}
	return sampleIDSize(s.SampleType)
}

func (s *SampleID) decode(d *decoder) {
	if !s.All {
		return
	}
	if s.SampleType&SampleTID != 0 {
		s.Pid = d.u32()
		s.Tid = d.u32()
	}
	if s.SampleType&SampleTime != 0 {
		s.Time = d.u64()
	}
	if s.SampleType&SampleTypeID != 0 {
		s.ID = d.u64()
	}
	if s.SampleType&SampleStreamID != 0 {
		s.StreamID = d.u64()
	}
	if s.SampleType&SampleCPU != 0 {
		s.CPU = d.u32()
		s.Res = d.u32()
	}
	if s.SampleType&SampleIdentifier != 0 {
		s.Identifier = d.u64()
	}
}

func (s *SampleID) encode(e *encoder) {
	if !s.All {
		return
	}
	if s.SampleType&SampleTID != 0 {
		e.u32(s.Pid)
		e.u32(s.Tid)
	}
	if s.SampleType&SampleTime != 0 {
		e.u64(s.Time)
	}
	if s.SampleType&SampleTypeID != 0 {
		e.u64(s.ID)
	}
	if s.SampleType&SampleStreamID != 0 {
		e.u64(s.StreamID)
	}
	if s.SampleType&SampleCPU != 0 {
		e.u32(s.CPU)
		e.u32(s.Res)
	}
	if s.SampleType&SampleIdentifier != 0 {
		e.u64(s.Identifier)
	}
}
