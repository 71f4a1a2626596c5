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

// Package report builds the per thread and per object breakdown of a
// recording on top of the generic sample aggregator.
package report

import (
	"fmt"

	"github.com/parca-dev/parca-perf/pkg/callchain"
	"github.com/parca-dev/parca-perf/pkg/process"
)

// UnknownDso names addresses outside every known mapping.
const UnknownDso = "[unknown]"

// BranchFrom is the source side of a taken branch.
type BranchFrom struct {
	Map         *process.MapEntry
	DsoPath     string
	VaddrInFile uint64
	Flags       uint64
}

// Entry is one line of the report. Period is the weight of samples taken in
// the entry itself, AccumulatedPeriod the weight of samples it was a caller
// of.
type Entry struct {
	Time              uint64
	Period            uint64
	AccumulatedPeriod uint64
	SampleCount       uint64

	Pid, Tid int
	Comm     string

	Map         *process.MapEntry
	DsoPath     string
	VaddrInFile uint64
	BranchFrom  *BranchFrom

	CallChain callchain.Tree[*Entry]
}

// TotalPeriod returns the self and accumulated period.
func (e *Entry) TotalPeriod() uint64 {
	return e.Period + e.AccumulatedPeriod
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s %d/%d %s+0x%x", e.Comm, e.Pid, e.Tid, e.DsoPath, e.VaddrInFile)
}

// location returns the object path and file offset of ip within m.
func location(m *process.MapEntry, ip uint64) (string, uint64) {
	if m == nil {
		return UnknownDso, ip
	}
	name := m.Name
	if name == "" {
		name = UnknownDso
	}
	return name, ip - m.Start + m.Offset
}
