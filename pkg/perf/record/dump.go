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
	"fmt"
	"io"
	"strings"
)

// Dump writes a human readable description of r, one field per line.
func Dump(w io.Writer, r Record) error {
	h := r.Header()
	var b strings.Builder
	fmt.Fprintf(&b, "record %s: type %d, misc 0x%x, size %d\n", h.Type, uint32(h.Type), h.Misc, h.Size)

	switch r := r.(type) {
	case *SampleRecord:
		dumpSample(&b, r)
	case *MmapRecord:
		fmt.Fprintf(&b, "  pid %d, tid %d, addr 0x%x, len 0x%x\n", r.Pid, r.Tid, r.Addr, r.Len)
		fmt.Fprintf(&b, "  pgoff 0x%x, filename %s\n", r.Pgoff, r.Filename)
		dumpSampleID(&b, &r.SampleID)
	case *Mmap2Record:
		fmt.Fprintf(&b, "  pid %d, tid %d, addr 0x%x, len 0x%x\n", r.Pid, r.Tid, r.Addr, r.Len)
		fmt.Fprintf(&b, "  pgoff 0x%x, maj %d, min %d, ino %d, ino_generation %d\n", r.Pgoff, r.Maj, r.Min, r.Ino, r.InoGeneration)
		fmt.Fprintf(&b, "  prot %d, flags %d, filename %s\n", r.Prot, r.Flags, r.Filename)
		dumpSampleID(&b, &r.SampleID)
	case *CommRecord:
		fmt.Fprintf(&b, "  pid %d, tid %d, comm %s\n", r.Pid, r.Tid, r.Comm)
		dumpSampleID(&b, &r.SampleID)
	case *ForkRecord:
		dumpTask(&b, &r.TaskEvent)
	case *ExitRecord:
		dumpTask(&b, &r.TaskEvent)
	case *LostRecord:
		fmt.Fprintf(&b, "  id %d, lost %d\n", r.ID, r.Lost)
		dumpSampleID(&b, &r.SampleID)
	case *BuildIDRecord:
		fmt.Fprintf(&b, "  pid %d, build_id %s, filename %s\n", r.Pid, r.BuildIDHex(), r.Filename)
	case *KernelSymbolRecord:
		fmt.Fprintf(&b, "  kallsyms: %d bytes\n", len(r.Data))
	case *DsoRecord:
		fmt.Fprintf(&b, "  type %d, id %d, min_vaddr 0x%x, name %s\n", r.DsoType, r.DsoID, r.MinVaddr, r.Name)
	case *SymbolRecord:
		fmt.Fprintf(&b, "  addr 0x%x, len 0x%x, dso_id %d, name %s\n", r.Addr, r.Len, r.DsoID, r.Name)
	case *TracingDataRecord:
		fmt.Fprintf(&b, "  tracing data: %d bytes\n", len(r.Data))
	case *EventIDRecord:
		for _, p := range r.Pairs {
			fmt.Fprintf(&b, "  attr_id %d, event_id %d\n", p.AttrID, p.EventID)
		}
	case *CallChainRecord:
		fmt.Fprintf(&b, "  pid %d, tid %d, chain_type %d, time %d\n", r.Pid, r.Tid, r.ChainType, r.Time)
		for i, ip := range r.IPs {
			var sp uint64
			if i < len(r.SPs) {
				sp = r.SPs[i]
			}
			fmt.Fprintf(&b, "    ip 0x%x, sp 0x%x\n", ip, sp)
		}
	case *UnwindingResultRecord:
		fmt.Fprintf(&b, "  time %d, used_time %d, stop_reason %d, stop_info 0x%x\n", r.Time, r.UsedTime, r.StopReason, r.StopInfo)
		fmt.Fprintf(&b, "  stack_start 0x%x, stack_end 0x%x\n", r.StackStart, r.StackEnd)
	case *UnknownRecord:
		fmt.Fprintf(&b, "  %d bytes of payload\n", len(r.Data))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func dumpSample(b *strings.Builder, r *SampleRecord) {
	fmt.Fprintf(b, "  sample_type 0x%x\n", r.SampleType)
	if r.has(SampleIdentifier) {
		fmt.Fprintf(b, "  identifier %d\n", r.Identifier)
	}
	if r.has(SampleIP) {
		fmt.Fprintf(b, "  ip 0x%x\n", r.IP)
	}
	if r.has(SampleTID) {
		fmt.Fprintf(b, "  pid %d, tid %d\n", r.Pid, r.Tid)
	}
	if r.has(SampleTime) {
		fmt.Fprintf(b, "  time %d\n", r.Time)
	}
	if r.has(SampleAddr) {
		fmt.Fprintf(b, "  addr 0x%x\n", r.Addr)
	}
	if r.has(SampleTypeID) {
		fmt.Fprintf(b, "  id %d\n", r.ID)
	}
	if r.has(SampleStreamID) {
		fmt.Fprintf(b, "  stream_id %d\n", r.StreamID)
	}
	if r.has(SampleCPU) {
		fmt.Fprintf(b, "  cpu %d, res %d\n", r.CPU, r.Res)
	}
	if r.has(SamplePeriod) {
		fmt.Fprintf(b, "  period %d\n", r.Period)
	}
	if r.has(SampleCallChain) {
		fmt.Fprintf(b, "  callchain nr=%d\n", len(r.CallChain))
		for _, ip := range r.CallChain {
			fmt.Fprintf(b, "    0x%x\n", ip)
		}
	}
	if r.has(SampleRaw) {
		fmt.Fprintf(b, "  raw size=%d\n", len(r.Raw))
	}
	if r.has(SampleBranchStack) {
		fmt.Fprintf(b, "  branch_stack nr=%d\n", len(r.BranchStack))
		for _, item := range r.BranchStack {
			fmt.Fprintf(b, "    from 0x%x, to 0x%x, flags 0x%x\n", item.From, item.To, item.Flags)
		}
	}
	if r.has(SampleRegsUser) {
		fmt.Fprintf(b, "  user regs: abi=%d, mask=0x%x\n", r.RegsABI, r.RegsMask)
		for i, v := range r.Regs {
			fmt.Fprintf(b, "    [%d] 0x%x\n", i, v)
		}
	}
	if r.has(SampleStackUser) {
		fmt.Fprintf(b, "  user stack: size %d, dyn_size %d\n", len(r.Stack), r.StackDynSize)
	}
}

func dumpTask(b *strings.Builder, t *TaskEvent) {
	fmt.Fprintf(b, "  pid %d, ppid %d, tid %d, ptid %d, time %d\n", t.Pid, t.Ppid, t.Tid, t.Ptid, t.Time)
	dumpSampleID(b, &t.SampleID)
}

func dumpSampleID(b *strings.Builder, s *SampleID) {
	if !s.All {
		return
	}
	fmt.Fprintf(b, "  sample_id: pid %d, tid %d, time %d, id %d, cpu %d\n", s.Pid, s.Tid, s.Time, s.ID, s.CPU)
}
