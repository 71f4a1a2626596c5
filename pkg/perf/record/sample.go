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
	"math/bits"
	"slices"

	"github.com/parca-dev/parca-perf/pkg/regs"
)

// BranchStackItem is one taken branch from the last branch record.
type BranchStackItem struct {
	From  uint64
	To    uint64
	Flags uint64
}

// SampleRecord is one sample. Which fields are meaningful is decided by
// SampleType, copied from the attr the sample was recorded with so that the
// record encodes on its own.
type SampleRecord struct {
	Misc       uint16
	SampleType uint64
	// RegsMask is the attr's sample_regs_user, naming the registers in Regs.
	RegsMask uint64

	Identifier uint64
	IP         uint64
	Pid, Tid   uint32
	Time       uint64
	Addr       uint64
	ID         uint64
	StreamID   uint64
	CPU, Res   uint32
	Period     uint64

	CallChain   []uint64
	Raw         []byte
	BranchStack []BranchStackItem

	RegsABI uint64
	Regs    []uint64

	// Stack holds the captured user stack. StackDynSize is how much of it
	// the kernel actually filled.
	Stack        []byte
	StackDynSize uint64
}

// NewSample returns an empty sample shaped by attr.
func NewSample(attr *EventAttr) *SampleRecord {
	return &SampleRecord{SampleType: attr.SampleType, RegsMask: attr.SampleRegsUser}
}

func (r *SampleRecord) Header() Header { return header(TypeSample, r.Misc, r.size()) }

// InKernel reports whether the sample was taken in kernel mode.
func (r *SampleRecord) InKernel() bool {
	return r.Misc&MiscCPUModeMask == MiscKernel
}

// EventID returns the id identifying the event that produced the sample.
func (r *SampleRecord) EventID() uint64 {
	if r.SampleType&SampleIdentifier != 0 {
		return r.Identifier
	}
	return r.ID
}

func (r *SampleRecord) has(bit uint64) bool {
	return r.SampleType&bit != 0
}

func (r *SampleRecord) size() int {
	n := HeaderSize
	for _, bit := range []uint64{SampleIdentifier, SampleIP, SampleTID, SampleTime, SampleAddr, SampleTypeID, SampleStreamID, SampleCPU, SamplePeriod} {
		if r.has(bit) {
			n += 8
		}
	}
	if r.has(SampleCallChain) {
		n += 8 + 8*len(r.CallChain)
	}
	if r.has(SampleRaw) {
		n += 4 + len(r.Raw)
	}
	if r.has(SampleBranchStack) {
		n += 8 + 24*len(r.BranchStack)
	}
	if r.has(SampleRegsUser) {
		n += 8
		if r.RegsABI != regs.ABINone {
			n += 8 * len(r.Regs)
		}
	}
	if r.has(SampleStackUser) {
		n += 8
		if len(r.Stack) > 0 {
			n += len(r.Stack) + 8
		}
	}
	return n
}

func (r *SampleRecord) decode(d *decoder) error {
	if unsupported := r.SampleType &^ SupportedSampleTypes; unsupported != 0 {
		return fmt.Errorf("%w: sample_type 0x%x", ErrUnsupportedFeatureCombination, unsupported)
	}
	if r.has(SampleIdentifier) {
		r.Identifier = d.u64()
	}
	if r.has(SampleIP) {
		r.IP = d.u64()
	}
	if r.has(SampleTID) {
		r.Pid = d.u32()
		r.Tid = d.u32()
	}
	if r.has(SampleTime) {
		r.Time = d.u64()
	}
	if r.has(SampleAddr) {
		r.Addr = d.u64()
	}
	if r.has(SampleTypeID) {
		r.ID = d.u64()
	}
	if r.has(SampleStreamID) {
		r.StreamID = d.u64()
	}
	if r.has(SampleCPU) {
		r.CPU = d.u32()
		r.Res = d.u32()
	}
	if r.has(SamplePeriod) {
		r.Period = d.u64()
	}
	if r.has(SampleCallChain) {
		r.CallChain = d.u64s(d.u64())
	}
	if r.has(SampleRaw) {
		r.Raw = d.bytes(int(d.u32()))
	}
	if r.has(SampleBranchStack) {
		n := d.count(d.u64(), 24)
		if n > 0 {
			r.BranchStack = make([]BranchStackItem, n)
			for i := range r.BranchStack {
				r.BranchStack[i] = BranchStackItem{From: d.u64(), To: d.u64(), Flags: d.u64()}
			}
		}
	}
	if r.has(SampleRegsUser) {
		r.RegsABI = d.u64()
		if r.RegsABI != regs.ABINone {
			r.Regs = d.u64s(uint64(bits.OnesCount64(r.RegsMask)))
		}
	}
	if r.has(SampleStackUser) {
		size := d.u64()
		if size > 0 {
			r.Stack = d.bytes(d.count(size, 1))
			r.StackDynSize = d.u64()
		}
	}
	return d.err
}

func (r *SampleRecord) encode(e *encoder) {
	if r.has(SampleIdentifier) {
		e.u64(r.Identifier)
	}
	if r.has(SampleIP) {
		e.u64(r.IP)
	}
	if r.has(SampleTID) {
		e.u32(r.Pid)
		e.u32(r.Tid)
	}
	if r.has(SampleTime) {
		e.u64(r.Time)
	}
	if r.has(SampleAddr) {
		e.u64(r.Addr)
	}
	if r.has(SampleTypeID) {
		e.u64(r.ID)
	}
	if r.has(SampleStreamID) {
		e.u64(r.StreamID)
	}
	if r.has(SampleCPU) {
		e.u32(r.CPU)
		e.u32(r.Res)
	}
	if r.has(SamplePeriod) {
		e.u64(r.Period)
	}
	if r.has(SampleCallChain) {
		e.u64(uint64(len(r.CallChain)))
		e.u64s(r.CallChain)
	}
	if r.has(SampleRaw) {
		e.u32(uint32(len(r.Raw)))
		e.bytes(r.Raw, len(r.Raw))
	}
	if r.has(SampleBranchStack) {
		e.u64(uint64(len(r.BranchStack)))
		for _, b := range r.BranchStack {
			e.u64(b.From)
			e.u64(b.To)
			e.u64(b.Flags)
		}
	}
	if r.has(SampleRegsUser) {
		e.u64(r.RegsABI)
		if r.RegsABI != regs.ABINone {
			e.u64s(r.Regs)
		}
	}
	if r.has(SampleStackUser) {
		e.u64(uint64(len(r.Stack)))
		if len(r.Stack) > 0 {
			e.bytes(r.Stack, len(r.Stack))
			e.u64(r.StackDynSize)
		}
	}
}

func (r *SampleRecord) clone() *SampleRecord {
	c := *r
	c.CallChain = slices.Clone(r.CallChain)
	c.Raw = slices.Clone(r.Raw)
	c.BranchStack = slices.Clone(r.BranchStack)
	c.Regs = slices.Clone(r.Regs)
	c.Stack = slices.Clone(r.Stack)
	return &c
}

// RegisterSet spreads the captured user registers over the perf register
// numbering of arch, adjusted for the ABI the sampled thread ran with.
func (r *SampleRecord) RegisterSet(arch regs.Arch) (*regs.RegisterSet, error) {
	if !r.has(SampleRegsUser) || r.RegsABI == regs.ABINone {
		return nil, fmt.Errorf("%w: sample has no user registers", regs.ErrInvalidRegisterSet)
	}
	return regs.New(regs.ArchForABI(arch, r.RegsABI), r.RegsMask, r.Regs)
}

// ValidStackSize returns how many bytes of the user stack hold data. A zero
// dynamic size is reported by kernels that never fill it, in which case the
// whole capture is assumed valid.
func (r *SampleRecord) ValidStackSize() uint64 {
	size := uint64(len(r.Stack))
	if r.StackDynSize == 0 || r.StackDynSize > size {
		return size
	}
	return r.StackDynSize
}

// ValidStack returns the filled part of the user stack.
func (r *SampleRecord) ValidStack() []byte {
	return r.Stack[:r.ValidStackSize()]
}

// kernelFrames returns the number of call chain entries preceding the user
// context marker, or the whole chain when there is none.
func (r *SampleRecord) kernelFrames() int {
	if i := slices.Index(r.CallChain, ContextUser); i >= 0 {
		return i
	}
	return len(r.CallChain)
}

// HasUserCallChain reports whether the call chain contains user frames. A
// sample taken in user mode starts its chain in user context.
func (r *SampleRecord) HasUserCallChain() bool {
	if !r.has(SampleCallChain) {
		return false
	}
	user := !InKernel(r)
	for _, ip := range r.CallChain {
		if user && !IsContextMarker(ip) {
			return true
		}
		if ip == ContextUser {
			user = true
		}
	}
	return false
}

// ReplaceRegsAndStackWithCallChain returns a copy of the sample whose call
// chain is its kernel frames, the user context marker, then userIPs. The
// register dump and user stack are cleared, so the copy is much smaller.
func (r *SampleRecord) ReplaceRegsAndStackWithCallChain(userIPs []uint64) (*SampleRecord, error) {
	if !r.has(SampleCallChain) {
		return nil, fmt.Errorf("%w: sample records no call chain", ErrUnsupportedFeatureCombination)
	}
	c := r.clone()
	kernel := r.CallChain[:r.kernelFrames()]
	chain := make([]uint64, 0, len(kernel)+1+len(userIPs))
	chain = append(chain, kernel...)
	chain = append(chain, ContextUser)
	chain = append(chain, userIPs...)
	c.CallChain = chain
	c.RegsABI = regs.ABINone
	c.Regs = nil
	c.Stack = nil
	c.StackDynSize = 0
	return c, nil
}

// StripKernelFrames returns a copy of the sample with every call chain entry
// before the user context marker blanked to the marker, the sample IP moved
// to the first user frame and the cpu mode set to user. It reports false when
// the chain holds no user frame, in which case the copy keeps its kernel IP.
func (r *SampleRecord) StripKernelFrames() (*SampleRecord, bool) {
	c := r.clone()
	if !r.has(SampleCallChain) {
		return c, true
	}
	n := r.kernelFrames()
	for i := 0; i < n; i++ {
		c.CallChain[i] = ContextUser
	}
	if n == len(r.CallChain) {
		return c, false
	}
	for _, ip := range c.CallChain[n+1:] {
		if !IsContextMarker(ip) {
			c.IP = ip
			c.Misc = (c.Misc &^ MiscCPUModeMask) | MiscUser
			return c, true
		}
	}
	return c, false
}

// UpdateUserCallChain returns a copy of the sample whose user frames are
// userIPs. A chain that already holds at least as many user frames is kept.
func (r *SampleRecord) UpdateUserCallChain(userIPs []uint64) *SampleRecord {
	c := r.clone()
	n := r.kernelFrames()
	if n+1+len(userIPs) <= len(r.CallChain) {
		return c
	}
	chain := make([]uint64, 0, n+1+len(userIPs))
	chain = append(chain, r.CallChain[:n]...)
	chain = append(chain, ContextUser)
	chain = append(chain, userIPs...)
	c.CallChain = chain
	return c
}

// AdjustCallChainGeneratedByKernel returns a copy of the sample whose return
// addresses point into the calling instruction instead of the one after it.
// The first address is where the sample was taken and is kept. Addresses too
// small to adjust are replaced by the context marker in effect.
func (r *SampleRecord) AdjustCallChainGeneratedByKernel(arch regs.Arch) *SampleRecord {
	c := r.clone()
	var delta uint64 = 1
	if arch == regs.ArchARM || arch == regs.ArchARM64 {
		delta = 2
	}
	context := ContextUser
	if r.InKernel() {
		context = ContextKernel
	}
	first := true
	for i, ip := range c.CallChain {
		if IsContextMarker(ip) {
			context = ip
			continue
		}
		if first {
			first = false
			continue
		}
		if ip < 2 {
			c.CallChain[i] = context
			continue
		}
		c.CallChain[i] = ip - delta
	}
	return c
}

// CallChainIPs returns the sample IP followed by the call chain without
// context markers, and how many of the returned addresses are kernel
// addresses. A leading chain entry repeating the sample IP is dropped.
func (r *SampleRecord) CallChainIPs() (ips []uint64, kernelCount int) {
	inKernel := r.InKernel()
	ips = make([]uint64, 0, len(r.CallChain)+1)
	ips = append(ips, r.IP)
	if inKernel {
		kernelCount++
	}
	if !r.has(SampleCallChain) {
		return ips, kernelCount
	}
	first := true
	for _, ip := range r.CallChain {
		if IsContextMarker(ip) {
			switch ip {
			case ContextKernel:
				inKernel = true
			case ContextUser:
				inKernel = false
			}
			continue
		}
		if first {
			first = false
			if ip == r.IP {
				continue
			}
		}
		ips = append(ips, ip)
		if inKernel {
			kernelCount++
		}
	}
	return ips, kernelCount
}
