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

package unwind

import (
	"encoding/binary"
	"fmt"

	"github.com/parca-dev/parca-perf/pkg/process"
	"github.com/parca-dev/parca-perf/pkg/regs"
)

// ErrorCode is the reason a stack walker stopped.
type ErrorCode uint8

const (
	// ErrCodeNone means the walker reached the end of the stack.
	ErrCodeNone ErrorCode = iota
	ErrCodeMemoryInvalid
	ErrCodeMaxFramesExceeded
	ErrCodeInvalidMap
	ErrCodeUnknown
)

// Frame is one frame produced by a stack walker. Map is nil for a pc outside
// every known mapping.
type Frame struct {
	PC  uint64
	SP  uint64
	Map *process.MapEntry
}

// WalkRequest is everything a stack walker may consult.
type WalkRequest struct {
	Regs      *EngineRegs
	Stack     *StackMemory
	Maps      *process.MapSnapshot
	MaxFrames int
}

// WalkResult is the frames found, innermost first, and why the walk stopped.
// ErrAddr is the faulting address for ErrCodeMemoryInvalid and the pc for
// ErrCodeInvalidMap.
type WalkResult struct {
	Frames  []Frame
	ErrCode ErrorCode
	ErrAddr uint64
}

// StackWalker is a stack walking engine. Implementations must treat the
// request as read-only and never return more than MaxFrames frames.
type StackWalker interface {
	Walk(req *WalkRequest) *WalkResult
}

// StackMemory exposes captured stack bytes as the address window
// [Start, Start+len(Data)).
type StackMemory struct {
	Start uint64
	Data  []byte
	Order binary.ByteOrder
}

// End returns the first address past the window.
func (m *StackMemory) End() uint64 {
	return m.Start + uint64(len(m.Data))
}

// ReadWord reads a size byte word at addr. size is 4 or 8.
func (m *StackMemory) ReadWord(addr uint64, size int) (uint64, bool) {
	if addr < m.Start || addr+uint64(size) > m.End() || addr+uint64(size) < addr {
		return 0, false
	}
	off := addr - m.Start
	switch size {
	case 4:
		return uint64(m.Order.Uint32(m.Data[off:])), true
	case 8:
		return m.Order.Uint64(m.Data[off:]), true
	default:
		return 0, false
	}
}

// Engine register numbering. x86 and x86_64 differ from the perf numbering,
// arm and arm64 match it.
const (
	engX86EAX = iota
	engX86ECX
	engX86EDX
	engX86EBX
	engX86ESP
	engX86EBP
	engX86ESI
	engX86EDI
	engX86EIP
	engX86Count
)

const (
	engX86_64RAX = iota
	engX86_64RDX
	engX86_64RCX
	engX86_64RBX
	engX86_64RSI
	engX86_64RDI
	engX86_64RBP
	engX86_64RSP
	engX86_64R8
	engX86_64R9
	engX86_64R10
	engX86_64R11
	engX86_64R12
	engX86_64R13
	engX86_64R14
	engX86_64R15
	engX86_64RIP
	engX86_64Count
)

const (
	engARMR0    = 0
	engARMR11   = 11
	engARMSP    = 13
	engARMLR    = 14
	engARMPC    = 15
	engARMCount = 16
)

const (
	engARM64X29   = 29
	engARM64LR    = 30
	engARM64SP    = 31
	engARM64PC    = 32
	engARM64Count = 33
)

// EngineRegs is a register file in the layout stack walkers expect for Arch.
type EngineRegs struct {
	Arch   regs.Arch
	Values []uint64
}

// SP returns the stack pointer.
func (e *EngineRegs) SP() uint64 {
	switch e.Arch {
	case regs.ArchX86_32:
		return e.Values[engX86ESP]
	case regs.ArchX86_64:
		return e.Values[engX86_64RSP]
	case regs.ArchARM:
		return e.Values[engARMSP]
	case regs.ArchARM64:
		return e.Values[engARM64SP]
	}
	return 0
}

// PC returns the program counter.
func (e *EngineRegs) PC() uint64 {
	switch e.Arch {
	case regs.ArchX86_32:
		return e.Values[engX86EIP]
	case regs.ArchX86_64:
		return e.Values[engX86_64RIP]
	case regs.ArchARM:
		return e.Values[engARMPC]
	case regs.ArchARM64:
		return e.Values[engARM64PC]
	}
	return 0
}

// FP returns the frame pointer of the usual calling convention.
func (e *EngineRegs) FP() uint64 {
	switch e.Arch {
	case regs.ArchX86_32:
		return e.Values[engX86EBP]
	case regs.ArchX86_64:
		return e.Values[engX86_64RBP]
	case regs.ArchARM:
		return e.Values[engARMR11]
	case regs.ArchARM64:
		return e.Values[engARM64X29]
	}
	return 0
}

// LR returns the link register on architectures that have one.
func (e *EngineRegs) LR() (uint64, bool) {
	switch e.Arch {
	case regs.ArchARM:
		return e.Values[engARMLR], true
	case regs.ArchARM64:
		return e.Values[engARM64LR], true
	}
	return 0, false
}

// WordSize returns the pointer size of Arch.
func (e *EngineRegs) WordSize() int {
	return wordSize(e.Arch)
}

func wordSize(arch regs.Arch) int {
	if arch == regs.ArchX86_32 || arch == regs.ArchARM {
		return 4
	}
	return 8
}

var x86ToEngine = [...]struct{ perf, engine int }{
	{regs.X86AX, engX86EAX},
	{regs.X86BX, engX86EBX},
	{regs.X86CX, engX86ECX},
	{regs.X86DX, engX86EDX},
	{regs.X86SI, engX86ESI},
	{regs.X86DI, engX86EDI},
	{regs.X86BP, engX86EBP},
	{regs.X86SP, engX86ESP},
	{regs.X86IP, engX86EIP},
}

var x86_64ToEngine = [...]struct{ perf, engine int }{
	{regs.X86AX, engX86_64RAX},
	{regs.X86BX, engX86_64RBX},
	{regs.X86CX, engX86_64RCX},
	{regs.X86DX, engX86_64RDX},
	{regs.X86SI, engX86_64RSI},
	{regs.X86DI, engX86_64RDI},
	{regs.X86BP, engX86_64RBP},
	{regs.X86SP, engX86_64RSP},
	{regs.X86IP, engX86_64RIP},
	{regs.X86R8, engX86_64R8},
	{regs.X86R9, engX86_64R9},
	{regs.X86R10, engX86_64R10},
	{regs.X86R11, engX86_64R11},
	{regs.X86R12, engX86_64R12},
	{regs.X86R13, engX86_64R13},
	{regs.X86R14, engX86_64R14},
	{regs.X86R15, engX86_64R15},
}

// Translate converts a perf register set into the engine layout of its
// architecture. Registers that were not captured are zero.
func Translate(rs *regs.RegisterSet) (*EngineRegs, error) {
	var e *EngineRegs
	switch rs.Arch {
	case regs.ArchX86_32:
		e = &EngineRegs{Arch: rs.Arch, Values: make([]uint64, engX86Count)}
		for _, m := range x86ToEngine {
			e.Values[m.engine] = rs.Values[m.perf]
		}
	case regs.ArchX86_64:
		e = &EngineRegs{Arch: rs.Arch, Values: make([]uint64, engX86_64Count)}
		for _, m := range x86_64ToEngine {
			e.Values[m.engine] = rs.Values[m.perf]
		}
	case regs.ArchARM:
		e = &EngineRegs{Arch: rs.Arch, Values: make([]uint64, engARMCount)}
		for i := engARMR0; i < engARMCount; i++ {
			e.Values[i] = rs.Values[regs.ARMR0+i]
		}
	case regs.ArchARM64:
		e = &EngineRegs{Arch: rs.Arch, Values: make([]uint64, engARM64Count)}
		copy(e.Values, rs.Values[regs.ARM64X0:regs.ARM64PC+1])
	default:
		return nil, fmt.Errorf("%w: unsupported architecture %s", ErrInvalidRegisterSet, rs.Arch)
	}
	return e, nil
}
