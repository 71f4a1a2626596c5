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

// Package regs normalizes captured user register dumps into an addressable
// register set using the kernel's perf register numbering.
package regs

import (
	"errors"
	"fmt"
	"math/bits"
)

// MaxRegs is the number of slots in a RegisterSet, one per bit of the
// sample_regs_user mask.
const MaxRegs = 64

var ErrInvalidRegisterSet = errors.New("invalid register set")

// Arch is the architecture a register dump was captured on.
type Arch uint8

const (
	ArchUnknown Arch = iota
	ArchX86_32
	ArchX86_64
	ArchARM
	ArchARM64
)

func (a Arch) String() string {
	switch a {
	case ArchX86_32:
		return "x86"
	case ArchX86_64:
		return "x86_64"
	case ArchARM:
		return "arm"
	case ArchARM64:
		return "arm64"
	default:
		return "unknown"
	}
}

// ParseArch accepts the names used by GOARCH and by uname.
func ParseArch(s string) (Arch, error) {
	switch s {
	case "x86", "386", "i386", "i686":
		return ArchX86_32, nil
	case "x86_64", "amd64":
		return ArchX86_64, nil
	case "arm", "armv7l", "armv8l":
		return ArchARM, nil
	case "arm64", "aarch64":
		return ArchARM64, nil
	default:
		return ArchUnknown, fmt.Errorf("unknown architecture %q", s)
	}
}

// ABI values reported by the kernel with every user register dump.
const (
	ABINone uint64 = 0
	ABI32   uint64 = 1
	ABI64   uint64 = 2
)

// ArchForABI returns the architecture of a register dump taken from a
// process running with the given ABI on a machine of the given arch. A 32-bit
// process on a 64-bit kernel produces a 32-bit register layout.
func ArchForABI(arch Arch, abi uint64) Arch {
	if abi == ABI32 {
		switch arch {
		case ArchX86_64:
			return ArchX86_32
		case ArchARM64:
			return ArchARM
		}
	}
	return arch
}

// Perf register numbers for x86 and x86_64.
const (
	X86AX = iota
	X86BX
	X86CX
	X86DX
	X86SI
	X86DI
	X86BP
	X86SP
	X86IP
	X86Flags
	X86CS
	X86SS
	X86DS
	X86ES
	X86FS
	X86GS
	X86R8
	X86R9
	X86R10
	X86R11
	X86R12
	X86R13
	X86R14
	X86R15

	x86_32RegCount = X86GS + 1
	x86_64RegCount = X86R15 + 1
)

// Perf register numbers for arm.
const (
	ARMR0  = 0
	ARMR11 = 11 // frame pointer in arm mode
	ARMR12 = 12
	ARMSP  = 13
	ARMLR  = 14
	ARMPC  = 15

	armRegCount = ARMPC + 1
)

// Perf register numbers for arm64.
const (
	ARM64X0  = 0
	ARM64X29 = 29 // frame pointer
	ARM64LR  = 30
	ARM64SP  = 31
	ARM64PC  = 32

	arm64RegCount = ARM64PC + 1
)

var x86Names = [...]string{
	"ax", "bx", "cx", "dx", "si", "di", "bp", "sp", "ip", "flags",
	"cs", "ss", "ds", "es", "fs", "gs",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// RegCount returns the number of registers captured for arch.
func RegCount(arch Arch) int {
	switch arch {
	case ArchX86_32:
		return x86_32RegCount
	case ArchX86_64:
		return x86_64RegCount
	case ArchARM:
		return armRegCount
	case ArchARM64:
		return arm64RegCount
	default:
		return 0
	}
}

// PerfRegMask returns the sample_regs_user mask needed to unwind arch.
func PerfRegMask(arch Arch) uint64 {
	n := RegCount(arch)
	if n == 0 {
		return 0
	}
	if n == MaxRegs {
		return ^uint64(0)
	}
	return (uint64(1) << n) - 1
}

// RegName returns a printable register name.
func RegName(arch Arch, reg int) string {
	switch arch {
	case ArchX86_32, ArchX86_64:
		if reg >= 0 && reg < len(x86Names) {
			return x86Names[reg]
		}
	case ArchARM:
		switch reg {
		case ARMR11:
			return "fp"
		case ARMR12:
			return "ip"
		case ARMSP:
			return "sp"
		case ARMLR:
			return "lr"
		case ARMPC:
			return "pc"
		}
		if reg >= 0 && reg < ARMR11 {
			return fmt.Sprintf("r%d", reg)
		}
	case ArchARM64:
		switch reg {
		case ARM64LR:
			return "lr"
		case ARM64SP:
			return "sp"
		case ARM64PC:
			return "pc"
		}
		if reg >= 0 && reg <= ARM64X29 {
			return fmt.Sprintf("r%d", reg)
		}
	}
	return fmt.Sprintf("unknown(%d)", reg)
}

// SPReg returns the perf register number holding the stack pointer.
func SPReg(arch Arch) int {
	switch arch {
	case ArchX86_32, ArchX86_64:
		return X86SP
	case ArchARM:
		return ARMSP
	case ArchARM64:
		return ARM64SP
	default:
		return -1
	}
}

// IPReg returns the perf register number holding the instruction pointer.
func IPReg(arch Arch) int {
	switch arch {
	case ArchX86_32, ArchX86_64:
		return X86IP
	case ArchARM:
		return ARMPC
	case ArchARM64:
		return ARM64PC
	default:
		return -1
	}
}

// RegisterSet is an immutable register dump. Values[i] is meaningful only
// when bit i of ValidMask is set, every other slot is zero.
type RegisterSet struct {
	Arch      Arch
	ValidMask uint64
	Values    [MaxRegs]uint64
}

// New spreads the packed register values of a sample over the slots named by
// mask. Packed values appear in ascending register order, as the kernel
// writes them.
func New(arch Arch, mask uint64, packed []uint64) (*RegisterSet, error) {
	if n := bits.OnesCount64(mask); n != len(packed) {
		return nil, fmt.Errorf("%w: mask has %d registers but %d values were captured", ErrInvalidRegisterSet, n, len(packed))
	}
	rs := &RegisterSet{Arch: arch, ValidMask: mask}
	pos := 0
	for m := mask; m != 0; m &= m - 1 {
		i := bits.TrailingZeros64(m)
		rs.Values[i] = packed[pos]
		pos++
	}
	return rs, nil
}

// Has reports whether reg was captured.
func (rs *RegisterSet) Has(reg int) bool {
	if reg < 0 || reg >= MaxRegs {
		return false
	}
	return rs.ValidMask&(uint64(1)<<reg) != 0
}

// Get returns the value of reg if it was captured.
func (rs *RegisterSet) Get(reg int) (uint64, bool) {
	if !rs.Has(reg) {
		return 0, false
	}
	return rs.Values[reg], true
}

// SP returns the stack pointer.
func (rs *RegisterSet) SP() (uint64, bool) {
	return rs.Get(SPReg(rs.Arch))
}

// IP returns the instruction pointer.
func (rs *RegisterSet) IP() (uint64, bool) {
	return rs.Get(IPReg(rs.Arch))
}

func (rs *RegisterSet) String() string {
	s := fmt.Sprintf("regs(%s)", rs.Arch)
	for m := rs.ValidMask; m != 0; m &= m - 1 {
		i := bits.TrailingZeros64(m)
		s += fmt.Sprintf(" %s=0x%x", RegName(rs.Arch, i), rs.Values[i])
	}
	return s
}
