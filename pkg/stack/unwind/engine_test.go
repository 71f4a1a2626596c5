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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-perf/pkg/process"
	"github.com/parca-dev/parca-perf/pkg/regs"
)

// frameChain returns size bytes of stack with 8 byte words at the given
// offsets.
func frameChain(order binary.ByteOrder, size int, words map[uint64]uint64) []byte {
	b := make([]byte, size)
	for off, v := range words {
		order.PutUint64(b[off:], v)
	}
	return b
}

func TestTranslate(t *testing.T) {
	t.Parallel()

	t.Run("x86_64", func(t *testing.T) {
		t.Parallel()

		rs := &regs.RegisterSet{Arch: regs.ArchX86_64}
		for i := regs.X86AX; i <= regs.X86R15; i++ {
			rs.Values[i] = uint64(100 + i)
		}
		e, err := Translate(rs)
		require.NoError(t, err)
		require.Len(t, e.Values, engX86_64Count)
		require.Equal(t, uint64(100+regs.X86IP), e.PC())
		require.Equal(t, uint64(100+regs.X86SP), e.SP())
		require.Equal(t, uint64(100+regs.X86BP), e.FP())
		require.Equal(t, uint64(100+regs.X86DX), e.Values[engX86_64RDX])
		require.Equal(t, uint64(100+regs.X86CX), e.Values[engX86_64RCX])
		require.Equal(t, uint64(100+regs.X86R12), e.Values[engX86_64R12])
		require.Equal(t, 8, e.WordSize())
		_, ok := e.LR()
		require.False(t, ok)
	})

	t.Run("x86", func(t *testing.T) {
		t.Parallel()

		rs := &regs.RegisterSet{Arch: regs.ArchX86_32}
		rs.Values[regs.X86IP] = 0x8048000
		rs.Values[regs.X86SP] = 0xbfff0000
		rs.Values[regs.X86BX] = 3
		e, err := Translate(rs)
		require.NoError(t, err)
		require.Len(t, e.Values, engX86Count)
		require.Equal(t, uint64(0x8048000), e.PC())
		require.Equal(t, uint64(0xbfff0000), e.SP())
		require.Equal(t, uint64(3), e.Values[engX86EBX])
		require.Equal(t, 4, e.WordSize())
	})

	t.Run("arm", func(t *testing.T) {
		t.Parallel()

		rs := &regs.RegisterSet{Arch: regs.ArchARM}
		for i := regs.ARMR0; i <= regs.ARMPC; i++ {
			rs.Values[i] = uint64(i + 1)
		}
		e, err := Translate(rs)
		require.NoError(t, err)
		require.Len(t, e.Values, engARMCount)
		require.Equal(t, uint64(regs.ARMPC+1), e.PC())
		require.Equal(t, uint64(regs.ARMR11+1), e.FP())
		lr, ok := e.LR()
		require.True(t, ok)
		require.Equal(t, uint64(regs.ARMLR+1), lr)
	})

	t.Run("arm64", func(t *testing.T) {
		t.Parallel()

		rs := &regs.RegisterSet{Arch: regs.ArchARM64}
		for i := regs.ARM64X0; i <= regs.ARM64PC; i++ {
			rs.Values[i] = uint64(i * 8)
		}
		e, err := Translate(rs)
		require.NoError(t, err)
		require.Len(t, e.Values, engARM64Count)
		require.Equal(t, uint64(regs.ARM64PC*8), e.PC())
		require.Equal(t, uint64(regs.ARM64SP*8), e.SP())
		require.Equal(t, uint64(regs.ARM64X29*8), e.FP())
	})

	t.Run("unknown", func(t *testing.T) {
		t.Parallel()

		_, err := Translate(&regs.RegisterSet{})
		require.ErrorIs(t, err, ErrInvalidRegisterSet)
	})
}

func TestStackMemoryReadWord(t *testing.T) {
	t.Parallel()

	m := &StackMemory{
		Start: 0x1000,
		Data:  frameChain(binary.BigEndian, 16, map[uint64]uint64{8: 0x1122334455667788}),
		Order: binary.BigEndian,
	}
	v, ok := m.ReadWord(0x1008, 8)
	require.True(t, ok)
	require.Equal(t, uint64(0x1122334455667788), v)

	v, ok = m.ReadWord(0x100c, 4)
	require.True(t, ok)
	require.Equal(t, uint64(0x55667788), v)

	_, ok = m.ReadWord(0x0fff, 8)
	require.False(t, ok)
	_, ok = m.ReadWord(0x1009, 8)
	require.False(t, ok)
	_, ok = m.ReadWord(^uint64(0)-2, 8)
	require.False(t, ok)
}

func fpRequest(fp uint64, stack []byte, maxFrames int) *WalkRequest {
	e, err := Translate(x86_64Regs(testIP, testSP, fp))
	if err != nil {
		panic(err)
	}
	var s process.MapSnapshot
	if err := s.Update(1, process.Mappings{textMap, jitMap}); err != nil {
		panic(err)
	}
	return &WalkRequest{
		Regs:      e,
		Stack:     &StackMemory{Start: testSP, Data: stack, Order: binary.LittleEndian},
		Maps:      &s,
		MaxFrames: maxFrames,
	}
}

func TestFramePointerWalker(t *testing.T) {
	t.Parallel()

	chain := frameChain(binary.LittleEndian, 0x80, map[uint64]uint64{
		0x10: 0x7030, 0x18: 0x401100,
		0x30: 0, 0x38: 0x402200,
	})

	tests := []struct {
		name      string
		req       *WalkRequest
		pcs       []uint64
		errCode   ErrorCode
		errAddr   uint64
		lastMapOK bool
	}{
		{
			name:      "complete chain",
			req:       fpRequest(0x7010, chain, 16),
			pcs:       []uint64{testIP, 0x401100, 0x402200},
			errCode:   ErrCodeNone,
			lastMapOK: true,
		},
		{
			name:      "frame limit",
			req:       fpRequest(0x7010, chain, 2),
			pcs:       []uint64{testIP, 0x401100},
			errCode:   ErrCodeMaxFramesExceeded,
			lastMapOK: true,
		},
		{
			name:      "frame pointer outside capture",
			req:       fpRequest(0x9000, chain, 16),
			pcs:       []uint64{testIP},
			errCode:   ErrCodeMemoryInvalid,
			errAddr:   0x9000,
			lastMapOK: true,
		},
		{
			name: "return into unmapped code",
			req: fpRequest(0x7010, frameChain(binary.LittleEndian, 0x40, map[uint64]uint64{
				0x10: 0x7030, 0x18: 0x900000,
			}), 16),
			pcs:     []uint64{testIP, 0x900000},
			errCode: ErrCodeInvalidMap,
			errAddr: 0x900000,
		},
		{
			name: "frame pointer below stack pointer",
			req: fpRequest(0x7010, frameChain(binary.LittleEndian, 0x40, map[uint64]uint64{
				0x10: 0x7000, 0x18: 0x401100,
			}), 16),
			pcs:       []uint64{testIP, 0x401100},
			errCode:   ErrCodeUnknown,
			lastMapOK: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res := FramePointerWalker{}.Walk(tt.req)
			pcs := make([]uint64, 0, len(res.Frames))
			for _, f := range res.Frames {
				pcs = append(pcs, f.PC)
			}
			require.Equal(t, tt.pcs, pcs)
			require.Equal(t, tt.errCode, res.ErrCode)
			require.Equal(t, tt.errAddr, res.ErrAddr)
			require.Equal(t, tt.lastMapOK, res.Frames[len(res.Frames)-1].Map != nil)
		})
	}
}
