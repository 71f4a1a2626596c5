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
	"errors"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-perf/pkg/perf/record"
	"github.com/parca-dev/parca-perf/pkg/process"
	"github.com/parca-dev/parca-perf/pkg/regs"
)

const (
	testIP = 0x401000
	testSP = 0x7000
)

type walkerFunc func(*WalkRequest) *WalkResult

func (f walkerFunc) Walk(req *WalkRequest) *WalkResult { return f(req) }

type staticAuthority struct {
	version uint64
	maps    process.Mappings
	err     error
	calls   int
}

func (a *staticAuthority) Maps(int) (uint64, process.Mappings, error) {
	a.calls++
	return a.version, a.maps, a.err
}

var (
	textMap = &process.MapEntry{Start: 0x400000, End: 0x500000, Flags: process.ProtRead | process.ProtExec, Name: "/bin/app"}
	jitMap  = &process.MapEntry{Start: 0x600000, End: 0x700000, Flags: process.ProtRead | process.ProtExec, Name: "/memfd:jit-cache (deleted)"}
)

func testAuthority() *staticAuthority {
	return &staticAuthority{version: 1, maps: process.Mappings{textMap, jitMap}}
}

func x86_64Regs(ip, sp, bp uint64) *regs.RegisterSet {
	rs := &regs.RegisterSet{
		Arch:      regs.ArchX86_64,
		ValidMask: 1<<regs.X86IP | 1<<regs.X86SP | 1<<regs.X86BP,
	}
	rs.Values[regs.X86IP] = ip
	rs.Values[regs.X86SP] = sp
	rs.Values[regs.X86BP] = bp
	return rs
}

func newTestUnwinder(w StackWalker, a process.MapAuthority, opts Options) *OfflineUnwinder {
	return NewOfflineUnwinder(log.NewNopLogger(), prometheus.NewRegistry(), w, a, opts)
}

func frames(pcs ...uint64) []Frame {
	fs := make([]Frame, 0, len(pcs))
	for i, pc := range pcs {
		m := textMap
		if jitMap.Contains(pc) {
			m = jitMap
		}
		fs = append(fs, Frame{PC: pc, SP: testSP + uint64(i)*0x10, Map: m})
	}
	return fs
}

func TestUnwindFallsBackToRegisters(t *testing.T) {
	t.Parallel()

	u := newTestUnwinder(walkerFunc(func(*WalkRequest) *WalkResult {
		return &WalkResult{}
	}), testAuthority(), Options{})

	res, err := u.Unwind(1, x86_64Regs(testIP, testSP, 0), make([]byte, 64))
	require.NoError(t, err)
	require.Equal(t, []uint64{testIP}, res.IPs)
	require.Equal(t, []uint64{testSP}, res.SPs)
	require.Equal(t, uint64(testSP), res.StackStart)
	require.Equal(t, uint64(testSP+64), res.StackEnd)
	require.Equal(t, StopUnknown, res.StopReason)
	require.NoError(t, res.Err())
}

func TestUnwindFirstFrameMismatch(t *testing.T) {
	t.Parallel()

	u := newTestUnwinder(walkerFunc(func(*WalkRequest) *WalkResult {
		return &WalkResult{Frames: frames(0x401100, 0x401200)}
	}), testAuthority(), Options{})

	_, err := u.Unwind(1, x86_64Regs(testIP, testSP, 0), nil)
	require.ErrorIs(t, err, ErrFirstFrameMismatch)
}

func TestUnwindMissingRegisters(t *testing.T) {
	t.Parallel()

	u := newTestUnwinder(FramePointerWalker{}, testAuthority(), Options{})

	rs := x86_64Regs(testIP, testSP, 0)
	rs.ValidMask &^= 1 << regs.X86SP
	_, err := u.Unwind(1, rs, nil)
	require.ErrorIs(t, err, ErrInvalidRegisterSet)

	rs = x86_64Regs(testIP, testSP, 0)
	rs.Arch = regs.ArchUnknown
	_, err = u.Unwind(1, rs, nil)
	require.ErrorIs(t, err, ErrInvalidRegisterSet)
}

func TestUnwindStopReasons(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		walk     WalkResult
		reason   StopReason
		stopInfo uint64
	}{
		{"end of stack", WalkResult{ErrCode: ErrCodeNone}, StopUnknown, 0},
		{"stack read", WalkResult{ErrCode: ErrCodeMemoryInvalid, ErrAddr: testSP - 0x10}, StopAccessStackFailed, testSP - 0x10},
		{"read at sp", WalkResult{ErrCode: ErrCodeMemoryInvalid, ErrAddr: testSP}, StopAccessStackFailed, testSP},
		{"read above sp", WalkResult{ErrCode: ErrCodeMemoryInvalid, ErrAddr: testSP + 0x2000}, StopAccessMemFailed, testSP + 0x2000},
		{"max frames", WalkResult{ErrCode: ErrCodeMaxFramesExceeded}, StopExceedMaxFramesLimit, 0},
		{"missing map", WalkResult{ErrCode: ErrCodeInvalidMap, ErrAddr: 0x900000}, StopMapMissing, 0},
		{"engine failure", WalkResult{ErrCode: ErrCodeUnknown}, StopUnknown, 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			u := newTestUnwinder(walkerFunc(func(*WalkRequest) *WalkResult {
				w := tt.walk
				w.Frames = frames(testIP)
				return &w
			}), testAuthority(), Options{})
			res, err := u.Unwind(1, x86_64Regs(testIP, testSP, 0), nil)
			require.NoError(t, err)
			require.Equal(t, tt.reason, res.StopReason)
			require.Equal(t, tt.stopInfo, res.StopInfo)
			require.Equal(t, 1.0, testutil.ToFloat64(u.metrics.stopReasons.WithLabelValues(tt.reason.String())))

			var uerr *Error
			if tt.reason != StopUnknown {
				require.True(t, errors.As(res.Err(), &uerr))
				require.Equal(t, tt.reason, uerr.Reason)
			}
		})
	}
}

func TestUnwindStackWindowAtLowAddresses(t *testing.T) {
	t.Parallel()

	u := newTestUnwinder(walkerFunc(func(*WalkRequest) *WalkResult {
		return &WalkResult{Frames: frames(testIP), ErrCode: ErrCodeMemoryInvalid, ErrAddr: 0x10}
	}), testAuthority(), Options{})
	res, err := u.Unwind(1, x86_64Regs(testIP, 0x100, 0), nil)
	require.NoError(t, err)
	require.Equal(t, StopAccessStackFailed, res.StopReason)
}

func TestUnwindBrokenNearJIT(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		frames []Frame
		ips    []uint64
		broken bool
	}{
		{
			name:   "no jit",
			frames: frames(testIP, 0x401100, 0x401200),
			ips:    []uint64{testIP, 0x401100, 0x401200},
		},
		{
			name:   "jit close to the end",
			frames: frames(testIP, 0x600100, 0x401100),
			ips:    []uint64{testIP, 0x600100, 0x401100},
			broken: true,
		},
		{
			name:   "jit two frames from the end",
			frames: frames(testIP, 0x600100, 0x401100, 0x401200),
			ips:    []uint64{testIP, 0x600100, 0x401100, 0x401200},
			broken: true,
		},
		{
			name:   "jit far from the end",
			frames: frames(testIP, 0x600100, 0x401100, 0x401200, 0x401300),
			ips:    []uint64{testIP, 0x600100, 0x401100, 0x401200, 0x401300},
		},
		{
			name:   "unmapped frame",
			frames: append(frames(testIP, 0x401100), Frame{PC: 0x900000}, Frame{PC: 0x401200, Map: textMap}),
			ips:    []uint64{testIP, 0x401100},
			broken: true,
		},
		{
			name:   "zero pc",
			frames: append(frames(testIP), Frame{PC: 0, Map: textMap}),
			ips:    []uint64{testIP},
			broken: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			u := newTestUnwinder(walkerFunc(func(*WalkRequest) *WalkResult {
				return &WalkResult{Frames: tt.frames}
			}), testAuthority(), Options{})
			res, err := u.Unwind(1, x86_64Regs(testIP, testSP, 0), nil)
			require.NoError(t, err)
			require.Equal(t, tt.ips, res.IPs)
			require.Len(t, res.SPs, len(tt.ips))
			require.Equal(t, tt.broken, res.BrokenNearJIT)
		})
	}
}

func TestUnwindBrokenNearJITFromRecordedMaps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		jit    *record.Mmap2Record
		broken bool
	}{
		{
			name:   "anonymous executable",
			jit:    &record.Mmap2Record{Pid: 5, Tid: 5, Addr: 0x600000, Len: 0x100000, Prot: record.ProtRead | record.ProtExec},
			broken: true,
		},
		{
			name:   "memfd code cache",
			jit:    &record.Mmap2Record{Pid: 5, Tid: 5, Addr: 0x600000, Len: 0x100000, Prot: record.ProtRead | record.ProtExec, Filename: "/memfd:jit-cache (deleted)"},
			broken: true,
		},
		{
			name:   "dalvik code cache",
			jit:    &record.Mmap2Record{Pid: 5, Tid: 5, Addr: 0x600000, Len: 0x100000, Prot: record.ProtRead | record.ProtExec, Filename: "[anon:dalvik-jit-code-cache]"},
			broken: true,
		},
		{
			name: "shared library",
			jit:  &record.Mmap2Record{Pid: 5, Tid: 5, Addr: 0x600000, Len: 0x100000, Prot: record.ProtRead | record.ProtExec, Filename: "/lib/libz.so.1"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tree := process.NewTree(log.NewNopLogger())
			tree.Update(&record.Mmap2Record{Pid: 5, Tid: 5, Addr: 0x400000, Len: 0x100000, Prot: record.ProtRead | record.ProtExec, Filename: "/bin/app"})
			tree.Update(tt.jit)

			u := newTestUnwinder(walkerFunc(func(req *WalkRequest) *WalkResult {
				var fs []Frame
				for i, pc := range []uint64{testIP, 0x600100} {
					fs = append(fs, Frame{PC: pc, SP: testSP + uint64(i)*0x10, Map: req.Maps.Find(pc)})
				}
				return &WalkResult{Frames: fs}
			}), tree, Options{})
			res, err := u.Unwind(5, x86_64Regs(testIP, testSP, 0), nil)
			require.NoError(t, err)
			require.Equal(t, []uint64{testIP, 0x600100}, res.IPs)
			require.Equal(t, tt.broken, res.BrokenNearJIT)
		})
	}
}

func TestUnwindCapsFrames(t *testing.T) {
	t.Parallel()

	u := newTestUnwinder(walkerFunc(func(req *WalkRequest) *WalkResult {
		require.Equal(t, 2, req.MaxFrames)
		return &WalkResult{Frames: frames(testIP, 0x401100, 0x401200), ErrCode: ErrCodeMaxFramesExceeded}
	}), testAuthority(), Options{MaxFrames: 2})
	res, err := u.Unwind(1, x86_64Regs(testIP, testSP, 0), nil)
	require.NoError(t, err)
	require.Len(t, res.IPs, 2)
	require.Equal(t, StopExceedMaxFramesLimit, res.StopReason)
}

func TestUnwindRefreshesSnapshot(t *testing.T) {
	t.Parallel()

	auth := &staticAuthority{version: 1, maps: process.Mappings{textMap}}
	var seen []int
	u := newTestUnwinder(walkerFunc(func(req *WalkRequest) *WalkResult {
		seen = append(seen, req.Maps.Len())
		return &WalkResult{}
	}), auth, Options{})

	_, err := u.Unwind(1, x86_64Regs(testIP, testSP, 0), nil)
	require.NoError(t, err)

	auth.version = 2
	auth.maps = process.Mappings{textMap, jitMap}
	_, err = u.Unwind(1, x86_64Regs(testIP, testSP, 0), nil)
	require.NoError(t, err)

	// A failing authority leaves the previous snapshot in place.
	auth.err = process.ErrProcNotFound
	_, err = u.Unwind(1, x86_64Regs(testIP, testSP, 0), nil)
	require.NoError(t, err)

	// Going back in time is an error.
	auth.err = nil
	auth.version = 1
	_, err = u.Unwind(1, x86_64Regs(testIP, testSP, 0), nil)
	require.ErrorIs(t, err, process.ErrMapVersionMismatch)

	u.Forget(1)
	_, err = u.Unwind(1, x86_64Regs(testIP, testSP, 0), nil)
	require.NoError(t, err)

	require.Equal(t, []int{1, 2, 2, 2}, seen)
	require.Equal(t, 5, auth.calls)
}

func TestResultToRecord(t *testing.T) {
	t.Parallel()

	res := &Result{
		IPs:        []uint64{testIP},
		SPs:        []uint64{testSP},
		StopReason: StopAccessMemFailed,
		StopInfo:   0xdead,
		StackStart: testSP,
		StackEnd:   testSP + 0x100,
		UsedTime:   1500,
	}
	require.Equal(t, &record.UnwindingResultRecord{
		Time:       42,
		UsedTime:   1500,
		StopReason: uint64(StopAccessMemFailed),
		StopInfo:   0xdead,
		StackStart: testSP,
		StackEnd:   testSP + 0x100,
	}, res.ToRecord(42))
	require.EqualError(t, res.Err(), "unwind stopped: access_mem_failed at 0xdead")
}

func TestUnwindSampleWithFramePointers(t *testing.T) {
	t.Parallel()

	stack := frameChain(binary.LittleEndian, 0x80, map[uint64]uint64{
		0x10: 0x7030, 0x18: 0x401100,
		0x30: 0, 0x38: 0x402200,
	})
	attr := &record.EventAttr{
		SampleType:      record.SampleIP | record.SampleTID | record.SampleRegsUser | record.SampleStackUser,
		SampleRegsUser:  1<<regs.X86BP | 1<<regs.X86SP | 1<<regs.X86IP,
		SampleStackUser: uint32(len(stack)),
	}
	s := record.NewSample(attr)
	s.Pid, s.Tid = 7, 7
	s.IP = testIP
	s.RegsABI = regs.ABI64
	s.Regs = []uint64{0x7010, testSP, testIP}
	s.Stack = stack
	s.StackDynSize = uint64(len(stack))

	u := newTestUnwinder(FramePointerWalker{}, testAuthority(), Options{})
	res, err := u.UnwindSample(regs.ArchX86_64, s)
	require.NoError(t, err)
	require.Equal(t, []uint64{testIP, 0x401100, 0x402200}, res.IPs)
	require.Equal(t, []uint64{testSP, 0x7020, 0x7040}, res.SPs)
	require.Equal(t, StopUnknown, res.StopReason)
	require.False(t, res.BrokenNearJIT)

	_, err = u.UnwindSample(regs.ArchX86_64, record.NewSample(&record.EventAttr{SampleType: record.SampleIP}))
	require.ErrorIs(t, err, ErrInvalidRegisterSet)
}
