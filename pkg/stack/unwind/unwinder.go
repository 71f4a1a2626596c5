// Copyright 2022-2024 The Parca Authors
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
//

package unwind

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parca-dev/parca-perf/pkg/perf/record"
	"github.com/parca-dev/parca-perf/pkg/process"
	"github.com/parca-dev/parca-perf/pkg/regs"
)

const (
	DefaultMaxFrames          = 512
	DefaultJITBrokenThreshold = 3
	DefaultStackAccessWindow  = 128 * 1024
)

var (
	ErrInvalidRegisterSet = regs.ErrInvalidRegisterSet
	// ErrFirstFrameMismatch is returned when a walker produced frames whose
	// innermost pc is not the sampled instruction pointer.
	ErrFirstFrameMismatch = errors.New("first unwound frame does not match instruction pointer")
)

// StopReason tells why unwinding ended. The numbering is part of the
// unwinding result record format.
type StopReason uint64

const (
	StopUnknown StopReason = iota
	StopExceedMaxFramesLimit
	StopAccessRegFailed
	StopAccessStackFailed
	StopAccessMemFailed
	StopFindProcInfoFailed
	StopExecuteDwarfInstructionFailed
	StopDifferentArch
	StopMapMissing
)

var stopReasonNames = [...]string{
	StopUnknown:                       "unknown",
	StopExceedMaxFramesLimit:          "exceed_max_frames_limit",
	StopAccessRegFailed:               "access_reg_failed",
	StopAccessStackFailed:             "access_stack_failed",
	StopAccessMemFailed:               "access_mem_failed",
	StopFindProcInfoFailed:            "find_proc_info_failed",
	StopExecuteDwarfInstructionFailed: "execute_dwarf_instruction_failed",
	StopDifferentArch:                 "different_arch",
	StopMapMissing:                    "map_missing",
}

func (r StopReason) String() string {
	if int(r) < len(stopReasonNames) {
		return stopReasonNames[r]
	}
	return fmt.Sprintf("stop_reason(%d)", uint64(r))
}

// Error describes an unwind that stopped early.
type Error struct {
	Reason StopReason
	Addr   uint64
}

func (e *Error) Error() string {
	if e.Reason == StopAccessStackFailed || e.Reason == StopAccessMemFailed {
		return fmt.Sprintf("unwind stopped: %s at 0x%x", e.Reason, e.Addr)
	}
	return "unwind stopped: " + e.Reason.String()
}

// Result is the outcome of one unwind. IPs and SPs are parallel, innermost
// frame first, and never empty.
type Result struct {
	IPs        []uint64
	SPs        []uint64
	StopReason StopReason
	// StopInfo is the faulting address for stack and memory access failures.
	StopInfo   uint64
	StackStart uint64
	StackEnd   uint64
	UsedTime   time.Duration
	// BrokenNearJIT is set when the chain ended at or close to jitted code,
	// where a missing or stale map makes the tail untrustworthy.
	BrokenNearJIT bool
}

// Err returns an *Error for results that stopped for a reason other than
// reaching the end of the stack.
func (r *Result) Err() error {
	if r.StopReason == StopUnknown {
		return nil
	}
	return &Error{Reason: r.StopReason, Addr: r.StopInfo}
}

// ToRecord returns the unwinding result record describing r, stamped with
// the sample time.
func (r *Result) ToRecord(sampleTime uint64) *record.UnwindingResultRecord {
	return &record.UnwindingResultRecord{
		Time:       sampleTime,
		UsedTime:   uint64(r.UsedTime.Nanoseconds()),
		StopReason: uint64(r.StopReason),
		StopInfo:   r.StopInfo,
		StackStart: r.StackStart,
		StackEnd:   r.StackEnd,
	}
}

type Options struct {
	MaxFrames          int
	JITBrokenThreshold int
	// StackAccessWindow is how far below the stack pointer a failed read is
	// still attributed to the stack rather than to other memory.
	StackAccessWindow uint64
	ByteOrder         binary.ByteOrder
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxFrames <= 0 {
		out.MaxFrames = DefaultMaxFrames
	}
	if out.JITBrokenThreshold <= 0 {
		out.JITBrokenThreshold = DefaultJITBrokenThreshold
	}
	if out.StackAccessWindow == 0 {
		out.StackAccessWindow = DefaultStackAccessWindow
	}
	if out.ByteOrder == nil {
		out.ByteOrder = binary.LittleEndian
	}
	return out
}

type metrics struct {
	stopReasons *prometheus.CounterVec
	duration    prometheus.Histogram
	brokenJIT   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		stopReasons: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "perf_unwind_stop_reasons_total",
				Help: "Number of offline unwinds by the reason they stopped.",
			},
			[]string{"reason"},
		),
		duration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "perf_unwind_duration_seconds",
			Help:    "Time spent unwinding one sample.",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 10),
		}),
		brokenJIT: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "perf_unwind_broken_near_jit_total",
			Help: "Number of call chains that ended at or near jitted code.",
		}),
	}
}

// OfflineUnwinder recovers user call chains from captured registers and
// stack bytes. It keeps one map snapshot per process and refreshes it from
// the authority before every unwind. It is not safe for concurrent use.
type OfflineUnwinder struct {
	logger    log.Logger
	metrics   *metrics
	walker    StackWalker
	authority process.MapAuthority
	snapshots *process.SnapshotCache
	opts      Options
}

func NewOfflineUnwinder(logger log.Logger, reg prometheus.Registerer, walker StackWalker, authority process.MapAuthority, opts Options) *OfflineUnwinder {
	return &OfflineUnwinder{
		logger:    logger,
		metrics:   newMetrics(reg),
		walker:    walker,
		authority: authority,
		snapshots: process.NewSnapshotCache(),
		opts:      opts.withDefaults(),
	}
}

// WithAuthority returns an unwinder reading maps from authority. It shares
// the engine and metrics of u and starts with no snapshots, so the two can
// be used from different goroutines.
func (u *OfflineUnwinder) WithAuthority(authority process.MapAuthority) *OfflineUnwinder {
	return &OfflineUnwinder{
		logger:    u.logger,
		metrics:   u.metrics,
		walker:    u.walker,
		authority: authority,
		snapshots: process.NewSnapshotCache(),
		opts:      u.opts,
	}
}

// Forget drops the map snapshot of pid.
func (u *OfflineUnwinder) Forget(pid int) {
	u.snapshots.Drop(pid)
}

// Unwind walks the user stack of pid starting at the state described by rs.
// stack holds the bytes captured at the stack pointer.
func (u *OfflineUnwinder) Unwind(pid int, rs *regs.RegisterSet, stack []byte) (*Result, error) {
	start := time.Now()

	sp, ok := rs.SP()
	if !ok {
		return nil, fmt.Errorf("%w: no stack pointer", ErrInvalidRegisterSet)
	}
	ip, ok := rs.IP()
	if !ok {
		return nil, fmt.Errorf("%w: no instruction pointer", ErrInvalidRegisterSet)
	}

	snapshot := u.snapshots.Get(pid)
	version, ms, err := u.authority.Maps(pid)
	if err != nil {
		level.Debug(u.logger).Log("msg", "failed to refresh maps, unwinding with previous snapshot", "pid", pid, "err", err)
	} else if err := snapshot.Update(version, ms); err != nil {
		return nil, fmt.Errorf("update maps of pid %d: %w", pid, err)
	}

	er, err := Translate(rs)
	if err != nil {
		return nil, err
	}

	walk := u.walker.Walk(&WalkRequest{
		Regs:      er,
		Stack:     &StackMemory{Start: sp, Data: stack, Order: u.opts.ByteOrder},
		Maps:      snapshot,
		MaxFrames: u.opts.MaxFrames,
	})

	res := &Result{
		StackStart: sp,
		StackEnd:   sp + uint64(len(stack)),
	}
	jitted := snapshot.Entries().HasJitted()
	lastJIT := -1
	for _, f := range walk.Frames {
		if len(res.IPs) == u.opts.MaxFrames {
			break
		}
		if f.PC == 0 || f.Map == nil {
			res.BrokenNearJIT = true
			break
		}
		if jitted && f.Map.IsJitted() {
			lastJIT = len(res.IPs)
		}
		res.IPs = append(res.IPs, f.PC)
		res.SPs = append(res.SPs, f.SP)
	}
	if lastJIT >= 0 && lastJIT+u.opts.JITBrokenThreshold >= len(res.IPs) {
		res.BrokenNearJIT = true
	}

	if len(res.IPs) == 0 {
		res.IPs = []uint64{ip}
		res.SPs = []uint64{sp}
	} else if res.IPs[0] != ip {
		return nil, fmt.Errorf("%w: got 0x%x, want 0x%x", ErrFirstFrameMismatch, res.IPs[0], ip)
	}

	res.StopReason, res.StopInfo = u.stopReason(walk, sp)
	res.UsedTime = time.Since(start)

	u.metrics.stopReasons.WithLabelValues(res.StopReason.String()).Inc()
	u.metrics.duration.Observe(res.UsedTime.Seconds())
	if res.BrokenNearJIT {
		u.metrics.brokenJIT.Inc()
	}
	return res, nil
}

func (u *OfflineUnwinder) stopReason(walk *WalkResult, sp uint64) (StopReason, uint64) {
	switch walk.ErrCode {
	case ErrCodeNone:
		return StopUnknown, 0
	case ErrCodeMemoryInvalid:
		addr := walk.ErrAddr
		low := uint64(0)
		if sp > u.opts.StackAccessWindow {
			low = sp - u.opts.StackAccessWindow
		}
		if addr >= low && addr <= sp {
			return StopAccessStackFailed, addr
		}
		return StopAccessMemFailed, addr
	case ErrCodeMaxFramesExceeded:
		return StopExceedMaxFramesLimit, 0
	case ErrCodeInvalidMap:
		return StopMapMissing, 0
	default:
		return StopUnknown, 0
	}
}

// UnwindSample unwinds the user registers and stack captured in s. arch is
// the architecture of the recording machine.
func (u *OfflineUnwinder) UnwindSample(arch regs.Arch, s *record.SampleRecord) (*Result, error) {
	rs, err := s.RegisterSet(arch)
	if err != nil {
		return nil, err
	}
	return u.Unwind(int(int32(s.Pid)), rs, s.ValidStack())
}
