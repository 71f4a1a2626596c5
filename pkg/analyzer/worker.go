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

package analyzer

import (
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/parca-perf/pkg/perf/record"
	"github.com/parca-dev/parca-perf/pkg/process"
	"github.com/parca-dev/parca-perf/pkg/profile"
	"github.com/parca-dev/parca-perf/pkg/regs"
	"github.com/parca-dev/parca-perf/pkg/report"
	"github.com/parca-dev/parca-perf/pkg/stack/unwind"
)

type threadKey struct {
	pid, tid int
}

type pidMappings struct {
	version uint64
	maps    process.Mappings
}

// worker turns sample records into report entries and collected stacks.
// It is used from one goroutine.
type worker struct {
	logger  log.Logger
	metrics *metrics
	stats   *Stats
	arch    regs.Arch

	threads   report.ThreadResolver
	authority process.MapAuthority
	unwinder  *unwind.OfflineUnwinder
	rewrite   RecordSink

	builder *report.Builder
	stacks  *profile.Collector

	// unwound holds the user frames recovered for samples the builder has
	// not processed yet.
	unwound map[*record.SampleRecord][]uint64
	// held is the sample of every thread the builder keeps back in
	// timestamp mode.
	held map[uint32]*record.SampleRecord

	mappings map[int]*pidMappings
	names    map[threadKey]string
}

func (a *Analyzer) newWorker(threads report.ThreadResolver, authority process.MapAuthority, unwinder *unwind.OfflineUnwinder, rewrite RecordSink) (*worker, error) {
	w := &worker{
		logger:    a.logger,
		metrics:   a.metrics,
		stats:     a.stats,
		arch:      a.cfg.Arch,
		threads:   threads,
		authority: authority,
		unwinder:  unwinder,
		rewrite:   rewrite,
		stacks:    profile.NewCollector(),
		unwound:   map[*record.SampleRecord][]uint64{},
		mappings:  map[int]*pidMappings{},
		names:     map[threadKey]string{},
	}

	opts := a.cfg.Report
	if unwinder != nil {
		opts.CallGraph.UserUnwinder = w.userFrames
	}
	if opts.Period == report.PeriodTimestamp {
		w.held = map[uint32]*record.SampleRecord{}
	}
	b, err := report.NewBuilder(threads, opts)
	if err != nil {
		return nil, err
	}
	w.builder = b
	return w, nil
}

func (w *worker) userFrames(r *record.SampleRecord) []uint64 {
	return w.unwound[r]
}

// needsUnwinding reports whether r carries user registers and stack bytes
// but no user frames in its call chain.
func needsUnwinding(r *record.SampleRecord) bool {
	const want = record.SampleRegsUser | record.SampleStackUser
	if r.SampleType&want != want || r.RegsABI == regs.ABINone || len(r.Regs) == 0 {
		return false
	}
	return r.ValidStackSize() > 0 && !r.HasUserCallChain()
}

func unwindErrorLabel(err error) string {
	switch {
	case errors.Is(err, unwind.ErrInvalidRegisterSet):
		return labelUnwindErrorRegisters
	case errors.Is(err, unwind.ErrFirstFrameMismatch):
		return labelUnwindErrorFirstFrame
	default:
		return labelUnwindErrorOther
	}
}

func (w *worker) unwind(r *record.SampleRecord) *unwind.Result {
	if w.unwinder == nil || !needsUnwinding(r) {
		return nil
	}
	res, err := w.unwinder.UnwindSample(w.arch, r)
	if err != nil {
		w.stats.unwindFailures.Inc()
		w.metrics.unwindErrors.WithLabelValues(unwindErrorLabel(err)).Inc()
		level.Debug(w.logger).Log("msg", "failed to unwind sample", "pid", int32(r.Pid), "tid", int32(r.Tid), "err", err)
		return nil
	}
	w.stats.sampleUnwound(res.StopReason)
	return res
}

func (w *worker) processSample(r *record.SampleRecord) error {
	w.stats.samples.Inc()
	w.metrics.samples.Inc()

	res := w.unwind(r)
	if res != nil {
		w.unwound[r] = res.IPs
	}

	w.builder.Process(r)
	w.release(r)

	pid, tid := int(int32(r.Pid)), int(int32(r.Tid))
	ips, kernelCount := r.CallChainIPs()
	user := ips[kernelCount:]
	if res != nil {
		user = res.IPs
	}
	w.stacks.Add(profile.PID(r.Pid), profile.PID(r.Tid), user, ips[:kernelCount], 1, r.Period)

	w.observeMappings(pid)
	if th := w.threads.Thread(pid, tid); th.Comm != process.UnknownComm {
		w.names[threadKey{pid: pid, tid: tid}] = th.Comm
	}

	return w.rewriteSample(r, res)
}

// release forgets the unwound frames of samples the builder is done with.
// In timestamp mode Process(r) handles the previous sample of the thread.
func (w *worker) release(r *record.SampleRecord) {
	if w.held == nil {
		delete(w.unwound, r)
		return
	}
	if prev, ok := w.held[r.Tid]; ok {
		delete(w.unwound, prev)
	}
	w.held[r.Tid] = r
}

// observeMappings extends the mappings seen for pid with its current ones.
func (w *worker) observeMappings(pid int) {
	version, ms, err := w.authority.Maps(pid)
	if err != nil || len(ms) == 0 {
		return
	}
	pm, ok := w.mappings[pid]
	if !ok {
		pm = &pidMappings{}
		w.mappings[pid] = pm
	} else if pm.version == version {
		return
	}
	pm.version = version
	pm.maps = pm.maps.Union(ms)
}

// rewriteSample writes r to the rewrite sink. A sample whose user stack was
// unwound is written with the recovered frames as its call chain, followed
// by the unwinding result when unwinding stopped early.
func (w *worker) rewriteSample(r *record.SampleRecord, res *unwind.Result) error {
	if w.rewrite == nil {
		return nil
	}
	if res == nil || r.SampleType&record.SampleCallChain == 0 {
		return w.write(r)
	}
	c, err := r.ReplaceRegsAndStackWithCallChain(res.IPs)
	if err != nil {
		return fmt.Errorf("rewrite sample: %w", err)
	}
	if err := w.write(c); err != nil {
		return err
	}
	if res.StopReason != unwind.StopUnknown {
		return w.write(res.ToRecord(r.Time))
	}
	return nil
}

func (w *worker) write(r record.Record) error {
	if w.rewrite == nil {
		return nil
	}
	if err := w.rewrite.Write(r); err != nil {
		return fmt.Errorf("write %s record: %w", r.Header().Type, err)
	}
	return nil
}

func (w *worker) forget(pid int) {
	if w.unwinder != nil {
		w.unwinder.Forget(pid)
	}
}

// mergeFrom moves everything other collected into w.
func (w *worker) mergeFrom(other *worker) {
	w.builder.MergeFrom(other.builder)
	w.stacks.MergeFrom(other.stacks)
	for pid, pm := range other.mappings {
		if mine, ok := w.mappings[pid]; ok {
			mine.maps = mine.maps.Union(pm.maps)
			continue
		}
		w.mappings[pid] = pm
	}
	for k, name := range other.names {
		w.names[k] = name
	}
}
