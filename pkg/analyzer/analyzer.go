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

// Package analyzer reads a record stream once, keeping the process tree
// current, unwinding samples that carry registers and stack bytes and
// aggregating them into a report and a set of stacks.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/parca-perf/pkg/perf/record"
	"github.com/parca-dev/parca-perf/pkg/process"
	"github.com/parca-dev/parca-perf/pkg/profile"
	"github.com/parca-dev/parca-perf/pkg/regs"
	"github.com/parca-dev/parca-perf/pkg/report"
	"github.com/parca-dev/parca-perf/pkg/stack/unwind"
)

// RecordSource yields records until io.EOF. *record.Reader implements it.
type RecordSource interface {
	Next() (record.Record, error)
}

// RecordSink receives the rewritten record stream. *record.Writer
// implements it.
type RecordSink interface {
	Write(r record.Record) error
}

type Config struct {
	// Arch is the architecture the records were captured on.
	Arch   regs.Arch
	Report report.Options
	Unwind unwind.Options
	// NoUnwind leaves samples with registers and stack bytes as they are.
	NoUnwind bool
	// Strict fails the run on the first record that does not decode.
	Strict bool
	// Rewrite, when set, receives every record, with unwound samples
	// carrying their recovered call chain instead of registers and stack.
	Rewrite RecordSink
	// LiveMaps, when set, supplies the mappings of processes the stream
	// never mapped, such as ones already running when recording started.
	LiveMaps process.MapAuthority
}

type forgetter interface {
	Forget(pid int)
}

// Analyzer analyzes one record stream. It must not be reused.
type Analyzer struct {
	logger  log.Logger
	metrics *metrics
	cfg     Config

	tree      *process.Tree
	authority process.MapAuthority
	unwinder  *unwind.OfflineUnwinder
	stats    *Stats
}

func New(logger log.Logger, reg prometheus.Registerer, cfg Config) *Analyzer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	a := &Analyzer{
		logger:  logger,
		metrics: newMetrics(reg),
		cfg:     cfg,
		tree:    process.NewTree(log.With(logger, "component", "process_tree")),
		stats:   newStats(),
	}
	a.authority = a.tree
	if cfg.LiveMaps != nil {
		a.authority = process.FallbackAuthority{Primary: a.tree, Fallback: cfg.LiveMaps}
	}
	if !cfg.NoUnwind {
		a.unwinder = unwind.NewOfflineUnwinder(
			log.With(logger, "component", "unwinder"),
			reg,
			unwind.FramePointerWalker{},
			a.authority,
			cfg.Unwind,
		)
	}
	return a
}

// Stats returns the counters of the run so far.
func (a *Analyzer) Stats() *Stats {
	return a.stats
}

// Result is what a run produced.
type Result struct {
	Report *report.Report
	Stacks *profile.Collector
	Stats  Snapshot

	mappings map[int]*pidMappings
	names    map[threadKey]string
}

// Mappings returns every mapping of pid that was in place when one of its
// samples was taken. Mappings replaced later are only kept where they do not
// overlap newer ones.
func (r *Result) Mappings(pid int) process.Mappings {
	if pm, ok := r.mappings[pid]; ok {
		return pm.maps
	}
	return nil
}

// ThreadName returns the command name of a sampled thread, or the empty
// string when it was never announced.
func (r *Result) ThreadName(pid, tid int) string {
	return r.names[threadKey{pid: pid, tid: tid}]
}

// next reads the next record. It returns io.EOF at the end of the stream
// and a nil record for records that were skipped.
func (a *Analyzer) next(src RecordSource) (record.Record, error) {
	rec, err := src.Next()
	if err == nil {
		a.observe(rec)
		return rec, nil
	}
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if record.IsFatal(err) {
		a.metrics.decodeErrors.WithLabelValues(labelDecodeErrorFatal).Inc()
		level.Error(a.logger).Log("msg", "record stream is corrupt", "err", err)
		return nil, fmt.Errorf("read records: %w", err)
	}

	a.stats.decodeErrors.Inc()
	a.metrics.decodeErrors.WithLabelValues(labelDecodeErrorSkipped).Inc()
	if a.cfg.Strict {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	level.Debug(a.logger).Log("msg", "skipping record", "err", err)
	return nil, nil
}

// observe counts rec and applies it to the process tree.
func (a *Analyzer) observe(rec record.Record) {
	t := rec.Header().Type
	a.stats.recordDecoded(t)
	a.metrics.recordsDecoded.WithLabelValues(t.String()).Inc()

	if lost, ok := rec.(*record.LostRecord); ok {
		a.stats.lostEvents.Add(int64(lost.Lost))
		a.metrics.lostEvents.Add(float64(lost.Lost))
	}
	a.tree.Update(rec)
}

// processBoundary returns the pid whose earlier map history rec ends: a
// process whose main thread exited, or a process just created by fork.
func processBoundary(rec record.Record) (int, bool) {
	switch r := rec.(type) {
	case *record.ExitRecord:
		if r.Pid == r.Tid {
			return int(int32(r.Pid)), true
		}
	case *record.ForkRecord:
		if r.Pid != r.Ppid {
			return int(int32(r.Pid)), true
		}
	}
	return 0, false
}

func (a *Analyzer) processExited(pid int) {
	if f, ok := a.cfg.LiveMaps.(forgetter); ok {
		f.Forget(pid)
	}
}

// Run reads src to the end in a single pass. Records that do not decode are
// skipped unless the analyzer is strict. It stops at the first corrupt
// record header.
func (a *Analyzer) Run(ctx context.Context, src RecordSource) (*Result, error) {
	w, err := a.newWorker(a.tree, a.authority, a.unwinder, a.cfg.Rewrite)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		rec, err := a.next(src)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}

		if s, ok := rec.(*record.SampleRecord); ok {
			if err := w.processSample(s); err != nil {
				return nil, err
			}
			continue
		}
		if pid, ok := processBoundary(rec); ok {
			w.forget(pid)
			a.processExited(pid)
		}
		if err := w.write(rec); err != nil {
			return nil, err
		}
	}

	return a.result(w), nil
}

// result finishes aggregation, merging the output of every worker into the
// first one.
func (a *Analyzer) result(workers ...*worker) *Result {
	w := workers[0]
	for _, other := range workers[1:] {
		w.mergeFrom(other)
	}

	rep := w.builder.Report()
	a.metrics.callChainError.Add(float64(rep.Summary.ErrorCallChains))
	level.Debug(a.logger).Log(
		"msg", "analysis finished",
		"entries", len(rep.Entries),
		"stacks", w.stacks.Len(),
		"samples", rep.Summary.Samples,
	)
	return &Result{
		Report:   rep,
		Stacks:   w.stacks,
		Stats:    a.stats.Snapshot(),
		mappings: w.mappings,
		names:    w.names,
	}
}
