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

package report

import (
	"fmt"
	"slices"

	"github.com/parca-dev/parca-perf/pkg/perf/record"
	"github.com/parca-dev/parca-perf/pkg/sample"
)

// PeriodMode selects the weight of a sample.
type PeriodMode int

const (
	// PeriodEventCount weighs a sample by the event count it carries.
	PeriodEventCount PeriodMode = iota
	// PeriodTimestamp weighs a sample by the time until the next sample of
	// the same thread, as used for off-cpu recordings.
	PeriodTimestamp
)

// ParsePeriodMode parses "event_count" or "timestamp". The empty string
// selects PeriodEventCount.
func ParsePeriodMode(s string) (PeriodMode, error) {
	switch s {
	case "", "event_count":
		return PeriodEventCount, nil
	case "timestamp":
		return PeriodTimestamp, nil
	default:
		return 0, fmt.Errorf("unknown period mode %q", s)
	}
}

func (m PeriodMode) String() string {
	if m == PeriodTimestamp {
		return "timestamp"
	}
	return "event_count"
}

type Options struct {
	SortKeys  []string
	Filters   Filters
	Period    PeriodMode
	CallGraph sample.Options
}

// PendingCache holds the latest sample of every thread until the next one
// of the same thread arrives.
type PendingCache struct {
	next map[uint32]*record.SampleRecord
}

func NewPendingCache() *PendingCache {
	return &PendingCache{next: map[uint32]*record.SampleRecord{}}
}

// Push makes r the pending sample of its thread and returns the sample it
// replaces, which is now ready to be processed.
func (c *PendingCache) Push(r *record.SampleRecord) (*record.SampleRecord, bool) {
	prev, ok := c.next[r.Tid]
	c.next[r.Tid] = r
	return prev, ok
}

// PeriodOf returns the time from r to the pending sample of its thread, or
// 1 if that sample is not later than r.
func (c *PendingCache) PeriodOf(r *record.SampleRecord) uint64 {
	if next, ok := c.next[r.Tid]; ok && next.Time > r.Time {
		return next.Time - r.Time
	}
	return 1
}

// Len returns the number of threads with a pending sample.
func (c *PendingCache) Len() int {
	return len(c.next)
}

// Builder aggregates sample records into a Report.
type Builder struct {
	opts    Options
	compare Comparator
	policy  *policy
	agg     *sample.Aggregator[*Entry, uint64]
	pending *PendingCache
}

func NewBuilder(threads ThreadResolver, opts Options) (*Builder, error) {
	compare, err := NewComparator(opts.SortKeys, opts.CallGraph.UseBranchAddress)
	if err != nil {
		return nil, err
	}
	b := &Builder{opts: opts, compare: compare}

	period := func(r *record.SampleRecord) uint64 { return r.Period }
	if opts.Period == PeriodTimestamp {
		b.pending = NewPendingCache()
		period = b.pending.PeriodOf
	}
	b.policy = newPolicy(threads, compare, period, opts.Filters)
	b.agg = sample.NewAggregator[*Entry, uint64](b.policy, opts.CallGraph)
	return b, nil
}

// Process adds one sample record. In timestamp mode the record is held back
// until the next sample of its thread is seen. The last sample of every
// thread is never reported.
func (b *Builder) Process(r *record.SampleRecord) {
	if b.pending == nil {
		b.agg.ProcessSampleRecord(r)
		return
	}
	if prev, ok := b.pending.Push(r); ok {
		b.agg.ProcessSampleRecord(prev)
	}
}

// MergeFrom moves the entries and totals of other into b. Both builders must
// have been created with the same options, and other must not be used
// afterwards.
func (b *Builder) MergeFrom(other *Builder) {
	b.agg.MergeFrom(other.agg)
	b.policy.summary.add(other.policy.summary)
}

// Summary returns the totals so far.
func (b *Builder) Summary() Summary {
	return b.policy.summary
}

// Len returns the number of distinct entries so far.
func (b *Builder) Len() int {
	return b.agg.Len()
}

// Report is the sorted result of a Builder.
type Report struct {
	Entries []*Entry
	Summary Summary
}

// Report finishes aggregation and returns the entries in display order, with
// their call chain trees sorted by period. Call it once after the last
// record.
func (b *Builder) Report() *Report {
	b.agg.Finish()
	entries := b.agg.Samples()
	if b.opts.CallGraph.BuildCallChain {
		for _, e := range entries {
			e.CallChain.SortByPeriod()
		}
	}
	slices.SortFunc(entries, displayOrder(b.compare, b.opts.CallGraph.BuildCallChain))
	return &Report{Entries: entries, Summary: b.policy.summary}
}
