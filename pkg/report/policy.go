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
	"github.com/RoaringBitmap/roaring"

	"github.com/parca-dev/parca-perf/pkg/callchain"
	"github.com/parca-dev/parca-perf/pkg/perf/record"
	"github.com/parca-dev/parca-perf/pkg/process"
)

// ThreadResolver knows the threads and mappings of the recording.
// *process.Tree implements it.
type ThreadResolver interface {
	Thread(pid, tid int) process.Thread
	FindMap(pid int, addr uint64, inKernel bool) *process.MapEntry
}

// Filters restricts the report. Empty lists accept everything.
type Filters struct {
	Pids  []int
	Tids  []int
	Comms []string
	Dsos  []string
}

// Summary holds the totals over every accepted sample.
type Summary struct {
	Samples uint64
	Period  uint64
	// ErrorCallChains counts call chain addresses outside every mapping.
	ErrorCallChains uint64
}

func (s *Summary) add(o Summary) {
	s.Samples += o.Samples
	s.Period += o.Period
	s.ErrorCallChains += o.ErrorCallChains
}

type policy struct {
	threads ThreadResolver
	compare Comparator
	period  func(r *record.SampleRecord) uint64

	pids, tids *roaring.Bitmap
	comms      map[string]struct{}
	dsos       map[string]struct{}

	summary Summary
}

func newPolicy(threads ThreadResolver, compare Comparator, period func(*record.SampleRecord) uint64, f Filters) *policy {
	p := &policy{
		threads: threads,
		compare: compare,
		period:  period,
		comms:   set(f.Comms),
		dsos:    set(f.Dsos),
	}
	if len(f.Pids) > 0 {
		p.pids = bitmap(f.Pids)
	}
	if len(f.Tids) > 0 {
		p.tids = bitmap(f.Tids)
	}
	return p
}

func bitmap(ids []int) *roaring.Bitmap {
	b := roaring.New()
	for _, id := range ids {
		b.Add(uint32(id))
	}
	return b
}

func set(vs []string) map[string]struct{} {
	if len(vs) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(vs))
	for _, v := range vs {
		m[v] = struct{}{}
	}
	return m
}

func (p *policy) Compare(a, b *Entry) int {
	return p.compare(a, b)
}

func (p *policy) CreateSample(r *record.SampleRecord, inKernel bool) (*Entry, uint64, bool) {
	pid, tid := int(int32(r.Pid)), int(int32(r.Tid))
	th := p.threads.Thread(pid, tid)
	m := p.threads.FindMap(pid, r.IP, inKernel)
	dso, vaddr := location(m, r.IP)
	period := p.period(r)
	return &Entry{
		Time:        r.Time,
		Period:      period,
		SampleCount: 1,
		Pid:         pid,
		Tid:         tid,
		Comm:        th.Comm,
		Map:         m,
		DsoPath:     dso,
		VaddrInFile: vaddr,
	}, period, true
}

// findBranchMap looks addr up in user mappings first, then in kernel ones.
func (p *policy) findBranchMap(pid int, addr uint64) *process.MapEntry {
	if m := p.threads.FindMap(pid, addr, false); m != nil {
		return m
	}
	return p.threads.FindMap(pid, addr, true)
}

func (p *policy) CreateBranchSample(r *record.SampleRecord, item record.BranchStackItem) (*Entry, bool) {
	pid, tid := int(int32(r.Pid)), int(int32(r.Tid))
	th := p.threads.Thread(pid, tid)

	fromMap := p.findBranchMap(pid, item.From)
	fromDso, fromVaddr := location(fromMap, item.From)
	toMap := p.findBranchMap(pid, item.To)
	toDso, toVaddr := location(toMap, item.To)

	return &Entry{
		Time:        r.Time,
		Period:      r.Period,
		SampleCount: 1,
		Pid:         pid,
		Tid:         tid,
		Comm:        th.Comm,
		Map:         toMap,
		DsoPath:     toDso,
		VaddrInFile: toVaddr,
		BranchFrom: &BranchFrom{
			Map:         fromMap,
			DsoPath:     fromDso,
			VaddrInFile: fromVaddr,
			Flags:       item.Flags,
		},
	}, true
}

func (p *policy) CreateCallChainSample(s *Entry, ip uint64, inKernel bool, acc uint64) (*Entry, bool) {
	m := p.threads.FindMap(s.Pid, ip, inKernel)
	if m == nil {
		// Unwinders can produce addresses that belong to no mapping.
		p.summary.ErrorCallChains++
		return nil, false
	}
	dso, vaddr := location(m, ip)
	return &Entry{
		Time:              s.Time,
		AccumulatedPeriod: acc,
		Pid:               s.Pid,
		Tid:               s.Tid,
		Comm:              s.Comm,
		Map:               m,
		DsoPath:           dso,
		VaddrInFile:       vaddr,
	}, true
}

func (p *policy) PeriodForCallChain(acc uint64) uint64 {
	return acc
}

func (p *policy) Merge(dst, src *Entry) {
	dst.Period += src.Period
	dst.AccumulatedPeriod += src.AccumulatedPeriod
	dst.SampleCount += src.SampleCount
}

func (p *policy) CallChain(e *Entry) *callchain.Tree[*Entry] {
	return &e.CallChain
}

func (p *policy) Filter(e *Entry) bool {
	if p.pids != nil && !p.pids.Contains(uint32(e.Pid)) {
		return false
	}
	if p.tids != nil && !p.tids.Contains(uint32(e.Tid)) {
		return false
	}
	if p.comms != nil {
		if _, ok := p.comms[e.Comm]; !ok {
			return false
		}
	}
	if p.dsos != nil {
		if _, ok := p.dsos[e.DsoPath]; !ok {
			return false
		}
	}
	return true
}

func (p *policy) UpdateSummary(e *Entry) {
	p.summary.Samples += e.SampleCount
	p.summary.Period += e.Period
}
