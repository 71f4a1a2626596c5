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

package sample

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-perf/pkg/callchain"
	"github.com/parca-dev/parca-perf/pkg/perf/record"
)

type testEntry struct {
	pid, tid int
	dso      string
	mapStart uint64

	period, accumulated, count uint64
	tree                       callchain.Tree[*testEntry]
}

func (e *testEntry) String() string {
	return fmt.Sprintf("%d/%d %s", e.pid, e.tid, e.dso)
}

type testMap struct {
	start, end uint64
	dso        string
}

var testMaps = []testMap{
	{0x1000, 0x2000, "main"},
	{0x10000, 0x20000, "libA"},
	{0x20000, 0x30000, "libB"},
	{0x30000, 0x40000, "libC"},
	{0xffff0000, 0xffffffff, "kernel"},
}

// testPolicy identifies an entry by (pid, tid, dso, map start).
type testPolicy struct {
	dsoFilter string

	samples, period, errors uint64
}

func (p *testPolicy) find(ip uint64) (testMap, bool) {
	for _, m := range testMaps {
		if ip >= m.start && ip < m.end {
			return m, true
		}
	}
	return testMap{}, false
}

func (p *testPolicy) Compare(a, b *testEntry) int {
	return cmp.Or(
		cmp.Compare(a.pid, b.pid),
		cmp.Compare(a.tid, b.tid),
		cmp.Compare(a.dso, b.dso),
		cmp.Compare(a.mapStart, b.mapStart),
	)
}

func (p *testPolicy) CreateSample(r *record.SampleRecord, _ bool) (*testEntry, uint64, bool) {
	m, _ := p.find(r.IP)
	return &testEntry{
		pid: int(r.Pid), tid: int(r.Tid), dso: m.dso, mapStart: m.start,
		period: r.Period, count: 1,
	}, r.Period, true
}

func (p *testPolicy) CreateBranchSample(r *record.SampleRecord, item record.BranchStackItem) (*testEntry, bool) {
	m, _ := p.find(item.To)
	return &testEntry{pid: int(r.Pid), tid: int(r.Tid), dso: m.dso, mapStart: m.start, period: r.Period, count: 1}, true
}

func (p *testPolicy) CreateCallChainSample(s *testEntry, ip uint64, _ bool, acc uint64) (*testEntry, bool) {
	m, ok := p.find(ip)
	if !ok {
		p.errors++
		return nil, false
	}
	return &testEntry{pid: s.pid, tid: s.tid, dso: m.dso, mapStart: m.start, accumulated: acc}, true
}

func (p *testPolicy) PeriodForCallChain(acc uint64) uint64 { return acc }

func (p *testPolicy) Merge(dst, src *testEntry) {
	dst.period += src.period
	dst.accumulated += src.accumulated
	dst.count += src.count
}

func (p *testPolicy) CallChain(e *testEntry) *callchain.Tree[*testEntry] { return &e.tree }

func (p *testPolicy) Filter(e *testEntry) bool {
	return p.dsoFilter == "" || e.dso == p.dsoFilter
}

func (p *testPolicy) UpdateSummary(e *testEntry) {
	p.samples += e.count
	p.period += e.period
}

func newSample(pid, tid uint32, ip, period uint64, chain ...uint64) *record.SampleRecord {
	r := &record.SampleRecord{
		Misc:       record.MiscUser,
		SampleType: record.SampleIP | record.SampleTID | record.SamplePeriod | record.SampleCallChain,
		IP:         ip,
		Pid:        pid,
		Tid:        tid,
		Period:     period,
	}
	if len(chain) > 0 {
		r.CallChain = append([]uint64{record.ContextUser, ip}, chain...)
	}
	return r
}

var callGraph = Options{AccumulateCallChain: true, BuildCallChain: true}

// paths renders the call chain tree of e, one sorted line per path.
func paths(e *testEntry) []string {
	var out []string
	e.tree.Paths(func(frames []*testEntry, period uint64) {
		names := make([]string, 0, len(frames))
		for _, f := range frames {
			names = append(names, f.dso)
		}
		out = append(out, fmt.Sprintf("%s=%d", strings.Join(names, ">"), period))
	})
	slices.Sort(out)
	return out
}

func byDso(t *testing.T, entries []*testEntry, dso string) *testEntry {
	t.Helper()
	for _, e := range entries {
		if e.dso == dso {
			return e
		}
	}
	require.FailNowf(t, "missing entry", "no entry for %s", dso)
	return nil
}

func TestAggregatorDeduplicatesEqualSamples(t *testing.T) {
	t.Parallel()

	p := &testPolicy{}
	a := NewAggregator[*testEntry, uint64](p, Options{})
	a.ProcessSampleRecord(newSample(1, 2, 0x10100, 3))
	a.ProcessSampleRecord(newSample(1, 2, 0x10f00, 4))
	a.ProcessSampleRecord(newSample(1, 3, 0x10f00, 5))

	samples := a.Samples()
	require.Len(t, samples, 2)
	require.Equal(t, 2, samples[0].tid)
	require.Equal(t, uint64(7), samples[0].period)
	require.Equal(t, uint64(2), samples[0].count)
	require.Equal(t, uint64(5), samples[1].period)

	require.Equal(t, uint64(3), p.samples)
	require.Equal(t, uint64(12), p.period)
}

func TestAggregatorBuildsCallChains(t *testing.T) {
	t.Parallel()

	p := &testPolicy{}
	a := NewAggregator[*testEntry, uint64](p, callGraph)
	a.ProcessSampleRecord(newSample(1, 1, 0x10100, 5, 0x20100, 0x1100))
	a.ProcessSampleRecord(newSample(1, 1, 0x10200, 2, 0x20200, 0x1200))
	a.ProcessSampleRecord(newSample(1, 1, 0x30100, 1, 0x20200, 0x1200))
	a.Finish()

	samples := a.Samples()
	require.Len(t, samples, 4)

	libA := byDso(t, samples, "libA")
	require.Equal(t, uint64(7), libA.period)
	require.Equal(t, uint64(0), libA.accumulated)
	require.Equal(t, []string{"libB>main=7"}, paths(libA))
	require.False(t, libA.tree.Duplicated)

	libB := byDso(t, samples, "libB")
	require.Equal(t, uint64(0), libB.period)
	require.Equal(t, uint64(8), libB.accumulated)
	require.Equal(t, []string{"main=8"}, paths(libB))
	// Reached from both libA and libC.
	require.False(t, libB.tree.Duplicated)

	main := byDso(t, samples, "main")
	require.Equal(t, uint64(8), main.accumulated)
	require.Empty(t, paths(main))
}

func TestAggregatorMarksDuplicatedTrees(t *testing.T) {
	t.Parallel()

	p := &testPolicy{}
	a := NewAggregator[*testEntry, uint64](p, callGraph)
	a.ProcessSampleRecord(newSample(1, 1, 0x10100, 5, 0x20100, 0x1100))
	a.Finish()

	samples := a.Samples()
	require.False(t, byDso(t, samples, "libA").tree.Duplicated)
	require.True(t, byDso(t, samples, "libB").tree.Duplicated)
	require.False(t, byDso(t, samples, "main").tree.Duplicated)
}

func TestAggregatorCallerAsRoot(t *testing.T) {
	t.Parallel()

	p := &testPolicy{}
	a := NewAggregator[*testEntry, uint64](p, Options{AccumulateCallChain: true, BuildCallChain: true, CallerAsRoot: true})
	a.ProcessSampleRecord(newSample(1, 1, 0x10100, 5, 0x20100, 0x1100))

	samples := a.Samples()
	require.Equal(t, []string{"libB>libA=5"}, paths(byDso(t, samples, "main")))
	require.Equal(t, []string{"libA=5"}, paths(byDso(t, samples, "libB")))
	require.Empty(t, paths(byDso(t, samples, "libA")))
}

func TestAggregatorRecursionCountedOnce(t *testing.T) {
	t.Parallel()

	p := &testPolicy{}
	a := NewAggregator[*testEntry, uint64](p, callGraph)
	// libA -> libB -> libA -> main
	a.ProcessSampleRecord(newSample(1, 1, 0x10100, 5, 0x20100, 0x10200, 0x1100))

	samples := a.Samples()
	require.Len(t, samples, 3)
	libA := byDso(t, samples, "libA")
	require.Equal(t, uint64(5), libA.period)
	require.Equal(t, uint64(0), libA.accumulated)
	require.Equal(t, []string{"libB>libA>main=5"}, paths(libA))
	require.Equal(t, []string{"libA>main=5"}, paths(byDso(t, samples, "libB")))
}

func TestAggregatorStopsAtUnresolvableFrame(t *testing.T) {
	t.Parallel()

	p := &testPolicy{}
	a := NewAggregator[*testEntry, uint64](p, callGraph)
	a.ProcessSampleRecord(newSample(1, 1, 0x10100, 5, 0x20100, 0x90000, 0x1100))

	samples := a.Samples()
	require.Len(t, samples, 2)
	require.Equal(t, []string{"libB=5"}, paths(byDso(t, samples, "libA")))
	require.Equal(t, uint64(1), p.errors)
}

func TestAggregatorKernelChain(t *testing.T) {
	t.Parallel()

	p := &testPolicy{}
	a := NewAggregator[*testEntry, uint64](p, callGraph)
	r := newSample(1, 1, 0xffff1000, 2)
	r.Misc = record.MiscKernel
	r.CallChain = []uint64{record.ContextKernel, 0xffff1000, 0xffff2000, record.ContextUser, 0x10100, 0x1100}
	a.ProcessSampleRecord(r)

	samples := a.Samples()
	require.Len(t, samples, 3)
	kernel := byDso(t, samples, "kernel")
	require.Equal(t, uint64(2), kernel.period)
	require.Equal(t, uint64(0), kernel.accumulated)
	// The second kernel frame resolves to the sampled entry and stays in the chain.
	require.Equal(t, []string{"kernel>libA>main=2"}, paths(kernel))
	require.Equal(t, []string{"main=2"}, paths(byDso(t, samples, "libA")))
}

func TestAggregatorFilter(t *testing.T) {
	t.Parallel()

	p := &testPolicy{dsoFilter: "libA"}
	a := NewAggregator[*testEntry, uint64](p, callGraph)
	a.ProcessSampleRecord(newSample(1, 1, 0x10100, 5, 0x20100, 0x1100))
	a.ProcessSampleRecord(newSample(1, 1, 0x20100, 3, 0x1100))

	samples := a.Samples()
	require.Len(t, samples, 1)
	require.Equal(t, "libA", samples[0].dso)
	// Hidden entries still appear inside call chains.
	require.Equal(t, []string{"libB>main=5"}, paths(samples[0]))
	require.Equal(t, uint64(1), p.samples)
}

func TestAggregatorBranchStack(t *testing.T) {
	t.Parallel()

	p := &testPolicy{}
	a := NewAggregator[*testEntry, uint64](p, Options{UseBranchAddress: true, AccumulateCallChain: true})
	r := newSample(1, 1, 0x10100, 4, 0x1100)
	r.SampleType |= record.SampleBranchStack
	r.BranchStack = []record.BranchStackItem{
		{From: 0x10100, To: 0x20100},
		{From: 0, To: 0x30100},
		{From: 0x20100, To: 0x30200},
	}
	a.ProcessSampleRecord(r)

	samples := a.Samples()
	require.Len(t, samples, 2)
	require.Equal(t, "libB", samples[0].dso)
	require.Equal(t, "libC", samples[1].dso)
	require.Equal(t, uint64(4), samples[1].period)
	require.Empty(t, paths(samples[0]))
}

func TestAggregatorUserUnwinder(t *testing.T) {
	t.Parallel()

	var unwound []*record.SampleRecord
	opts := callGraph
	opts.UserUnwinder = func(r *record.SampleRecord) []uint64 {
		unwound = append(unwound, r)
		return []uint64{r.IP, 0x20100, 0x1100}
	}

	p := &testPolicy{}
	a := NewAggregator[*testEntry, uint64](p, opts)

	r := newSample(1, 1, 0x10100, 5)
	r.SampleType |= record.SampleRegsUser | record.SampleStackUser
	r.RegsMask = 0x7
	r.Regs = []uint64{1, 2, 3}
	r.Stack = make([]byte, 64)
	a.ProcessSampleRecord(r)

	// Samples already carrying user frames are left alone.
	withChain := newSample(1, 1, 0x10100, 1, 0x1100)
	withChain.SampleType = r.SampleType
	withChain.RegsMask, withChain.Regs, withChain.Stack = r.RegsMask, r.Regs, r.Stack
	a.ProcessSampleRecord(withChain)

	require.Equal(t, []*record.SampleRecord{r}, unwound)
	require.Equal(t, []string{"libB>main=5", "main=1"}, paths(byDso(t, a.Samples(), "libA")))
}

func TestAggregatorMergeFromMatchesSequential(t *testing.T) {
	t.Parallel()

	records := []*record.SampleRecord{
		newSample(1, 1, 0x10100, 5, 0x20100, 0x1100),
		newSample(1, 1, 0x10200, 2, 0x20200, 0x1200),
		newSample(2, 2, 0x30100, 1, 0x20200, 0x1200),
		newSample(1, 1, 0x30100, 7, 0x20200, 0x1200),
		newSample(2, 2, 0x10100, 3, 0x1100),
	}

	sequential := NewAggregator[*testEntry, uint64](&testPolicy{}, callGraph)
	for _, r := range records {
		sequential.ProcessSampleRecord(r)
	}
	sequential.Finish()

	left := NewAggregator[*testEntry, uint64](&testPolicy{}, callGraph)
	right := NewAggregator[*testEntry, uint64](&testPolicy{}, callGraph)
	for i, r := range records {
		if i%2 == 0 {
			left.ProcessSampleRecord(r)
		} else {
			right.ProcessSampleRecord(r)
		}
	}
	left.MergeFrom(right)
	left.Finish()

	render := func(a *Aggregator[*testEntry, uint64]) []string {
		var out []string
		for _, e := range a.Samples() {
			out = append(out, fmt.Sprintf("%s p=%d acc=%d n=%d dup=%t %v",
				e, e.period, e.accumulated, e.count, e.tree.Duplicated, paths(e)))
		}
		return out
	}
	require.Equal(t, render(sequential), render(left))

	// Frames of merged trees point at the surviving entries.
	for _, e := range left.Samples() {
		e.tree.Walk(func(n *callchain.Node[*testEntry], _ int) bool {
			for _, f := range n.Chain {
				c, ok := left.canonical(f)
				require.True(t, ok)
				require.Same(t, c, f)
			}
			return true
		})
	}
}
