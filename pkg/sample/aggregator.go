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

// Package sample aggregates sample records into deduplicated entries with
// call chain trees.
package sample

import (
	"slices"

	"github.com/google/btree"

	"github.com/parca-dev/parca-perf/pkg/callchain"
	"github.com/parca-dev/parca-perf/pkg/perf/record"
)

const btreeDegree = 32

type parentInfo[E any] struct {
	parent   E
	multiple bool
}

// Aggregator turns sample records into entries. Entries the policy considers
// equal are merged, so every distinct sample appears once. It is not safe for
// concurrent use; aggregators filled in parallel are combined with MergeFrom.
type Aggregator[E comparable, A any] struct {
	policy  Policy[E, A]
	filter  FilterPolicy[E]
	summary SummaryPolicy[E]
	opts    Options

	samples *btree.BTreeG[E]
	// callChainSamples holds filtered out entries referenced from call chains.
	callChainSamples *btree.BTreeG[E]
	parents          map[E]*parentInfo[E]
}

func NewAggregator[E comparable, A any](policy Policy[E, A], opts Options) *Aggregator[E, A] {
	less := func(a, b E) bool { return policy.Compare(a, b) < 0 }
	a := &Aggregator[E, A]{
		policy:           policy,
		opts:             opts,
		samples:          btree.NewG(btreeDegree, less),
		callChainSamples: btree.NewG(btreeDegree, less),
		parents:          map[E]*parentInfo[E]{},
	}
	if f, ok := policy.(FilterPolicy[E]); ok {
		a.filter = f
	}
	if s, ok := policy.(SummaryPolicy[E]); ok {
		a.summary = s
	}
	return a
}

func (a *Aggregator[E, A]) isSame(x, y E) bool {
	return a.policy.Compare(x, y) == 0
}

func (a *Aggregator[E, A]) accept(e E) bool {
	return a.filter == nil || a.filter.Filter(e)
}

// ProcessSampleRecord adds one sample record.
func (a *Aggregator[E, A]) ProcessSampleRecord(r *record.SampleRecord) {
	if a.opts.UseBranchAddress && r.SampleType&record.SampleBranchStack != 0 {
		for _, item := range r.BranchStack {
			if item.From == 0 || item.To == 0 {
				continue
			}
			if e, ok := a.policy.CreateBranchSample(r, item); ok {
				a.insert(e)
			}
		}
		return
	}

	inKernel := r.InKernel()
	e, acc, ok := a.policy.CreateSample(r, inKernel)
	if !ok {
		return
	}
	sample, ok := a.insert(e)
	if !ok || !a.opts.AccumulateCallChain {
		return
	}

	chain := []E{sample}
	first := true
	for _, ip := range a.callChainIPs(r) {
		if record.IsContextMarker(ip) {
			switch ip {
			case record.ContextKernel:
				inKernel = true
			case record.ContextUser:
				inKernel = false
			}
			continue
		}
		if first {
			first = false
			// The kernel repeats the sampled ip as the first entry.
			if ip == r.IP {
				continue
			}
		}
		ce, ok := a.policy.CreateCallChainSample(sample, ip, inKernel, acc)
		if !ok {
			break
		}
		chain = append(chain, a.insertCallChainSample(ce, chain))
	}

	if a.opts.BuildCallChain {
		a.buildCallChain(chain, a.policy.PeriodForCallChain(acc))
	}
}

// callChainIPs returns the embedded call chain of r, extended with the user
// frames recovered from its registers and stack when the embedded chain does
// not reach user space.
func (a *Aggregator[E, A]) callChainIPs(r *record.SampleRecord) []uint64 {
	var ips []uint64
	if r.SampleType&record.SampleCallChain != 0 {
		ips = slices.Clone(r.CallChain)
	}
	if a.opts.UserUnwinder == nil || r.HasUserCallChain() {
		return ips
	}
	if r.SampleType&record.SampleRegsUser == 0 || r.RegsMask == 0 ||
		r.SampleType&record.SampleStackUser == 0 || r.ValidStackSize() == 0 {
		return ips
	}
	if user := a.opts.UserUnwinder(r); len(user) > 0 {
		ips = append(ips, record.ContextUser)
		ips = append(ips, user...)
	}
	return ips
}

// insert adds e to the result set, merging it into an equal entry if there
// is one, and returns the entry now representing e.
func (a *Aggregator[E, A]) insert(e E) (E, bool) {
	if !a.accept(e) {
		var zero E
		return zero, false
	}
	if a.summary != nil {
		a.summary.UpdateSummary(e)
	}
	if existing, ok := a.samples.Get(e); ok {
		a.policy.Merge(existing, e)
		return existing, true
	}
	a.samples.ReplaceOrInsert(e)
	return e, true
}

func (a *Aggregator[E, A]) insertCallChainSample(e E, chain []E) E {
	if !a.accept(e) {
		if existing, ok := a.callChainSamples.Get(e); ok {
			return existing
		}
		a.callChainSamples.ReplaceOrInsert(e)
		return e
	}
	if existing, ok := a.samples.Get(e); ok && slices.Contains(chain, existing) {
		// Recursion: the entry is already accounted for in this sample.
		return existing
	}
	inserted, _ := a.insert(e)
	return inserted
}

func (a *Aggregator[E, A]) buildCallChain(chain []E, period uint64) {
	if a.opts.CallerAsRoot {
		slices.Reverse(chain)
	}
	added := make(map[E]struct{}, len(chain))
	var (
		parent    E
		hasParent bool
	)
	for len(chain) >= 2 {
		e := chain[0]
		chain = chain[1:]
		if _, ok := added[e]; ok {
			continue
		}
		added[e] = struct{}{}
		a.policy.CallChain(e).AddChain(chain, period, a.isSame)
		if hasParent {
			a.updateParent(e, parent)
		}
		parent, hasParent = e, true
	}
}

func (a *Aggregator[E, A]) updateParent(e, parent E) {
	info, ok := a.parents[e]
	if !ok {
		a.parents[e] = &parentInfo[E]{parent: parent}
		return
	}
	if !a.isSame(info.parent, parent) {
		info.multiple = true
	}
}

// Finish marks the call chain trees that are fully contained in the tree of
// the single entry they were reached from. Call it once all records are
// processed.
func (a *Aggregator[E, A]) Finish() {
	if !a.opts.BuildCallChain {
		return
	}
	a.samples.Ascend(func(e E) bool {
		if info, ok := a.parents[e]; ok && !info.multiple {
			a.policy.CallChain(e).Duplicated = true
		}
		return true
	})
}

// Samples returns the entries in comparator order.
func (a *Aggregator[E, A]) Samples() []E {
	out := make([]E, 0, a.samples.Len())
	a.samples.Ascend(func(e E) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Len returns the number of distinct entries.
func (a *Aggregator[E, A]) Len() int {
	return a.samples.Len()
}

// canonical returns the entry of a equal to e. ok is false if there is none.
func (a *Aggregator[E, A]) canonical(e E) (E, bool) {
	if c, ok := a.samples.Get(e); ok {
		return c, true
	}
	return a.callChainSamples.Get(e)
}

// MergeFrom moves every entry of other into a, merging equal entries and their
// call chain trees. other must not be used afterwards.
func (a *Aggregator[E, A]) MergeFrom(other *Aggregator[E, A]) {
	type pair struct{ dst, src E }
	var pairs []pair
	other.samples.Ascend(func(e E) bool {
		if existing, ok := a.samples.Get(e); ok {
			a.policy.Merge(existing, e)
			pairs = append(pairs, pair{existing, e})
		} else {
			a.samples.ReplaceOrInsert(e)
			pairs = append(pairs, pair{e, e})
		}
		return true
	})
	other.callChainSamples.Ascend(func(e E) bool {
		if _, ok := a.canonical(e); !ok {
			a.callChainSamples.ReplaceOrInsert(e)
		}
		return true
	})

	remap := func(frames []E) []E {
		out := make([]E, len(frames))
		for i, f := range frames {
			if c, ok := a.canonical(f); ok {
				out[i] = c
			} else {
				out[i] = f
			}
		}
		return out
	}
	for _, p := range pairs {
		src := *a.policy.CallChain(p.src)
		dst := a.policy.CallChain(p.dst)
		if p.dst == p.src {
			*dst = callchain.Tree[E]{}
		}
		src.Paths(func(frames []E, period uint64) {
			dst.AddChain(remap(frames), period, a.isSame)
		})
	}

	for e, info := range other.parents {
		c, ok := a.canonical(e)
		if !ok {
			continue
		}
		parent, ok := a.canonical(info.parent)
		if !ok {
			parent = info.parent
		}
		mine, ok := a.parents[c]
		if !ok {
			a.parents[c] = &parentInfo[E]{parent: parent, multiple: info.multiple}
			continue
		}
		if info.multiple || !a.isSame(mine.parent, parent) {
			mine.multiple = true
		}
	}
}
