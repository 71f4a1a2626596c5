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
	"github.com/parca-dev/parca-perf/pkg/callchain"
	"github.com/parca-dev/parca-perf/pkg/perf/record"
)

// Policy decides what an entry is and when two entries describe the same
// sample. E is usually a pointer type, A is per-sample state handed from
// CreateSample to the call chain hooks.
type Policy[E comparable, A any] interface {
	// Compare orders entries. Entries comparing equal are merged.
	Compare(a, b E) int
	// CreateSample returns the entry for the sampled instruction pointer, or
	// false to drop the record.
	CreateSample(r *record.SampleRecord, inKernel bool) (E, A, bool)
	// CreateBranchSample returns the entry for one taken branch.
	CreateBranchSample(r *record.SampleRecord, item record.BranchStackItem) (E, bool)
	// CreateCallChainSample returns the entry for one caller address of
	// sample, or false when ip cannot be resolved, which ends the chain.
	CreateCallChainSample(sample E, ip uint64, inKernel bool, acc A) (E, bool)
	// PeriodForCallChain returns the weight added to call chain trees.
	PeriodForCallChain(acc A) uint64
	// Merge folds the counters of src into dst.
	Merge(dst, src E)
	// CallChain returns the call chain tree owned by e.
	CallChain(e E) *callchain.Tree[E]
}

// FilterPolicy is implemented by policies that hide some entries. Hidden
// entries are kept out of the result but can still appear in call chains.
type FilterPolicy[E any] interface {
	Filter(e E) bool
}

// SummaryPolicy is implemented by policies keeping running totals. It is
// called for every accepted entry before it is merged.
type SummaryPolicy[E any] interface {
	UpdateSummary(e E)
}

// UserUnwinder returns the user space call chain of a sample carrying
// registers and stack bytes, or nil when it cannot be recovered.
type UserUnwinder func(r *record.SampleRecord) []uint64

type Options struct {
	// UseBranchAddress creates one entry per branch stack item instead of
	// one per sample.
	UseBranchAddress    bool
	AccumulateCallChain bool
	BuildCallChain      bool
	// CallerAsRoot builds trees rooted at the outermost caller.
	CallerAsRoot bool
	UserUnwinder UserUnwinder
}
