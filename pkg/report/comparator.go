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
	"cmp"
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownSortKey = errors.New("unknown sort key")

// DefaultSortKeys groups samples by thread and object.
var DefaultSortKeys = []string{"comm", "pid", "tid", "dso"}

// Comparator orders entries. Entries comparing equal are merged.
type Comparator func(a, b *Entry) int

func comparePid(a, b *Entry) int  { return cmp.Compare(a.Pid, b.Pid) }
func compareTid(a, b *Entry) int  { return cmp.Compare(a.Tid, b.Tid) }
func compareComm(a, b *Entry) int { return strings.Compare(a.Comm, b.Comm) }
func compareDso(a, b *Entry) int  { return strings.Compare(a.DsoPath, b.DsoPath) }

func compareVaddrInFile(a, b *Entry) int { return cmp.Compare(a.VaddrInFile, b.VaddrInFile) }

func compareDsoFrom(a, b *Entry) int {
	return strings.Compare(branchFrom(a).DsoPath, branchFrom(b).DsoPath)
}

func compareVaddrInFileFrom(a, b *Entry) int {
	return cmp.Compare(branchFrom(a).VaddrInFile, branchFrom(b).VaddrInFile)
}

func branchFrom(e *Entry) *BranchFrom {
	if e.BranchFrom == nil {
		return &BranchFrom{}
	}
	return e.BranchFrom
}

var compareFuncs = map[string]Comparator{
	"pid":                comparePid,
	"tid":                compareTid,
	"comm":               compareComm,
	"dso":                compareDso,
	"vaddr_in_file":      compareVaddrInFile,
	"dso_from":           compareDsoFrom,
	"dso_to":             compareDso,
	"vaddr_in_file_from": compareVaddrInFileFrom,
}

var branchKeys = map[string]bool{
	"dso_from":           true,
	"dso_to":             true,
	"vaddr_in_file_from": true,
}

// NewComparator chains the comparators named by keys. Branch keys are only
// accepted when branch is set.
func NewComparator(keys []string, branch bool) (Comparator, error) {
	if len(keys) == 0 {
		keys = DefaultSortKeys
	}
	funcs := make([]Comparator, 0, len(keys))
	for _, k := range keys {
		f, ok := compareFuncs[k]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSortKey, k)
		}
		if branchKeys[k] && !branch {
			return nil, fmt.Errorf("sort key %q needs branch stack sampling", k)
		}
		funcs = append(funcs, f)
	}
	return func(a, b *Entry) int {
		for _, f := range funcs {
			if c := f(a, b); c != 0 {
				return c
			}
		}
		return 0
	}, nil
}

// displayOrder sorts report lines: heaviest first, entries whose call graph
// is shown under another entry after the others, then by key.
func displayOrder(keys Comparator, callGraph bool) Comparator {
	return func(a, b *Entry) int {
		if c := cmp.Compare(b.TotalPeriod(), a.TotalPeriod()); c != 0 {
			return c
		}
		if callGraph && a.CallChain.Duplicated != b.CallChain.Duplicated {
			if a.CallChain.Duplicated {
				return 1
			}
			return -1
		}
		if c := cmp.Compare(b.Period, a.Period); c != 0 {
			return c
		}
		return keys(a, b)
	}
}
