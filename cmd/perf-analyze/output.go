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

package main

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/parca-dev/parca-perf/pkg/analyzer"
	"github.com/parca-dev/parca-perf/pkg/callchain"
	"github.com/parca-dev/parca-perf/pkg/perf/record"
	"github.com/parca-dev/parca-perf/pkg/report"
)

type printOptions struct {
	// Top limits the number of entries. 0 prints every entry.
	Top       int
	Children  bool
	CallGraph bool
	Branch    bool
}

var heading = color.New(color.Bold)

func percent(part, total uint64) string {
	if total == 0 {
		return "0.00%"
	}
	return fmt.Sprintf("%.2f%%", 100*float64(part)/float64(total))
}

func printStats(w io.Writer, s analyzer.Snapshot) {
	heading.Fprintf(w, "# Records: %s", humanize.Comma(s.TotalRecords()))
	if s.DecodeErrors > 0 {
		fmt.Fprintf(w, " (%s skipped)", humanize.Comma(s.DecodeErrors))
	}
	fmt.Fprintln(w)

	types := make([]record.Type, 0, len(s.Records))
	for t := range s.Records {
		types = append(types, t)
	}
	slices.Sort(types)
	for _, t := range types {
		fmt.Fprintf(w, "#   %-20s %s\n", t, humanize.Comma(s.Records[t]))
	}
	if s.LostEvents > 0 {
		fmt.Fprintf(w, "# Lost events: %s\n", humanize.Comma(s.LostEvents))
	}
	if s.Unwound > 0 || s.UnwindFailures > 0 {
		fmt.Fprintf(w, "# Unwound samples: %s, failed: %s\n", humanize.Comma(s.Unwound), humanize.Comma(s.UnwindFailures))
	}
}

func printSummary(w io.Writer, sum report.Summary) {
	heading.Fprintf(w, "# Samples: %s  Event period: %s\n", humanize.Comma(int64(sum.Samples)), humanize.Comma(int64(sum.Period)))
	if sum.ErrorCallChains > 0 {
		fmt.Fprintf(w, "# Unresolved call chain addresses: %s\n", humanize.Comma(int64(sum.ErrorCallChains)))
	}
}

func location(dso string, vaddr uint64) string {
	return dso + "+0x" + strconv.FormatUint(vaddr, 16)
}

func printEntries(w io.Writer, rep *report.Report, opts printOptions) {
	entries := rep.Entries
	if opts.Top > 0 && len(entries) > opts.Top {
		entries = entries[:opts.Top]
	}

	header := []string{"Overhead"}
	if opts.Children {
		header = append(header, "Children")
	}
	header = append(header, "Samples", "Command", "Pid", "Tid", "Shared Object", "Address")
	if opts.Branch {
		header = append(header, "Source Shared Object", "Source Address")
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, e := range entries {
		row := []string{percent(e.Period, rep.Summary.Period)}
		if opts.Children {
			row = append(row, percent(e.TotalPeriod(), rep.Summary.Period))
		}
		row = append(row,
			strconv.FormatUint(e.SampleCount, 10),
			e.Comm,
			strconv.Itoa(e.Pid),
			strconv.Itoa(e.Tid),
			e.DsoPath,
			"0x"+strconv.FormatUint(e.VaddrInFile, 16),
		)
		if opts.Branch {
			if e.BranchFrom != nil {
				row = append(row, e.BranchFrom.DsoPath, "0x"+strconv.FormatUint(e.BranchFrom.VaddrInFile, 16))
			} else {
				row = append(row, "", "")
			}
		}
		table.Append(row)
	}
	table.Render()

	if !opts.CallGraph {
		return
	}
	for _, e := range entries {
		if e.CallChain.Duplicated || len(e.CallChain.Children) == 0 {
			continue
		}
		fmt.Fprintln(w)
		heading.Fprintf(w, "%s %s\n", percent(e.TotalPeriod(), rep.Summary.Period), e)
		printCallChain(w, &e.CallChain, e.TotalPeriod())
	}
}

func printCallChain(w io.Writer, t *callchain.Tree[*report.Entry], total uint64) {
	t.Walk(func(n *callchain.Node[*report.Entry], depth int) bool {
		indent := strings.Repeat("  ", depth+1)
		fmt.Fprintf(w, "%s--%s-- %s\n", indent, percent(n.TotalPeriod(), total), location(n.Chain[0].DsoPath, n.Chain[0].VaddrInFile))
		for _, f := range n.Chain[1:] {
			fmt.Fprintf(w, "%s     %s\n", indent, location(f.DsoPath, f.VaddrInFile))
		}
		return true
	})
}
