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

package flags

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/parca-perf/internal/logger"
	"github.com/parca-dev/parca-perf/pkg/buildinfo"
	"github.com/parca-dev/parca-perf/pkg/config"
	"github.com/parca-dev/parca-perf/pkg/regs"
	"github.com/parca-dev/parca-perf/pkg/stack/unwind"
)

var (
	version string
	commit  string
)

const (
	defaultTopEntries = 20

	callGraphCaller = "caller"
	callGraphCallee = "callee"
)

func Parse() (Flags, error) {
	return parse(nil)
}

func parse(args []string, options ...kong.Option) (Flags, error) {
	flags := Flags{}
	options = append([]kong.Option{
		kong.Name("perf-analyze"),
		kong.Description("Decode, unwind and aggregate perf record files."),
		kong.Vars{
			"arch":                 runtime.GOARCH,
			"default_max_frames":   strconv.Itoa(unwind.DefaultMaxFrames),
			"default_jit_broken":   strconv.Itoa(unwind.DefaultJITBrokenThreshold),
			"default_stack_window": strconv.Itoa(unwind.DefaultStackAccessWindow),
			"default_top":          strconv.Itoa(defaultTopEntries),
		},
	}, options...)
	parser, err := kong.New(&flags, options...)
	if err != nil {
		return Flags{}, err
	}
	if args == nil {
		args = os.Args[1:]
	}
	if _, err := parser.Parse(args); err != nil {
		return Flags{}, err
	}
	return flags, nil
}

type Flags struct {
	Log     FlagsLogs `embed:"" prefix:"log-"`
	Version bool      `help:"Show application version."`

	Input      string `help:"Record file to analyze." short:"i" default:"perf.data"`
	ConfigPath string `default:""                      help:"Path to config file."`
	Arch       string `default:"${arch}"               help:"Architecture the record file was captured on."`
	Strict     bool   `help:"Fail on the first record that does not decode instead of skipping it."`

	Dump bool `help:"Print every record instead of a report."`

	Sort      []string `help:"Sort keys: pid, tid, comm, dso, vaddr_in_file, dso_from, dso_to, vaddr_in_file_from."`
	Children  bool     `help:"Accumulate the period of samples into their callers."`
	CallGraph string   `default:"none" enum:"none,caller,callee" help:"Build call graphs rooted at the caller or the callee."`
	Branch    bool     `help:"Report taken branches from the branch stack instead of samples."`
	Period    string   `help:"Weigh samples by event_count or by timestamp, the time until the next sample of the thread."`
	Top       int      `default:"${default_top}" help:"Number of entries to print."`

	Filters   FlagsFilters   `embed:"" prefix:""`
	Unwinding FlagsUnwinding `embed:"" prefix:"unwind-"`

	PprofOutput   string `help:"Write the aggregated stacks as a gzipped pprof profile to this path."`
	RewriteOutput string `help:"Write a copy of the record file with samples carrying unwound call chains to this path."`
	Compress      bool   `help:"Compress the rewritten record file with zstd."`
	Parallel      int    `default:"0" help:"Aggregate with this many workers. 0 processes records in a single pass."`
	MetricsDump   bool   `help:"Print the internal metrics after the run."`
}

type FlagsLogs struct {
	Level  string `default:"info"   enum:"error,warn,info,debug" help:"Log level."`
	Format string `default:"logfmt" enum:"logfmt,json"           help:"Configure if structured logging as JSON or as logfmt"`
}

// Logger returns the logger configured by the flags.
func (f FlagsLogs) Logger(name string) log.Logger {
	return logger.NewLogger(f.Level, f.Format, name)
}

type FlagsFilters struct {
	Pids  []int    `help:"Only report these processes."`
	Tids  []int    `help:"Only report these threads."`
	Comms []string `help:"Only report threads with these command names."`
	Dsos  []string `help:"Only report samples in these objects."`
}

type FlagsUnwinding struct {
	MaxFrames          int    `default:"${default_max_frames}"   help:"Maximum number of frames to unwind."`
	JITBrokenThreshold int    `default:"${default_jit_broken}"   help:"Frames after the last JIT frame below which a call chain is considered broken."`
	StackAccessWindow  uint64 `default:"${default_stack_window}" help:"Failed reads this far below the stack pointer are reported as stack access failures."`
	Disable            bool   `help:"Do not unwind samples carrying registers and stack."`
	LiveMaps           bool   `help:"Read the mappings of processes the record file never mapped from /proc. Only useful on the recording host."`
}

type ExitCode int

const (
	ExitSuccess ExitCode = 0
	ExitFailure ExitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	ExitParseError ExitCode = 2
)

func ParseError(logger log.Logger, msg string, args ...interface{}) ExitCode {
	level.Error(logger).Log("msg", fmt.Sprintf(msg, args...))
	return ExitParseError
}

func Failure(logger log.Logger, msg string, args ...interface{}) ExitCode {
	level.Error(logger).Log("msg", fmt.Sprintf(msg, args...))
	return ExitFailure
}

func (f Flags) Validate(logger log.Logger) ExitCode {
	if f.Input == "" {
		return ParseError(logger, "An input record file is required")
	}

	if _, err := regs.ParseArch(f.Arch); err != nil {
		return ParseError(logger, "Invalid argument for arch: %v", err)
	}

	switch f.Period {
	case "", "event_count", "timestamp":
	default:
		return ParseError(logger, "Invalid argument for period: %q", f.Period)
	}

	if f.Parallel < 0 {
		return ParseError(logger, "Invalid argument for parallel: %d must not be negative", f.Parallel)
	}

	if f.Dump && (f.Parallel > 0 || f.PprofOutput != "") {
		return ParseError(logger, "Dumping records cannot be combined with parallel or pprof output.")
	}

	if f.Parallel > 0 && f.RewriteOutput != "" {
		return ParseError(logger, "Rewriting the record file requires a single pass; remove --parallel.")
	}

	if f.Unwinding.MaxFrames <= 0 {
		return ParseError(logger, "Invalid argument for unwind-max-frames: %d must be positive", f.Unwinding.MaxFrames)
	}

	if f.Top < 0 {
		return ParseError(logger, "Invalid argument for top: %d must not be negative", f.Top)
	}

	return ExitSuccess
}

// Apply overrides the settings of cfg with the flags that were set. A nil
// cfg is treated as an empty one.
func (f Flags) Apply(cfg *config.Config) *config.Config {
	out := config.Config{}
	if cfg != nil {
		out = *cfg
	}

	if len(f.Sort) > 0 {
		out.SortKeys = f.Sort
	}
	if f.Period != "" {
		out.Period = f.Period
	}

	if len(f.Filters.Pids) > 0 {
		out.Filters.Pids = f.Filters.Pids
	}
	if len(f.Filters.Tids) > 0 {
		out.Filters.Tids = f.Filters.Tids
	}
	if len(f.Filters.Comms) > 0 {
		out.Filters.Comms = f.Filters.Comms
	}
	if len(f.Filters.Dsos) > 0 {
		out.Filters.Dsos = f.Filters.Dsos
	}

	if f.Children {
		out.CallGraph.Accumulate = true
	}
	switch f.CallGraph {
	case callGraphCaller:
		out.CallGraph.Build = true
		out.CallGraph.CallerAsRoot = true
	case callGraphCallee:
		out.CallGraph.Build = true
		out.CallGraph.CallerAsRoot = false
	}
	if f.Branch {
		out.CallGraph.Branch = true
	}

	if f.Unwinding.MaxFrames != unwind.DefaultMaxFrames || out.Unwinding.MaxFrames == 0 {
		out.Unwinding.MaxFrames = f.Unwinding.MaxFrames
	}
	if f.Unwinding.JITBrokenThreshold != unwind.DefaultJITBrokenThreshold || out.Unwinding.JITBrokenThreshold == 0 {
		out.Unwinding.JITBrokenThreshold = f.Unwinding.JITBrokenThreshold
	}
	if f.Unwinding.StackAccessWindow != unwind.DefaultStackAccessWindow || out.Unwinding.StackAccessWindow == 0 {
		out.Unwinding.StackAccessWindow = f.Unwinding.StackAccessWindow
	}

	return &out
}

// BuildInfo describes the binary. The commit falls back to the VCS revision
// the Go toolchain stamped into the binary.
func BuildInfo() string {
	rev := commit
	if rev == "" {
		if info, err := buildinfo.Fetch(); err == nil {
			rev = info.Revision()
		}
	}
	return fmt.Sprintf("perf-analyze %s (commit %s, %s)", orUnknown(version), orUnknown(rev), runtime.Version())
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
