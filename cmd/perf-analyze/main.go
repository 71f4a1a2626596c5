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

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/procfs"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/parca-dev/parca-perf/byteorder"
	"github.com/parca-dev/parca-perf/flags"
	"github.com/parca-dev/parca-perf/pkg/analyzer"
	"github.com/parca-dev/parca-perf/pkg/config"
	"github.com/parca-dev/parca-perf/pkg/hash"
	"github.com/parca-dev/parca-perf/pkg/perf/record"
	"github.com/parca-dev/parca-perf/pkg/pprof"
	"github.com/parca-dev/parca-perf/pkg/process"
	"github.com/parca-dev/parca-perf/pkg/regs"
	"github.com/parca-dev/parca-perf/pkg/report"
	"github.com/parca-dev/parca-perf/pkg/sample"
	"github.com/parca-dev/parca-perf/pkg/stack/unwind"
)

func main() {
	os.Exit(int(run()))
}

func run() flags.ExitCode {
	f, err := flags.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return flags.ExitParseError
	}

	logger := f.Log.Logger("perf-analyze")

	if f.Version {
		fmt.Println(flags.BuildInfo())
		return flags.ExitSuccess
	}

	if code := f.Validate(logger); code != flags.ExitSuccess {
		return code
	}

	var fileCfg *config.Config
	if f.ConfigPath != "" {
		fileCfg, err = config.LoadFile(f.ConfigPath)
		if err != nil {
			return flags.ParseError(logger, "Failed to load config: %v", err)
		}
	}
	cfg := f.Apply(fileCfg)
	if err := cfg.Validate(); err != nil {
		return flags.ParseError(logger, "Invalid configuration: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Debug(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	if f.Dump {
		return dump(logger, out, f.Input)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		g    okrun.Group
		code = flags.ExitSuccess
	)
	g.Add(func() error {
		var err error
		code, err = analyze(ctx, logger, reg, out, f, cfg)
		return err
	}, func(error) {
		cancel()
	})
	g.Add(okrun.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	if err := g.Run(); err != nil {
		var sig okrun.SignalError
		if errors.As(err, &sig) {
			level.Warn(logger).Log("msg", "analysis interrupted", "signal", sig.Signal)
			return flags.ExitFailure
		}
		level.Error(logger).Log("err", err)
		return code
	}

	if f.MetricsDump {
		if err := dumpMetrics(out, reg); err != nil {
			level.Error(logger).Log("msg", "failed to dump metrics", "err", err)
			return flags.ExitFailure
		}
	}
	return flags.ExitSuccess
}

// input is an opened record file and the fingerprint of its bytes.
type input struct {
	*record.Reader
	path string
	sum  uint64
}

func openInput(logger log.Logger, path string) (*input, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open record file: %w", err)
	}
	defer file.Close()

	tee, sum, err := hash.TeeReader(file)
	if err != nil {
		return nil, err
	}
	r, err := record.NewReader(tee)
	if err != nil {
		return nil, fmt.Errorf("read record file %s: %w", path, err)
	}
	if r.ByteOrder() != byteorder.GetHostByteOrder() {
		level.Info(logger).Log("msg", "record file byte order differs from host", "order", r.ByteOrder())
	}
	in := &input{Reader: r, path: path, sum: sum()}
	level.Debug(logger).Log("msg", "opened record file", "path", path, "hash", hash.String(in.sum), "attrs", len(r.Attrs()), "compressed", r.Compressed())
	return in, nil
}

func dump(logger log.Logger, out io.Writer, path string) flags.ExitCode {
	r, err := openInput(logger, path)
	if err != nil {
		return flags.Failure(logger, "%v", err)
	}
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return flags.ExitSuccess
		}
		if err != nil {
			if record.IsFatal(err) {
				return flags.Failure(logger, "Failed to read records: %v", err)
			}
			fmt.Fprintf(out, "skipped record: %v\n", err)
			continue
		}
		if err := record.Dump(out, rec); err != nil {
			return flags.Failure(logger, "Failed to dump record: %v", err)
		}
	}
}

// analyzerConfig translates the merged flags and config file into the
// analyzer configuration.
func analyzerConfig(f flags.Flags, cfg *config.Config) (analyzer.Config, error) {
	arch, err := regs.ParseArch(f.Arch)
	if err != nil {
		return analyzer.Config{}, err
	}
	period, err := report.ParsePeriodMode(cfg.Period)
	if err != nil {
		return analyzer.Config{}, err
	}
	return analyzer.Config{
		Arch: arch,
		Report: report.Options{
			SortKeys: cfg.SortKeys,
			Filters: report.Filters{
				Pids:  cfg.Filters.Pids,
				Tids:  cfg.Filters.Tids,
				Comms: cfg.Filters.Comms,
				Dsos:  cfg.Filters.Dsos,
			},
			Period: period,
			CallGraph: sample.Options{
				UseBranchAddress:    cfg.CallGraph.Branch,
				AccumulateCallChain: cfg.CallGraph.Accumulate || cfg.CallGraph.Build,
				BuildCallChain:      cfg.CallGraph.Build,
				CallerAsRoot:        cfg.CallGraph.CallerAsRoot,
			},
		},
		Unwind: unwind.Options{
			MaxFrames:          cfg.Unwinding.MaxFrames,
			JITBrokenThreshold: cfg.Unwinding.JITBrokenThreshold,
			StackAccessWindow:  cfg.Unwinding.StackAccessWindow,
		},
		NoUnwind: f.Unwinding.Disable,
		Strict:   f.Strict,
	}, nil
}

func analyze(ctx context.Context, logger log.Logger, reg *prometheus.Registry, out io.Writer, f flags.Flags, cfg *config.Config) (flags.ExitCode, error) {
	acfg, err := analyzerConfig(f, cfg)
	if err != nil {
		return flags.ExitParseError, err
	}

	r, err := openInput(logger, f.Input)
	if err != nil {
		return flags.ExitFailure, err
	}
	acfg.Unwind.ByteOrder = r.ByteOrder()

	if f.Unwinding.LiveMaps {
		fs, err := procfs.NewDefaultFS()
		if err != nil {
			return flags.ExitFailure, fmt.Errorf("open procfs: %w", err)
		}
		acfg.LiveMaps = process.NewProcfsAuthority(fs, true)
	}

	var rewrite *record.Writer
	var rewriteFile *os.File
	if f.RewriteOutput != "" {
		rewriteFile, err = os.Create(f.RewriteOutput)
		if err != nil {
			return flags.ExitFailure, fmt.Errorf("create rewrite output: %w", err)
		}
		defer rewriteFile.Close()

		var opts []record.WriterOption
		if f.Compress {
			opts = append(opts, record.WithCompression())
		}
		rewrite = record.NewWriter(rewriteFile, r.ByteOrder(), opts...)
		for _, a := range r.Attrs() {
			rewrite.AddAttr(a.Attr, a.IDs)
		}
		acfg.Rewrite = rewrite
	}

	start := time.Now()
	res, err := analyzer.New(logger, reg, acfg).RunParallel(ctx, r, f.Parallel)
	if err != nil {
		return flags.ExitFailure, fmt.Errorf("analyze %s: %w", f.Input, err)
	}
	level.Info(logger).Log(
		"msg", "analysis finished",
		"duration", time.Since(start),
		"records", res.Stats.TotalRecords(),
		"samples", res.Stats.Samples,
	)

	if rewrite != nil {
		if err := rewrite.Close(); err != nil {
			return flags.ExitFailure, fmt.Errorf("write %s: %w", f.RewriteOutput, err)
		}
		if err := rewriteFile.Close(); err != nil {
			return flags.ExitFailure, fmt.Errorf("close %s: %w", f.RewriteOutput, err)
		}
		level.Info(logger).Log("msg", "wrote rewritten record file", "path", f.RewriteOutput)
	}

	printStats(out, res.Stats)
	printSummary(out, res.Report.Summary)
	fmt.Fprintln(out)
	printEntries(out, res.Report, printOptions{
		Top:       f.Top,
		Children:  acfg.Report.CallGraph.AccumulateCallChain,
		CallGraph: acfg.Report.CallGraph.BuildCallChain,
		Branch:    acfg.Report.CallGraph.UseBranchAddress,
	})

	if f.PprofOutput != "" {
		prof, err := pprof.NewManager(
			log.With(logger, "component", "pprof"),
			reg,
			res,
			pprof.SampleType{Type: "events", Unit: "count"},
			1,
		).ConvertAll(res.Stacks.RawData(), res.Mappings, start, 0)
		if err != nil {
			return flags.ExitFailure, fmt.Errorf("convert stacks: %w", err)
		}
		prof.Comments = append(prof.Comments, fmt.Sprintf("source: %s (hash %s)", r.path, hash.String(r.sum)))
		if err := pprof.WriteFile(f.PprofOutput, prof); err != nil {
			return flags.ExitFailure, fmt.Errorf("write pprof profile: %w", err)
		}
		level.Info(logger).Log("msg", "wrote pprof profile", "path", f.PprofOutput, "samples", len(prof.Sample))
	}

	return flags.ExitSuccess, nil
}

func dumpMetrics(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
