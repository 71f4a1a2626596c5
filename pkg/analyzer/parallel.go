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

package analyzer

import (
	"context"
	"errors"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/parca-dev/parca-perf/pkg/perf/record"
	"github.com/parca-dev/parca-perf/pkg/process"
	"github.com/parca-dev/parca-perf/pkg/stack/unwind"
)

// ErrRewriteNeedsSinglePass is returned by RunParallel for analyzers that
// rewrite the record stream, which must stay in order.
var ErrRewriteNeedsSinglePass = errors.New("rewriting records requires a single pass")

const queueSize = 256

// frozen is the state of a process at the time one of its samples was
// taken. Map lists are never modified in place, so holding on to them is
// enough to keep them.
type frozen struct {
	thread  process.Thread
	version uint64
	maps    process.Mappings
	kernel  process.Mappings
}

// view answers thread, mapping and map authority queries from the state
// of the sample a worker is processing.
type view struct {
	state frozen
}

func (v *view) Thread(pid, tid int) process.Thread {
	if th := v.state.thread; th.Pid == pid && th.Tid == tid {
		return th
	}
	return process.Thread{Pid: pid, Tid: tid, Comm: process.UnknownComm}
}

func (v *view) FindMap(_ int, addr uint64, inKernel bool) *process.MapEntry {
	if inKernel {
		return v.state.kernel.MappingForAddr(addr)
	}
	return v.state.maps.MappingForAddr(addr)
}

func (v *view) Maps(int) (uint64, process.Mappings, error) {
	return v.state.version, v.state.maps, nil
}

type task struct {
	sample *record.SampleRecord
	state  frozen
	// exited is the pid whose map history ended, when sample is nil.
	exited int
}

func (a *Analyzer) freeze(s *record.SampleRecord) frozen {
	pid, tid := int(int32(s.Pid)), int(int32(s.Tid))
	version, maps, _ := a.authority.Maps(pid)
	return frozen{
		thread:  a.tree.Thread(pid, tid),
		version: version,
		maps:    maps,
		kernel:  a.tree.KernelMaps(),
	}
}

// RunParallel reads src like Run but aggregates samples on the given number
// of workers. Samples of one process always go to the same worker, in
// stream order, together with the process state they were taken in, so the
// result matches the one of Run.
func (a *Analyzer) RunParallel(ctx context.Context, src RecordSource, workers int) (*Result, error) {
	if workers <= 1 {
		return a.Run(ctx, src)
	}
	if a.cfg.Rewrite != nil {
		return nil, ErrRewriteNeedsSinglePass
	}

	ws := make([]*worker, workers)
	views := make([]*view, workers)
	for i := range ws {
		views[i] = &view{}
		var u *unwind.OfflineUnwinder
		if a.unwinder != nil {
			u = a.unwinder.WithAuthority(views[i])
		}
		w, err := a.newWorker(views[i], views[i], u, nil)
		if err != nil {
			return nil, err
		}
		ws[i] = w
	}

	g, ctx := errgroup.WithContext(ctx)

	queues := make([]chan task, workers)
	for i, w := range ws {
		v := views[i]
		queues[i] = make(chan task, queueSize)

		g.Go(func() error {
			for t := range queues[i] {
				if t.sample == nil {
					w.forget(t.exited)
					continue
				}
				v.state = t.state
				if err := w.processSample(t.sample); err != nil {
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()

		send := func(pid int, t task) error {
			select {
			case queues[uint(pid)%uint(workers)] <- t:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := a.next(src)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}

			switch r := rec.(type) {
			case *record.SampleRecord:
				if err := send(int(int32(r.Pid)), task{sample: r, state: a.freeze(r)}); err != nil {
					return err
				}
			case *record.ExitRecord, *record.ForkRecord:
				if pid, ok := processBoundary(r); ok {
					if err := send(pid, task{exited: pid}); err != nil {
						return err
					}
					a.processExited(pid)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return a.result(ws...), nil
}
