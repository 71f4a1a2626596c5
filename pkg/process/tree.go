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

package process

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/parca-dev/parca-perf/pkg/perf/record"
)

// KernelPid is the pid the kernel reports for mappings of the kernel image
// and modules.
const KernelPid = -1

// UnknownComm names threads whose comm record was never seen.
const UnknownComm = "unknown"

// Thread is a thread known from the record stream.
type Thread struct {
	Pid  int
	Tid  int
	Comm string
}

type processMaps struct {
	version uint64
	maps    Mappings
}

// Tree models processes, threads and their mappings as announced by mmap,
// comm, fork and exit records. It is the MapAuthority for offline unwinding
// of recorded samples.
type Tree struct {
	logger log.Logger

	mtx       *sync.RWMutex
	threads   map[int]*Thread
	processes map[int]*processMaps
	kernel    processMaps

	// version is bumped on every change to any map list, so the versions
	// handed out per process only ever increase.
	version uint64
}

// NewTree returns an empty tree.
func NewTree(logger log.Logger) *Tree {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Tree{
		logger:    logger,
		mtx:       &sync.RWMutex{},
		threads:   map[int]*Thread{},
		processes: map[int]*processMaps{},
	}
}

// Update applies a lifecycle record to the tree. Records of other types are
// ignored.
func (t *Tree) Update(r record.Record) {
	switch r := r.(type) {
	case *record.MmapRecord:
		t.AddMap(int(int32(r.Pid)), record.InKernel(r), &MapEntry{
			Start:  r.Addr,
			End:    r.Addr + r.Len,
			Offset: r.Pgoff,
			Flags:  ProtRead | ProtExec,
			Name:   r.Filename,
		})
	case *record.Mmap2Record:
		t.AddMap(int(int32(r.Pid)), record.InKernel(r), &MapEntry{
			Start:  r.Addr,
			End:    r.Addr + r.Len,
			Offset: r.Pgoff,
			Flags:  r.Prot,
			Name:   r.Filename,
		})
	case *record.CommRecord:
		t.SetComm(int(r.Pid), int(r.Tid), r.Comm, r.Misc&record.MiscCommExec != 0)
	case *record.ForkRecord:
		t.Fork(int(r.Ppid), int(r.Ptid), int(r.Pid), int(r.Tid))
	case *record.ExitRecord:
		t.Exit(int(r.Pid), int(r.Tid))
	}
}

func (t *Tree) nextVersion() uint64 {
	t.version++
	return t.version
}

// AddMap inserts a mapping. Parts of older mappings it overlaps are
// replaced, the rest of them is kept.
func (t *Tree) AddMap(pid int, inKernel bool, m *MapEntry) {
	if m.End <= m.Start {
		level.Debug(t.logger).Log("msg", "ignoring empty mapping", "pid", pid, "name", m.Name)
		return
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()

	pm := &t.kernel
	if !inKernel && pid != KernelPid {
		pm = t.processOrNew(pid)
	}
	pm.maps = insertMap(pm.maps, m)
	pm.version = t.nextVersion()
}

func (t *Tree) processOrNew(pid int) *processMaps {
	pm, ok := t.processes[pid]
	if !ok {
		pm = &processMaps{}
		t.processes[pid] = pm
	}
	return pm
}

// insertMap returns maps with m added, trimming the entries it overlaps.
// Entries are never modified in place, trimmed parts are new entries.
func insertMap(ms Mappings, m *MapEntry) Mappings {
	out := make(Mappings, 0, len(ms)+2)
	inserted := false
	for _, old := range ms {
		if old.End <= m.Start || old.Start >= m.End {
			if !inserted && old.Start >= m.End {
				out = append(out, m)
				inserted = true
			}
			out = append(out, old)
			continue
		}
		if old.Start < m.Start {
			before := *old
			before.End = m.Start
			out = append(out, &before)
		}
		if !inserted {
			out = append(out, m)
			inserted = true
		}
		if old.End > m.End {
			after := *old
			after.Start = m.End
			after.Offset = old.Offset + (m.End - old.Start)
			out = append(out, &after)
		}
	}
	if !inserted {
		out = append(out, m)
	}
	return out
}

// SetComm names a thread. An exec by the main thread starts a new address
// space, dropping the maps of the process.
func (t *Tree) SetComm(pid, tid int, comm string, exec bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	th := t.threadOrNew(pid, tid)
	th.Comm = comm
	if exec && pid == tid {
		if pm, ok := t.processes[pid]; ok && len(pm.maps) > 0 {
			pm.maps = nil
			pm.version = t.nextVersion()
		}
	}
}

func (t *Tree) threadOrNew(pid, tid int) *Thread {
	th, ok := t.threads[tid]
	if ok && th.Pid == pid {
		return th
	}
	comm := UnknownComm
	if parent, ok := t.threads[pid]; ok && parent.Pid == pid {
		comm = parent.Comm
	}
	th = &Thread{Pid: pid, Tid: tid, Comm: comm}
	t.threads[tid] = th
	return th
}

// Fork creates the thread tid of process pid as a child of ptid in ppid. A
// new process starts with a copy of its parent's maps, a new thread shares
// them.
func (t *Tree) Fork(ppid, ptid, pid, tid int) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	parent := t.threadOrNew(ppid, ptid)
	child := t.threadOrNew(pid, tid)
	child.Comm = parent.Comm
	if pid == ppid {
		return
	}
	if pm, ok := t.processes[ppid]; ok {
		t.processes[pid] = &processMaps{
			maps:    append(Mappings(nil), pm.maps...),
			version: t.nextVersion(),
		}
	} else {
		delete(t.processes, pid)
	}
}

// Exit forgets a thread. When it is the main thread, the maps of the process
// are forgotten as well.
func (t *Tree) Exit(pid, tid int) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if th, ok := t.threads[tid]; ok && th.Pid == pid {
		delete(t.threads, tid)
	}
	if pid == tid {
		delete(t.processes, pid)
	}
}

// Thread returns the thread tid of pid. Threads never announced are reported
// with the comm of their process, or UnknownComm.
func (t *Tree) Thread(pid, tid int) Thread {
	t.mtx.RLock()
	th, ok := t.threads[tid]
	t.mtx.RUnlock()
	if ok && th.Pid == pid {
		return *th
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()
	return *t.threadOrNew(pid, tid)
}

// Maps implements MapAuthority. A process never announced has no maps.
func (t *Tree) Maps(pid int) (uint64, Mappings, error) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	pm, ok := t.processes[pid]
	if !ok {
		return 0, nil, nil
	}
	return pm.version, pm.maps, nil
}

// KernelMaps returns the kernel image and module mappings.
func (t *Tree) KernelMaps() Mappings {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	return t.kernel.maps
}

// FindMap returns the mapping addr falls in, looking at kernel mappings for
// kernel addresses and at the maps of pid otherwise.
func (t *Tree) FindMap(pid int, addr uint64, inKernel bool) *MapEntry {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	if inKernel {
		return t.kernel.maps.MappingForAddr(addr)
	}
	if pm, ok := t.processes[pid]; ok {
		return pm.maps.MappingForAddr(addr)
	}
	return nil
}

// Pids returns the processes with known maps in ascending order.
func (t *Tree) Pids() []int {
	t.mtx.RLock()
	pids := maps.Keys(t.processes)
	t.mtx.RUnlock()

	slices.Sort(pids)
	return pids
}
