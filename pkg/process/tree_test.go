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
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-perf/pkg/perf/record"
)

func newTestTree() *Tree {
	return NewTree(log.NewNopLogger())
}

func TestTreeMmapOverlap(t *testing.T) {
	t.Parallel()

	tree := newTestTree()
	tree.Update(&record.Mmap2Record{Misc: record.MiscUser, Pid: 1, Tid: 1, Addr: 0x1000, Len: 0x4000, Pgoff: 0, Prot: record.ProtRead | record.ProtExec, Filename: "/bin/a"})
	v1, _, err := tree.Maps(1)
	require.NoError(t, err)

	tree.Update(&record.Mmap2Record{Misc: record.MiscUser, Pid: 1, Tid: 1, Addr: 0x2000, Len: 0x1000, Pgoff: 0, Prot: record.ProtRead, Filename: "/lib/b"})
	v2, ms, err := tree.Maps(1)
	require.NoError(t, err)
	require.Greater(t, v2, v1)

	require.Equal(t, []MapEntry{
		{Start: 0x1000, End: 0x2000, Offset: 0, Flags: ProtRead | ProtExec, Name: "/bin/a"},
		{Start: 0x2000, End: 0x3000, Offset: 0, Flags: ProtRead, Name: "/lib/b"},
		{Start: 0x3000, End: 0x5000, Offset: 0x2000, Flags: ProtRead | ProtExec, Name: "/bin/a"},
	}, values(ms))

	require.Equal(t, "/lib/b", tree.FindMap(1, 0x2800, false).Name)
	require.Nil(t, tree.FindMap(1, 0x6000, false))
	require.Nil(t, tree.FindMap(2, 0x2800, false))
}

func TestTreeKernelMaps(t *testing.T) {
	t.Parallel()

	tree := newTestTree()
	tree.Update(&record.MmapRecord{Misc: record.MiscKernel, Pid: ^uint32(0), Addr: 0xffffffff81000000, Len: 0x1000000, Filename: "[kernel.kallsyms]_text"})
	require.Len(t, tree.KernelMaps(), 1)
	require.Equal(t, "[kernel.kallsyms]_text", tree.FindMap(1, 0xffffffff81000100, true).Name)
	require.Empty(t, tree.Pids())
}

func TestTreeForkCommExit(t *testing.T) {
	t.Parallel()

	tree := newTestTree()
	tree.Update(&record.CommRecord{Pid: 10, Tid: 10, Comm: "server"})
	tree.Update(&record.Mmap2Record{Pid: 10, Tid: 10, Addr: 0x1000, Len: 0x1000, Prot: record.ProtExec, Filename: "/bin/server"})

	// New thread in the same process.
	tree.Update(&record.ForkRecord{TaskEvent: record.TaskEvent{Pid: 10, Ppid: 10, Tid: 11, Ptid: 10}})
	require.Equal(t, Thread{Pid: 10, Tid: 11, Comm: "server"}, tree.Thread(10, 11))

	// New process.
	tree.Update(&record.ForkRecord{TaskEvent: record.TaskEvent{Pid: 20, Ppid: 10, Tid: 20, Ptid: 10}})
	_, child, err := tree.Maps(20)
	require.NoError(t, err)
	require.Equal(t, "/bin/server", child[0].Name)
	require.Equal(t, []int{10, 20}, tree.Pids())

	// exec replaces the address space.
	tree.Update(&record.CommRecord{Misc: record.MiscCommExec, Pid: 20, Tid: 20, Comm: "worker"})
	_, child, err = tree.Maps(20)
	require.NoError(t, err)
	require.Empty(t, child)
	_, parent, err := tree.Maps(10)
	require.NoError(t, err)
	require.Len(t, parent, 1)
	require.Equal(t, "worker", tree.Thread(20, 20).Comm)

	tree.Update(&record.ExitRecord{TaskEvent: record.TaskEvent{Pid: 20, Ppid: 10, Tid: 20, Ptid: 10}})
	v, ms, err := tree.Maps(20)
	require.NoError(t, err)
	require.Zero(t, v)
	require.Empty(t, ms)
	require.Equal(t, UnknownComm, tree.Thread(20, 20).Comm)
}

func TestTreeUnknownThreadInheritsProcessComm(t *testing.T) {
	t.Parallel()

	tree := newTestTree()
	tree.SetComm(5, 5, "main", false)
	require.Equal(t, "main", tree.Thread(5, 6).Comm)
	require.Equal(t, UnknownComm, tree.Thread(7, 7).Comm)
}

func TestTreeAsAuthority(t *testing.T) {
	t.Parallel()

	tree := newTestTree()
	tree.AddMap(1, false, entry(0x1000, 0x2000, "a"))

	var s MapSnapshot
	v, ms, err := tree.Maps(1)
	require.NoError(t, err)
	require.NoError(t, s.Update(v, ms))

	tree.AddMap(1, false, entry(0x3000, 0x4000, "b"))
	v, ms, err = tree.Maps(1)
	require.NoError(t, err)
	require.NoError(t, s.Update(v, ms))
	require.Equal(t, 2, s.Len())
	require.Equal(t, "b", s.Find(0x3000).Name)
}
