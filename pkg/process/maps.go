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
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/pprof/profile"
)

var (
	ErrProcNotFound       = errors.New("process not found")
	ErrMapVersionMismatch = errors.New("map version mismatch")
)

// Protection bits of MapEntry.Flags.
const (
	ProtRead  uint32 = 0x1
	ProtWrite uint32 = 0x2
	ProtExec  uint32 = 0x4
)

// MapEntry is one mapping of a process. Two entries are the same mapping only
// if every field matches.
type MapEntry struct {
	Start  uint64
	End    uint64
	Offset uint64
	Flags  uint32
	Name   string
	// JIT marks a mapping holding code described by JIT debug info.
	JIT bool
}

// Contains reports whether addr falls inside the mapping.
func (m *MapEntry) Contains(addr uint64) bool {
	return m.Start <= addr && addr < m.End
}

// IsExecutable reports whether the mapping was mapped with PROT_EXEC.
func (m *MapEntry) IsExecutable() bool {
	return m.Flags&ProtExec != 0
}

// IsJitted returns whether an executable mapping is JITed or not.
// The detection is done by checking if the executable mapping is
// not backed by a file, or is one of the named anonymous regions
// and memfds runtimes allocate their code caches in, such as
// `[anon:dalvik-jit-code-cache]` or `/memfd:jit-cache (deleted)`.
//
// We don't check for the writeable flag as `mprotect(2)` may be
// called to make it r+w only.
func (m *MapEntry) IsJitted() bool {
	if m.JIT {
		return true
	}
	if !m.IsExecutable() || m.IsJitDump() {
		return false
	}
	if m.IsNotFileBacked() {
		return m.Name == "" || strings.Contains(m.Name, "jit")
	}
	return strings.HasPrefix(m.Name, "/memfd:") && strings.Contains(m.Name, "jit")
}

// IsJitDump returns whether the mapping looks like a jitdump[0] file.
//
// [0]: https://git.kernel.org/pub/scm/linux/kernel/git/torvalds/linux.git/tree/tools/perf/Documentation/jitdump-specification.txt
func (m *MapEntry) IsJitDump() bool {
	return strings.Contains(m.Name, "jit") && strings.HasSuffix(m.Name, ".dump")
}

// IsSpecial returns whether the file mapping is a "special" region,
// such as the mappings for vDSOs `[vdso]` and others.
func (m *MapEntry) IsSpecial() bool {
	return len(m.Name) > 0 && m.Name[0] == '['
}

// IsNotFileBacked returns whether the mapping is not backed by a
// file, such as JIT or vDSO sections.
func (m *MapEntry) IsNotFileBacked() bool {
	return m.Name == "" || m.IsSpecial()
}

func (m *MapEntry) String() string {
	return fmt.Sprintf("MapEntry {Start: 0x%x, End: 0x%x, Offset: 0x%x, Flags: %d, Name: %s}", m.Start, m.End, m.Offset, m.Flags, m.Name)
}

func (m *MapEntry) convertToPprof() *profile.Mapping {
	return &profile.Mapping{
		Start:  m.Start,
		Limit:  m.End,
		Offset: m.Offset,
		File:   m.Name,
	}
}

// Mappings is a list of entries sorted by start address.
type Mappings []*MapEntry

func (ms Mappings) ConvertToPprof() []*profile.Mapping {
	res := make([]*profile.Mapping, 0, len(ms))

	// pprof IDs start at 1 to be able to distinguish them from 0 (default
	// value aka unset).
	i := uint64(1)
	for _, m := range ms {
		pprofMapping := m.convertToPprof()
		pprofMapping.ID = i
		res = append(res, pprofMapping)
		i++
	}
	return res
}

// ExecutableSections returns the executable mappings, leaving out jitdump
// files which are mapped executable but never run.
func (ms Mappings) ExecutableSections() Mappings {
	res := make(Mappings, 0, len(ms))

	for _, m := range ms {
		if m.IsExecutable() && !m.IsJitDump() {
			res = append(res, m)
		}
	}

	return res
}

// HasJitted returns if there's at least one JIT'ed mapping.
func (ms Mappings) HasJitted() bool {
	for _, m := range ms {
		if m.IsJitted() {
			return true
		}
	}
	return false
}

// MappingForAddr returns the mapping that contains the given address.
func (ms Mappings) MappingForAddr(addr uint64) *MapEntry {
	// Entries are sorted and do not overlap, so the candidate is the last
	// one starting at or before addr.
	lo, hi := 0, len(ms)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if ms[mid].Start <= addr {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return nil
	}
	if m := ms[lo-1]; m.Contains(addr) {
		return m
	}
	return nil
}

// Union returns newer plus the entries of ms that overlap none of newer,
// sorted by start address. Both lists must be sorted and free of overlaps.
func (ms Mappings) Union(newer Mappings) Mappings {
	res := make(Mappings, 0, len(ms)+len(newer))
	res = append(res, newer...)
	for _, old := range ms {
		// First entry of newer ending after old starts.
		i, _ := slices.BinarySearchFunc(newer, old.Start, func(m *MapEntry, addr uint64) int {
			if m.End <= addr {
				return -1
			}
			return 1
		})
		if i < len(newer) && newer[i].Start < old.End {
			continue
		}
		res = append(res, old)
	}
	slices.SortFunc(res, func(a, b *MapEntry) int {
		return cmp.Compare(a.Start, b.Start)
	})
	return res
}

// MapAuthority supplies the authoritative, versioned mapping list of a
// process. The version changes whenever the list does.
type MapAuthority interface {
	Maps(pid int) (version uint64, maps Mappings, err error)
}
