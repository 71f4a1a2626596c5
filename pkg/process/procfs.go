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

package process

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/procfs"
)

// ProcfsAuthority is a MapAuthority over the live /proc/<pid>/maps of the
// host. It serves analysis of samples from processes that are still
// running, where the recording carries no mmap records.
type ProcfsAuthority struct {
	fs             procfs.FS
	executableOnly bool

	mtx      sync.Mutex
	versions map[int]procfsVersion
	version  uint64
}

type procfsVersion struct {
	hash    uint64
	version uint64
}

// NewProcfsAuthority returns an authority reading maps from fs. With
// executableOnly set, only executable mappings are reported.
func NewProcfsAuthority(fs procfs.FS, executableOnly bool) *ProcfsAuthority {
	return &ProcfsAuthority{
		fs:             fs,
		executableOnly: executableOnly,
		versions:       map[int]procfsVersion{},
	}
}

// Maps implements MapAuthority. The version of a pid only changes when the
// content of its maps file does.
func (a *ProcfsAuthority) Maps(pid int) (uint64, Mappings, error) {
	proc, err := a.fs.Proc(pid)
	if err != nil {
		return 0, nil, errors.Join(ErrProcNotFound, fmt.Errorf("failed to open proc %d: %w", pid, err))
	}
	procMaps, err := proc.ProcMaps()
	if err != nil {
		return 0, nil, errors.Join(ErrProcNotFound, fmt.Errorf("failed to read proc maps for proc %d: %w", pid, err))
	}

	ms := convertProcMaps(procMaps, a.executableOnly)
	hash := hashMappings(ms)

	a.mtx.Lock()
	defer a.mtx.Unlock()

	v, ok := a.versions[pid]
	if !ok || v.hash != hash {
		a.version++
		v = procfsVersion{hash: hash, version: a.version}
		a.versions[pid] = v
	}
	return v.version, ms, nil
}

// Forget drops what is known about pid, for when it exits.
func (a *ProcfsAuthority) Forget(pid int) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	delete(a.versions, pid)
}

func convertProcMaps(procMaps []*procfs.ProcMap, executableOnly bool) Mappings {
	ms := make(Mappings, 0, len(procMaps))
	for _, pm := range procMaps {
		var flags uint32
		if pm.Perms != nil {
			if pm.Perms.Read {
				flags |= ProtRead
			}
			if pm.Perms.Write {
				flags |= ProtWrite
			}
			if pm.Perms.Execute {
				flags |= ProtExec
			}
		}
		m := &MapEntry{
			Start:  uint64(pm.StartAddr),
			End:    uint64(pm.EndAddr),
			Offset: uint64(pm.Offset),
			Flags:  flags,
			Name:   pm.Pathname,
		}
		ms = append(ms, m)
	}
	if executableOnly {
		return ms.ExecutableSections()
	}
	return ms
}

func hashMappings(ms Mappings) uint64 {
	h := xxhash.New()
	var buf [28]byte
	for _, m := range ms {
		binary.LittleEndian.PutUint64(buf[0:], m.Start)
		binary.LittleEndian.PutUint64(buf[8:], m.End)
		binary.LittleEndian.PutUint64(buf[16:], m.Offset)
		binary.LittleEndian.PutUint32(buf[24:], m.Flags)
		_, _ = h.Write(buf[:])
		_, _ = h.WriteString(m.Name)
	}
	return h.Sum64()
}

// fallbackVersion marks versions handed out by the fallback of a
// FallbackAuthority, keeping them apart from those of the primary.
const fallbackVersion = 1 << 63

// FallbackAuthority answers from Primary and turns to Fallback for processes
// Primary holds no mappings for. A failing Fallback leaves the answer of
// Primary in place.
type FallbackAuthority struct {
	Primary  MapAuthority
	Fallback MapAuthority
}

func (a FallbackAuthority) Maps(pid int) (uint64, Mappings, error) {
	version, ms, err := a.Primary.Maps(pid)
	if err != nil || len(ms) > 0 {
		return version, ms, err
	}
	fv, fms, ferr := a.Fallback.Maps(pid)
	if ferr != nil || len(fms) == 0 {
		return version, ms, nil
	}
	return fv | fallbackVersion, fms, nil
}
