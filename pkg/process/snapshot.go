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
	"fmt"
)

// MapSnapshot is the view of a process's mappings handed to stack walkers.
// It is brought up to date from a MapAuthority by diffing against the
// entries it already holds, so unchanged entries keep their identity across
// updates.
//
// A MapSnapshot is owned by a single processing loop and is not safe for
// concurrent use.
type MapSnapshot struct {
	version uint64
	entries Mappings
}

// Version returns the authority version the snapshot was last updated to.
func (s *MapSnapshot) Version() uint64 { return s.version }

// Entries returns the current entries sorted by start address. The slice must
// not be modified.
func (s *MapSnapshot) Entries() Mappings { return s.entries }

// Len returns the number of entries.
func (s *MapSnapshot) Len() int { return len(s.entries) }

// Find returns the entry containing addr, or nil.
func (s *MapSnapshot) Find(addr uint64) *MapEntry {
	return s.entries.MappingForAddr(addr)
}

// Update brings the snapshot to version, whose mappings are authoritative.
// An update to the version already held does nothing. Entries present in both
// lists are kept, entries only in authoritative are added and the rest are
// dropped, after which the snapshot equals authoritative.
func (s *MapSnapshot) Update(version uint64, authoritative Mappings) error {
	if version == s.version && s.entries != nil {
		return nil
	}
	if version < s.version {
		return fmt.Errorf("%w: snapshot at version %d, update to %d", ErrMapVersionMismatch, s.version, version)
	}
	for i := 1; i < len(authoritative); i++ {
		if authoritative[i].Start < authoritative[i-1].Start {
			return fmt.Errorf("%w: authoritative maps of version %d are not sorted", ErrMapVersionMismatch, version)
		}
	}

	// Merge the two sorted sequences. Removed entries become nil in place and
	// new ones are collected in order.
	old := s.entries
	var added Mappings
	i := 0
	for _, entry := range authoritative {
		for i < len(old) && old[i].Start < entry.Start {
			old[i] = nil
			i++
		}
		switch {
		case i < len(old) && sameEntry(old[i], entry):
			i++
		case i < len(old) && old[i].Start == entry.Start:
			// Same start but a different mapping: the old one was replaced.
			old[i] = nil
			i++
			added = append(added, entry)
		default:
			added = append(added, entry)
		}
	}
	for ; i < len(old); i++ {
		old[i] = nil
	}

	s.entries = mergeSorted(compact(old), added)
	s.version = version
	return nil
}

func sameEntry(a, b *MapEntry) bool {
	return a == b || *a == *b
}

// compact drops nil slots, keeping order.
func compact(ms Mappings) Mappings {
	out := ms[:0]
	for _, m := range ms {
		if m != nil {
			out = append(out, m)
		}
	}
	// Clear the tail so dropped entries can be collected.
	for i := len(out); i < len(ms); i++ {
		ms[i] = nil
	}
	return out
}

// mergeSorted merges two lists sorted by start address.
func mergeSorted(kept, added Mappings) Mappings {
	if len(added) == 0 {
		return kept
	}
	out := make(Mappings, 0, len(kept)+len(added))
	i, j := 0, 0
	for i < len(kept) && j < len(added) {
		if kept[i].Start <= added[j].Start {
			out = append(out, kept[i])
			i++
		} else {
			out = append(out, added[j])
			j++
		}
	}
	out = append(out, kept[i:]...)
	return append(out, added[j:]...)
}

// SnapshotCache holds one MapSnapshot per process for the duration of a run.
type SnapshotCache struct {
	snapshots map[int]*MapSnapshot
}

func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{snapshots: map[int]*MapSnapshot{}}
}

// Get returns the snapshot of pid, creating an empty one on first use.
func (c *SnapshotCache) Get(pid int) *MapSnapshot {
	s, ok := c.snapshots[pid]
	if !ok {
		s = &MapSnapshot{}
		c.snapshots[pid] = s
	}
	return s
}

// Drop forgets the snapshot of pid.
func (c *SnapshotCache) Drop(pid int) {
	delete(c.snapshots, pid)
}

// Len returns the number of cached snapshots.
func (c *SnapshotCache) Len() int {
	return len(c.snapshots)
}
