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

package profile

import (
	"encoding/binary"
	"slices"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/maps"
)

type PID uint32

type ProcessRawData struct {
	PID        PID
	RawSamples []RawSample
}

// RawSample is one distinct stack of a thread. Stacks are innermost frame
// first. Count is the number of samples that hit the stack and Value their
// summed period.
type RawSample struct {
	TID         PID
	UserStack   []uint64
	KernelStack []uint64
	Count       uint64
	Value       uint64
}

type RawData []ProcessRawData

type stackKey struct {
	tid  PID
	hash uint64
}

// Collector sums samples with identical stacks.
type Collector struct {
	processes map[PID]map[stackKey][]*RawSample
	order     map[PID][]*RawSample
}

func NewCollector() *Collector {
	return &Collector{
		processes: map[PID]map[stackKey][]*RawSample{},
		order:     map[PID][]*RawSample{},
	}
}

func hashStack(user, kernel []uint64) uint64 {
	d := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(kernel)))
	_, _ = d.Write(buf[:])
	for _, addr := range kernel {
		binary.LittleEndian.PutUint64(buf[:], addr)
		_, _ = d.Write(buf[:])
	}
	for _, addr := range user {
		binary.LittleEndian.PutUint64(buf[:], addr)
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// Add records count samples of the given stack with summed period value.
func (c *Collector) Add(pid, tid PID, user, kernel []uint64, count, value uint64) {
	stacks, ok := c.processes[pid]
	if !ok {
		stacks = map[stackKey][]*RawSample{}
		c.processes[pid] = stacks
	}
	key := stackKey{tid: tid, hash: hashStack(user, kernel)}
	for _, s := range stacks[key] {
		if slices.Equal(s.UserStack, user) && slices.Equal(s.KernelStack, kernel) {
			s.Count += count
			s.Value += value
			return
		}
	}
	s := &RawSample{
		TID:         tid,
		UserStack:   slices.Clone(user),
		KernelStack: slices.Clone(kernel),
		Count:       count,
		Value:       value,
	}
	stacks[key] = append(stacks[key], s)
	c.order[pid] = append(c.order[pid], s)
}

// MergeFrom adds every stack of other to c.
func (c *Collector) MergeFrom(other *Collector) {
	for _, pid := range sortedPIDs(other.order) {
		for _, s := range other.order[pid] {
			c.Add(pid, s.TID, s.UserStack, s.KernelStack, s.Count, s.Value)
		}
	}
}

// RawData returns the collected stacks grouped by process, processes in pid
// order and stacks in the order they were first seen.
func (c *Collector) RawData() RawData {
	out := make(RawData, 0, len(c.order))
	for _, pid := range sortedPIDs(c.order) {
		samples := make([]RawSample, 0, len(c.order[pid]))
		for _, s := range c.order[pid] {
			samples = append(samples, *s)
		}
		out = append(out, ProcessRawData{PID: pid, RawSamples: samples})
	}
	return out
}

// Len returns the number of distinct stacks.
func (c *Collector) Len() int {
	n := 0
	for _, samples := range c.order {
		n += len(samples)
	}
	return n
}

func sortedPIDs(m map[PID][]*RawSample) []PID {
	pids := maps.Keys(m)
	slices.Sort(pids)
	return pids
}
