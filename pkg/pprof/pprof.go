// Copyright 2023-2024 The Parca Authors
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

package pprof

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	pprofprofile "github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/parca-perf/pkg/process"
	"github.com/parca-dev/parca-perf/pkg/profile"
)

// ThreadNamer returns the command name of a thread, or "" if unknown.
type ThreadNamer interface {
	ThreadName(pid, tid int) string
}

// SampleType names the second sample value, the summed period.
type SampleType struct {
	Type string
	Unit string
}

type Manager struct {
	logger  log.Logger
	metrics *converterMetrics

	threads    ThreadNamer
	sampleType SampleType
	period     int64
}

func NewManager(
	logger log.Logger,
	reg prometheus.Registerer,
	threads ThreadNamer,
	sampleType SampleType,
	period int64,
) *Manager {
	return &Manager{
		logger:     logger,
		metrics:    newConverterMetrics(reg),
		threads:    threads,
		sampleType: sampleType,
		period:     period,
	}
}

type Converter struct {
	m      *Manager
	logger log.Logger

	addrLocationIndex   map[locationKey]*pprofprofile.Location
	kernelLocationIndex map[uint64]*pprofprofile.Location

	pid           int
	mappings      process.Mappings
	kernelMapping *pprofprofile.Mapping

	result *pprofprofile.Profile
}

type locationKey struct {
	mappingID uint64
	addr      uint64
}

func (m *Manager) NewConverter(
	pid int,
	mappings process.Mappings,
	captureTime time.Time,
	duration time.Duration,
) *Converter {
	pprofMappings := mappings.ConvertToPprof()
	kernelMapping := &pprofprofile.Mapping{
		ID:   uint64(len(pprofMappings)) + 1, // +1 because pprof uses 1-indexing to be able to differentiate from 0 (unset).
		File: "[kernel.kallsyms]",
	}
	pprofMappings = append(pprofMappings, kernelMapping)

	return &Converter{
		m:      m,
		logger: log.With(m.logger, "pid", pid),

		addrLocationIndex:   map[locationKey]*pprofprofile.Location{},
		kernelLocationIndex: map[uint64]*pprofprofile.Location{},

		pid:           pid,
		mappings:      mappings,
		kernelMapping: kernelMapping,

		result: &pprofprofile.Profile{
			TimeNanos:     captureTime.UnixNano(),
			DurationNanos: duration.Nanoseconds(),
			Period:        m.period,
			SampleType: []*pprofprofile.ValueType{
				{Type: "samples", Unit: "count"},
				{Type: m.sampleType.Type, Unit: m.sampleType.Unit},
			},
			PeriodType: &pprofprofile.ValueType{
				Type: m.sampleType.Type,
				Unit: m.sampleType.Unit,
			},
			Mapping: pprofMappings,
		},
	}
}

const (
	pidLabel        = "pid"
	threadIDLabel   = "thread_id"
	threadNameLabel = "thread_name"
)

// Convert converts the stacks of one process to a pprof profile. It is
// intended to only be used once.
func (c *Converter) Convert(rawData []profile.RawSample) *pprofprofile.Profile {
	for _, sample := range rawData {
		pprofSample := &pprofprofile.Sample{
			Value:    []int64{int64(sample.Count), int64(sample.Value)},
			Location: make([]*pprofprofile.Location, 0, len(sample.UserStack)+len(sample.KernelStack)),
			Label:    make(map[string][]string),
		}

		for _, addr := range sample.KernelStack {
			pprofSample.Location = append(pprofSample.Location, c.addKernelLocation(addr))
		}

		for _, addr := range sample.UserStack {
			mappingIndex := mappingForAddr(c.result.Mapping[:len(c.mappings)], addr)
			if mappingIndex == -1 {
				c.m.metrics.frameDrop.WithLabelValues(labelFrameDropReasonMappingNil).Inc()
				level.Debug(c.logger).Log("msg", "dropping frame outside any mapping", "addr", strconv.FormatUint(addr, 16))
				continue
			}
			pprofSample.Location = append(pprofSample.Location, c.addAddrLocation(c.result.Mapping[mappingIndex], addr))
		}

		if len(pprofSample.Location) == 0 {
			c.m.metrics.stackDrop.WithLabelValues(labelStackDropReasonEmpty).Inc()
			continue
		}

		pprofSample.Label[pidLabel] = []string{strconv.Itoa(c.pid)}
		pprofSample.Label[threadIDLabel] = []string{strconv.FormatUint(uint64(sample.TID), 10)}
		if c.m.threads != nil {
			if name := c.m.threads.ThreadName(c.pid, int(sample.TID)); name != "" {
				pprofSample.Label[threadNameLabel] = []string{name}
			}
		}

		c.result.Sample = append(c.result.Sample, pprofSample)
	}

	return c.result
}

func mappingForAddr(mappings []*pprofprofile.Mapping, addr uint64) int {
	for i, m := range mappings {
		if m.Start <= addr && addr < m.Limit {
			return i
		}
	}
	return -1
}

func (c *Converter) addKernelLocation(addr uint64) *pprofprofile.Location {
	if l, ok := c.kernelLocationIndex[addr]; ok {
		return l
	}

	l := &pprofprofile.Location{
		ID:      uint64(len(c.result.Location)) + 1,
		Mapping: c.kernelMapping,
		Address: addr,
	}

	c.kernelLocationIndex[addr] = l
	c.result.Location = append(c.result.Location, l)

	return l
}

func (c *Converter) addAddrLocation(m *pprofprofile.Mapping, addr uint64) *pprofprofile.Location {
	key := locationKey{mappingID: m.ID, addr: addr}
	if l, ok := c.addrLocationIndex[key]; ok {
		return l
	}

	l := &pprofprofile.Location{
		ID:      uint64(len(c.result.Location)) + 1,
		Mapping: m,
		Address: addr,
	}

	c.addrLocationIndex[key] = l
	c.result.Location = append(c.result.Location, l)

	return l
}

// MappingsFunc returns the mappings of a process.
type MappingsFunc func(pid int) process.Mappings

// ConvertAll converts the stacks of every process and merges the results
// into one profile.
func (m *Manager) ConvertAll(data profile.RawData, mappings MappingsFunc, captureTime time.Time, duration time.Duration) (*pprofprofile.Profile, error) {
	profiles := make([]*pprofprofile.Profile, 0, len(data))
	for _, p := range data {
		prof := m.NewConverter(int(int32(p.PID)), mappings(int(int32(p.PID))), captureTime, duration).Convert(p.RawSamples)
		if len(prof.Sample) == 0 {
			continue
		}
		profiles = append(profiles, prof)
	}
	if len(profiles) == 0 {
		return m.NewConverter(0, nil, captureTime, duration).result, nil
	}

	merged, err := pprofprofile.Merge(profiles)
	if err != nil {
		return nil, fmt.Errorf("merge profiles: %w", err)
	}
	return merged, nil
}
