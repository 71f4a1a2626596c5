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
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/parca-dev/parca-perf/pkg/perf/record"
	"github.com/parca-dev/parca-perf/pkg/stack/unwind"
)

// Stats counts what happened during a run. It is updated by the reader and
// every worker at the same time.
type Stats struct {
	records        *xsync.MapOf[record.Type, *xsync.Counter]
	stopReasons    *xsync.MapOf[unwind.StopReason, *xsync.Counter]
	decodeErrors   *xsync.Counter
	samples        *xsync.Counter
	unwound        *xsync.Counter
	unwindFailures *xsync.Counter
	lostEvents     *xsync.Counter
}

func newStats() *Stats {
	return &Stats{
		records:        xsync.NewMapOf[record.Type, *xsync.Counter](),
		stopReasons:    xsync.NewMapOf[unwind.StopReason, *xsync.Counter](),
		decodeErrors:   xsync.NewCounter(),
		samples:        xsync.NewCounter(),
		unwound:        xsync.NewCounter(),
		unwindFailures: xsync.NewCounter(),
		lostEvents:     xsync.NewCounter(),
	}
}

func (s *Stats) recordDecoded(t record.Type) {
	c, _ := s.records.LoadOrCompute(t, xsync.NewCounter)
	c.Inc()
}

func (s *Stats) sampleUnwound(reason unwind.StopReason) {
	s.unwound.Inc()
	c, _ := s.stopReasons.LoadOrCompute(reason, xsync.NewCounter)
	c.Inc()
}

// Snapshot is a point in time copy of Stats.
type Snapshot struct {
	Records        map[record.Type]int64
	StopReasons    map[unwind.StopReason]int64
	DecodeErrors   int64
	Samples        int64
	Unwound        int64
	UnwindFailures int64
	LostEvents     int64
}

// TotalRecords returns the number of decoded records of every type.
func (s Snapshot) TotalRecords() int64 {
	var n int64
	for _, c := range s.Records {
		n += c
	}
	return n
}

func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		Records:        map[record.Type]int64{},
		StopReasons:    map[unwind.StopReason]int64{},
		DecodeErrors:   s.decodeErrors.Value(),
		Samples:        s.samples.Value(),
		Unwound:        s.unwound.Value(),
		UnwindFailures: s.unwindFailures.Value(),
		LostEvents:     s.lostEvents.Value(),
	}
	s.records.Range(func(t record.Type, c *xsync.Counter) bool {
		snap.Records[t] = c.Value()
		return true
	})
	s.stopReasons.Range(func(r unwind.StopReason, c *xsync.Counter) bool {
		snap.StopReasons[r] = c.Value()
		return true
	})
	return snap
}
