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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelDecodeErrorSkipped = "skipped"
	labelDecodeErrorFatal   = "fatal"

	labelUnwindErrorRegisters  = "invalid_registers"
	labelUnwindErrorFirstFrame = "first_frame_mismatch"
	labelUnwindErrorOther      = "other"
)

type metrics struct {
	// record level
	recordsDecoded *prometheus.CounterVec
	decodeErrors   *prometheus.CounterVec
	lostEvents     prometheus.Counter

	// sample level
	samples        prometheus.Counter
	unwindErrors   *prometheus.CounterVec
	callChainError prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		recordsDecoded: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "perf_records_decoded_total",
				Help: "Number of records decoded from the record stream.",
			},
			[]string{"type"},
		),
		decodeErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "perf_record_decode_errors_total",
				Help: "Number of records that could not be decoded.",
			},
			[]string{"kind"},
		),
		lostEvents: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "perf_lost_events_total",
			Help: "Number of samples the kernel reported as lost.",
		}),
		samples: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "perf_samples_aggregated_total",
			Help: "Number of sample records handed to the aggregator.",
		}),
		unwindErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "perf_unwind_errors_total",
				Help: "Number of samples whose user stack could not be unwound.",
			},
			[]string{"reason"},
		),
		callChainError: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "perf_callchain_errors_total",
			Help: "Number of call chain addresses outside every mapping.",
		}),
	}
	m.decodeErrors.WithLabelValues(labelDecodeErrorSkipped)
	m.decodeErrors.WithLabelValues(labelDecodeErrorFatal)

	m.unwindErrors.WithLabelValues(labelUnwindErrorRegisters)
	m.unwindErrors.WithLabelValues(labelUnwindErrorFirstFrame)
	m.unwindErrors.WithLabelValues(labelUnwindErrorOther)
	return m
}
