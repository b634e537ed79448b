// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "github.com/cuzmem/fossa/metrics"

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/cuzmem/fossa/vc"
)

var (
	//go:embed metrics.json
	metricsJSON []byte

	// definitions indexed by ID; nil for unused and obsolete IDs
	definitions [IDMax]*MetricDefinition

	// OTel metric instrumentation
	meter = otel.Meter("github.com/cuzmem/fossa",
		metric.WithInstrumentationVersion(vc.Version()))
	counters = map[MetricID]metric.Int64Counter{}
	gauges   = map[MetricID]metric.Int64Gauge{}

	// mutex protects totals
	mutex sync.Mutex
	// totals holds counter sums and last gauge values since the last Reset
	totals = Summary{}
)

func init() {
	for _, md := range GetDefinitions() {
		if md.Obsolete {
			continue
		}
		if md.ID <= IDInvalid || md.ID >= IDMax {
			panic(fmt.Sprintf("metric %s has ID %d outside [1,%d)", md.Name, md.ID, IDMax))
		}
		definitions[md.ID] = &md
		switch typ := md.Type; typ {
		case MetricTypeCounter:
			counter, err := meter.Int64Counter(md.FieldName,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Counter: %v", err)
				continue
			}
			counters[md.ID] = counter
		case MetricTypeGauge:
			gauge, err := meter.Int64Gauge(md.FieldName,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Gauge: %v", err)
				continue
			}
			gauges[md.ID] = gauge
		default:
			panic(fmt.Sprintf("Unknown metric type: %v", typ))
		}
	}
}

// IDInvalid is never assigned to a metric.
const IDInvalid = 0

// AddSlice records a batch of metrics. Counters are added to, gauges are set.
// Zero valued counters are dropped.
func AddSlice(newMetrics []Metric) {
	ctx := context.Background()

	mutex.Lock()
	defer mutex.Unlock()

	for _, m := range newMetrics {
		if m.ID <= IDInvalid || m.ID >= IDMax || definitions[m.ID] == nil {
			log.Warnf("Invalid metric id %d, skipping", m.ID)
			continue
		}
		switch definitions[m.ID].Type {
		case MetricTypeCounter:
			if m.Value == 0 {
				continue
			}
			totals[m.ID] += m.Value
			if counter, ok := counters[m.ID]; ok {
				counter.Add(ctx, int64(m.Value))
			}
		case MetricTypeGauge:
			totals[m.ID] = m.Value
			if gauge, ok := gauges[m.ID]; ok {
				gauge.Record(ctx, int64(m.Value))
			}
		}
	}
}

// Add records a single metric.
func Add(id MetricID, value MetricValue) {
	AddSlice([]Metric{{id, value}})
}

// Snapshot returns a copy of the values recorded since the last Reset.
func Snapshot() Summary {
	mutex.Lock()
	defer mutex.Unlock()

	s := make(Summary, len(totals))
	for id, v := range totals {
		s[id] = v
	}
	return s
}

// Reset clears the values returned by Snapshot. The OTel instruments are
// cumulative and not affected.
func Reset() {
	mutex.Lock()
	defer mutex.Unlock()
	totals = Summary{}
}

// String formats the summary as space separated field=value pairs ordered by ID.
func (s Summary) String() string {
	ids := make([]MetricID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var sb strings.Builder
	for _, id := range ids {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		name := fmt.Sprintf("id%d", id)
		if id < IDMax && definitions[id] != nil {
			name = definitions[id].FieldName
		}
		fmt.Fprintf(&sb, "%s=%d", name, s[id])
	}
	return sb.String()
}

// GetDefinitions returns the metric definitions from the embedded metrics.json file.
func GetDefinitions() []MetricDefinition {
	var defs []MetricDefinition

	dec := json.NewDecoder(bytes.NewReader(metricsJSON))
	dec.DisallowUnknownFields()

	err := dec.Decode(&defs)
	if err != nil {
		panic(fmt.Sprintf("extracting definitions from metrics.json: %v", err))
	}
	return defs
}
