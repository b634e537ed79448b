// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	AddSlice([]Metric{
		{IDInjections, 2},
		{IDSingleSteps, 5},
		{IDStepOvers, 0},
	})
	Add(IDInjections, 1)
	Add(IDTuningIteration, 1)
	Add(IDTuningIteration, 3)
	Add(IDInvalid, 7)
	Add(IDMax, 7)

	assert.Equal(t, Summary{
		IDInjections:      3,
		IDSingleSteps:     5,
		IDTuningIteration: 3,
	}, Snapshot())

	assert.Equal(t, "fossa.inject.executions=3 fossa.tracer.single_steps=5 "+
		"fossa.controller.iteration=3", Snapshot().String())

	Reset()
	assert.Empty(t, Snapshot())
}

func TestGetDefinitions(t *testing.T) {
	defs := GetDefinitions()
	assert.Greater(t, len(defs), 1)
	assert.Len(t, defs, IDMax)
	for i, d := range defs {
		assert.Equal(t, MetricID(i), d.ID, d.Name)
	}
}
