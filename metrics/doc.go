// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package metrics counts what a tracing session does to its tracee.

Metric IDs and their OTel instrument names are declared in metrics.json, from
which ids.go is generated. Values are forwarded to the global OTel meter
provider, which is a no-op unless the embedding program installs one, and
summed locally so that a session can log its totals when it ends:

	metrics.Add(metrics.IDInjections, 1)
	log.Infof("Session totals: %v", metrics.Snapshot())

# Directory Structure

	metrics
	├── genids/         // generates ids.go from metrics.json
	├── doc.go          // this file
	├── ids.go          // generated metric IDs
	├── metrics.go      // Add(), AddSlice(), Snapshot()
	├── metrics.json    // metric definitions, append only
	└── types.go        // Metric, MetricID, MetricValue, MetricDefinition
*/
package metrics
