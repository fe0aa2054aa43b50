// Copyright 2025 Helios Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics published by the cluster membership manager.
var (
	LiveExecutorGroups    prometheus.Gauge
	HealthyExecutorGroups prometheus.Gauge
	TotalBackends         prometheus.Gauge
)

func init() {
	InitClusterMembershipMetrics()
}

// InitClusterMembershipMetrics initializes the cluster membership metrics.
func InitClusterMembershipMetrics() {
	LiveExecutorGroups = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "helios",
			Subsystem: "cluster_membership",
			Name:      "executor_groups",
			Help:      "Number of executor groups with at least one live executor.",
		})
	HealthyExecutorGroups = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "helios",
			Subsystem: "cluster_membership",
			Name:      "healthy_executor_groups",
			Help:      "Number of executor groups in a healthy state.",
		})
	TotalBackends = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "helios",
			Subsystem: "cluster_membership",
			Name:      "backends",
			Help:      "Total number of backends registered with the statestore.",
		})
}

// RegisterMetrics registers all metrics with the given registry.
func RegisterMetrics(r *prometheus.Registry) {
	r.MustRegister(LiveExecutorGroups)
	r.MustRegister(HealthyExecutorGroups)
	r.MustRegister(TotalBackends)
}
