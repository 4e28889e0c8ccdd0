// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package botvisor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botvisor_state_transitions_total",
			Help: "Bot lifecycle transitions, by target state",
		},
		[]string{"state"},
	)

	botsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "botvisor_bots_running",
			Help: "Number of bot processes currently alive",
		},
	)

	processStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "botvisor_process_starts_total",
			Help: "Bot processes launched",
		},
	)

	processKills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "botvisor_process_kills_total",
			Help: "Bot processes that needed SIGKILL after the stop timeout",
		},
	)

	queuedTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "botvisor_pool_queued_tasks",
			Help: "Deploy and start tasks waiting for a worker",
		},
	)
)

// Collectors returns the supervisor's metrics, for registration by the
// embedding program.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		stateTransitions,
		botsRunning,
		processStarts,
		processKills,
		queuedTasks,
	}
}
