/*
Outpost MTA - queue-first outbound mail relay.
Copyright © 2024 The Outpost MTA Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package scheduler

import "github.com/prometheus/client_golang/prometheus"

var deliveriesClaimed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "outpost",
		Subsystem: "scheduler",
		Name:      "deliveries_claimed",
		Help:      "Deliveries handed out to workers",
	},
	[]string{"zone"},
)

var deliveriesDeferred = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "outpost",
		Subsystem: "scheduler",
		Name:      "deliveries_deferred",
		Help:      "Deliveries returned to the queue after a temporary failure",
	},
	[]string{"zone"},
)

var deliveriesBounced = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "outpost",
		Subsystem: "scheduler",
		Name:      "deliveries_bounced",
		Help:      "Deliveries that failed permanently",
	},
	[]string{"zone"},
)

var deliveriesDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "outpost",
		Subsystem: "scheduler",
		Name:      "deliveries_dropped",
		Help:      "Deliveries dropped without an attempt (suppression, missing body)",
	},
	[]string{"reason"},
)

var queuedRows = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "outpost",
		Subsystem: "queue",
		Name:      "rows_queued",
		Help:      "Rows eligible for delivery right now",
	},
)

var deferredRows = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "outpost",
		Subsystem: "queue",
		Name:      "rows_deferred",
		Help:      "Rows waiting for a future attempt",
	},
)

var blacklistedEntries = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "outpost",
		Subsystem: "scheduler",
		Name:      "blacklisted_entries",
		Help:      "Live (domain, source IP) blacklist cache entries",
	},
)

var heldLocks = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "outpost",
		Subsystem: "scheduler",
		Name:      "held_locks",
		Help:      "In-memory delivery locks currently held",
	},
)

func init() {
	prometheus.MustRegister(deliveriesClaimed)
	prometheus.MustRegister(deliveriesDeferred)
	prometheus.MustRegister(deliveriesBounced)
	prometheus.MustRegister(deliveriesDropped)
	prometheus.MustRegister(queuedRows)
	prometheus.MustRegister(deferredRows)
	prometheus.MustRegister(blacklistedEntries)
	prometheus.MustRegister(heldLocks)
}
