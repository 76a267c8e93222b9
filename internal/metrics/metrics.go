/*
Copyright 2024 The AgentCP Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics holds the Prometheus collectors shared across the
// heartbeat, signalling, and group sync engines. Components increment
// these directly rather than each defining and registering their own.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HeartbeatReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentcp",
		Subsystem: "heartbeat",
		Name:      "reconnects_total",
		Help:      "Total number of heartbeat engine reconnect cycles triggered.",
	})

	HeartbeatSendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentcp",
		Subsystem: "heartbeat",
		Name:      "send_failures_total",
		Help:      "Total number of failed heartbeat datagram sends.",
	})

	HeartbeatRecvFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentcp",
		Subsystem: "heartbeat",
		Name:      "recv_failures_total",
		Help:      "Total number of failed heartbeat datagram reads.",
	})

	SignalingReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentcp",
		Subsystem: "signaling",
		Name:      "reconnects_total",
		Help:      "Total number of signalling transport reconnect cycles triggered.",
	})

	SignalingQueueDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentcp",
		Subsystem: "signaling",
		Name:      "outbound_queue_drops_total",
		Help:      "Total number of outbound frames dropped because the queue was full while disconnected.",
	})

	GroupSyncLagSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentcp",
		Subsystem: "groupsync",
		Name:      "lag_seconds",
		Help:      "Seconds since the last successful checksum verification, per group.",
	}, []string{"group_id"})

	GroupSyncAckFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcp",
		Subsystem: "groupsync",
		Name:      "ack_failures_total",
		Help:      "Total number of failed cursor acknowledgements, per group.",
	}, []string{"group_id"})
)

func init() {
	prometheus.MustRegister(
		HeartbeatReconnects,
		HeartbeatSendFailures,
		HeartbeatRecvFailures,
		SignalingReconnects,
		SignalingQueueDrops,
		GroupSyncLagSeconds,
		GroupSyncAckFailures,
	)
}
