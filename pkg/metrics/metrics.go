// Copyright 2018 The gVisor Authors.
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

// Package metrics exposes per-queue transport Stats as prometheus gauges,
// grounded directly on scionproto-scion's
// go/godispatcher/internal/metrics/metrics.go (package-level prometheus
// vars, sync.Once-guarded Init, namespace constant).
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"shmnet.dev/shmnet/pkg/queue"
)

const namespace = "shmnet"

// queueLabel is the label name for the per-vCPU queue dimension.
const queueLabel = "vcpu"

var (
	RxPacketsTotal       *prometheus.GaugeVec
	RxSockQueueFullTotal *prometheus.GaugeVec
	RxWakeupsTotal       *prometheus.GaugeVec
	TxPacketsTotal       *prometheus.GaugeVec
	TxErrorsTotal        *prometheus.GaugeVec

	OpenSockets prometheus.Gauge
)

var initOnce sync.Once

// Init registers the shmnet metrics with the default prometheus registry.
// Safe to call more than once; only the first call takes effect.
func Init() {
	initOnce.Do(initMetrics)
}

func initMetrics() {
	RxPacketsTotal = newGaugeVec("rx_packets_total", "Packets received per transport queue.")
	RxSockQueueFullTotal = newGaugeVec("rx_sockqueue_full_total", "Receives dropped because a socket's RX queue was full, per transport queue.")
	RxWakeupsTotal = newGaugeVec("rx_wakeups_total", "Times a transport queue's poll thread went to sleep waiting for the device, per queue.")
	TxPacketsTotal = newGaugeVec("tx_packets_total", "Packets transmitted per transport queue.")
	TxErrorsTotal = newGaugeVec("tx_errors_total", "Transmit failures per transport queue.")

	OpenSockets = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_sockets",
		Help:      "Number of sockets currently registered.",
	})
	prometheus.MustRegister(OpenSockets)
}

func newGaugeVec(name, help string) *prometheus.GaugeVec {
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, []string{queueLabel})
	prometheus.MustRegister(gv)
	return gv
}

// Observe updates every gauge from a queue.Stats snapshot for the given
// vCPU index. Call periodically (e.g. from a ticker in cmd/shmnetd) since
// Stats is a point-in-time copy, not a live prometheus collector.
func Observe(vcpu int, s queue.Stats) {
	label := prometheus.Labels{queueLabel: strconv.Itoa(vcpu)}
	RxPacketsTotal.With(label).Set(float64(s.RxPkts))
	RxSockQueueFullTotal.With(label).Set(float64(s.RxSockQFull))
	RxWakeupsTotal.With(label).Set(float64(s.RxWakeups))
	TxPacketsTotal.With(label).Set(float64(s.TxPkts))
	TxErrorsTotal.With(label).Set(float64(s.TxErrors))
}
