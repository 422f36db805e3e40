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

// Package config loads shmnetd's tunables from CLI flags bound into viper,
// the pack's dominant configuration library (grounded on scionproto-scion's
// cobra+viper CLI binaries). No config file or environment variables are
// read.
package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every tunable shmnetd exposes.
type Config struct {
	// VCPUCount is the number of per-vCPU transport queues to bring up.
	VCPUCount int
	// RingDepth overrides the compiled-in per-queue ring depth; 0 means
	// use the compiled-in default (see pkg/queue.RingDepth).
	RingDepth int
	// EphemeralPortBase overrides the first ephemeral port assigned; 0
	// means use the compiled-in default (see pkg/socket.FirstEphemeral).
	EphemeralPortBase int
	// MetricsAddr is the listen address for the /metrics HTTP endpoint.
	MetricsAddr string
	// LogLevel is a logrus level name (e.g. "info", "debug").
	LogLevel string
	// LocalAddr is this node's address, stamped into transmitted packets.
	LocalAddr uint32
}

// Defaults returns the zero-tunable baseline before flags are applied.
func Defaults() Config {
	return Config{
		VCPUCount:   1,
		MetricsAddr: ":9464",
		LogLevel:    "info",
	}
}

// BindFlags registers shmnetd's flags on fs and binds them into v, mirroring
// the pack's cobra-flags-into-viper wiring convention.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	d := Defaults()
	fs.Int("vcpus", d.VCPUCount, "number of per-vCPU transport queues")
	fs.Int("ring-depth", 0, "override the per-queue ring depth (0 = default)")
	fs.Int("ephemeral-port-base", 0, "override the first assigned ephemeral port (0 = default)")
	fs.String("metrics-addr", d.MetricsAddr, "listen address for the /metrics endpoint")
	fs.String("log-level", d.LogLevel, "logrus level (debug, info, warn, error)")
	fs.Uint32("local-addr", 0, "this node's address, in host byte order")

	for _, name := range []string{"vcpus", "ring-depth", "ephemeral-port-base", "metrics-addr", "log-level", "local-addr"} {
		if err := v.BindPFlag(name, fs.Lookup(name)); err != nil {
			return fmt.Errorf("config: bind flag %q: %w", name, err)
		}
	}
	return nil
}

// Load reads the bound flag values out of v into a Config.
func Load(v *viper.Viper) Config {
	return Config{
		VCPUCount:         v.GetInt("vcpus"),
		RingDepth:         v.GetInt("ring-depth"),
		EphemeralPortBase: v.GetInt("ephemeral-port-base"),
		MetricsAddr:       v.GetString("metrics-addr"),
		LogLevel:          v.GetString("log-level"),
		LocalAddr:         v.GetUint32("local-addr"),
	}
}
