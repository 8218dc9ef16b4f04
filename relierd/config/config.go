// Copyright 2024 The Relier Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config describes the configuration of the relierd daemon.
package config

import (
	"io"
	"time"

	"github.com/relier-rpki/relier/pkg/log"
	"github.com/relier-rpki/relier/pkg/private/serrors"
	"github.com/relier-rpki/relier/private/config"
	"github.com/relier-rpki/relier/private/engine"
)

// Duration is a time.Duration that (un)marshals as a string in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the relierd configuration.
type Config struct {
	General    General    `toml:"general,omitempty"`
	Logging    log.Config `toml:"log,omitempty"`
	Metrics    Metrics    `toml:"metrics,omitempty"`
	Validation Validation `toml:"validation,omitempty"`
	RTR        RTR        `toml:"rtr,omitempty"`
}

// InitDefaults implements config.Defaulter.
func (cfg *Config) InitDefaults() {
	cfg.General.InitDefaults()
	cfg.Logging.InitDefaults()
	cfg.Validation.InitDefaults()
	cfg.RTR.InitDefaults()
}

// Validate implements config.Validator.
func (cfg *Config) Validate() error {
	return config.ValidateAll(
		&cfg.General,
		&cfg.Logging,
		&cfg.Validation,
		&cfg.RTR,
	)
}

// Sample implements config.Sampler.
func (cfg *Config) Sample(dst io.Writer, _ config.Path) {
	config.WriteString(dst, sample)
}

// LogConfig returns the logging configuration, for the launcher.
func (cfg *Config) LogConfig() log.Config {
	return cfg.Logging
}

// General holds daemon-wide settings.
type General struct {
	// ID is the instance identifier used in logs and metrics.
	ID string `toml:"id,omitempty"`
	// TALDirectory holds the trust anchor locators (*.tal).
	TALDirectory string `toml:"tal_dir,omitempty"`
}

// InitDefaults sets the default TAL directory.
func (g *General) InitDefaults() {
	if g.TALDirectory == "" {
		g.TALDirectory = "/etc/relier/tals"
	}
}

// Validate checks the general section.
func (g *General) Validate() error {
	if g.TALDirectory == "" {
		return serrors.New("tal_dir must be set")
	}
	return nil
}

// Metrics holds the metrics exposure settings.
type Metrics struct {
	// Prometheus is the address the prometheus endpoint listens on. Empty
	// disables the endpoint.
	Prometheus string `toml:"prometheus,omitempty"`
}

// Validation configures the validation engine.
type Validation struct {
	// RepositoryRoot is the directory the rsync namespace is mirrored under.
	RepositoryRoot string `toml:"repository_root,omitempty"`
	// RsyncCommand is the external rsync program.
	RsyncCommand string `toml:"rsync_command,omitempty"`
	// RsyncArgs are passed to the rsync program before source and target.
	RsyncArgs []string `toml:"rsync_args,omitempty"`
	// RefreshInterval is the pause between validation cycles.
	RefreshInterval Duration `toml:"refresh_interval,omitempty"`
	// Deadline is the wall-clock bound of one cycle; an overrunning cycle
	// is discarded.
	Deadline Duration `toml:"deadline,omitempty"`
	// FetchConcurrency bounds parallel repository synchronizations.
	FetchConcurrency int `toml:"fetch_concurrency,omitempty"`
	// TALConcurrency bounds parallel per-TAL walks.
	TALConcurrency int `toml:"tal_concurrency,omitempty"`
	// StaleManifest selects the stale manifest policy: reject or warn.
	StaleManifest string `toml:"stale_manifest,omitempty"`
	// GBR selects Ghostbusters record handling: ignore or parse.
	GBR string `toml:"gbr,omitempty"`
	// HistoryRetention is the number of snapshots kept for incremental RTR
	// updates.
	HistoryRetention int `toml:"history_retention,omitempty"`
	// SLURMFile is an optional RFC 8416 local exceptions file.
	SLURMFile string `toml:"slurm_file,omitempty"`
}

// InitDefaults sets the validation defaults.
func (v *Validation) InitDefaults() {
	if v.RepositoryRoot == "" {
		v.RepositoryRoot = "/var/cache/relier/repository"
	}
	if v.RsyncCommand == "" {
		v.RsyncCommand = "rsync"
	}
	if v.RsyncArgs == nil {
		v.RsyncArgs = []string{"-rtO", "--delete", "--timeout=300"}
	}
	if v.RefreshInterval.Duration == 0 {
		v.RefreshInterval.Duration = 10 * time.Minute
	}
	if v.Deadline.Duration == 0 {
		v.Deadline.Duration = time.Hour
	}
	if v.FetchConcurrency == 0 {
		v.FetchConcurrency = 4
	}
	if v.TALConcurrency == 0 {
		v.TALConcurrency = 4
	}
	if v.StaleManifest == "" {
		v.StaleManifest = engine.StaleReject
	}
	if v.GBR == "" {
		v.GBR = engine.GBRIgnore
	}
	if v.HistoryRetention == 0 {
		v.HistoryRetention = 24
	}
}

// Validate checks the validation section.
func (v *Validation) Validate() error {
	if v.StaleManifest != engine.StaleReject && v.StaleManifest != engine.StaleWarn {
		return serrors.New("invalid stale_manifest policy", "value", v.StaleManifest)
	}
	if v.GBR != engine.GBRIgnore && v.GBR != engine.GBRParse {
		return serrors.New("invalid gbr policy", "value", v.GBR)
	}
	if v.HistoryRetention < 1 {
		return serrors.New("history_retention must be at least 1",
			"value", v.HistoryRetention)
	}
	if v.RefreshInterval.Duration <= 0 || v.Deadline.Duration <= 0 {
		return serrors.New("refresh_interval and deadline must be positive")
	}
	return nil
}

// RTR configures the RTR server.
type RTR struct {
	// Address is the TCP listen address.
	Address string `toml:"address,omitempty"`
	// Refresh, Retry and Expire are the intervals passed to clients in End
	// of Data, in seconds.
	Refresh uint32 `toml:"refresh,omitempty"`
	Retry   uint32 `toml:"retry,omitempty"`
	Expire  uint32 `toml:"expire,omitempty"`
	// IdleTimeout closes sessions with no client activity.
	IdleTimeout Duration `toml:"idle_timeout,omitempty"`
	// NotifyMinInterval spaces serial notifies per session.
	NotifyMinInterval Duration `toml:"notify_min_interval,omitempty"`
}

// InitDefaults sets the RTR defaults per RFC 8210.
func (r *RTR) InitDefaults() {
	if r.Address == "" {
		r.Address = ":323"
	}
	if r.Refresh == 0 {
		r.Refresh = 3600
	}
	if r.Retry == 0 {
		r.Retry = 600
	}
	if r.Expire == 0 {
		r.Expire = 7200
	}
	if r.IdleTimeout.Duration == 0 {
		r.IdleTimeout.Duration = time.Hour
	}
	if r.NotifyMinInterval.Duration == 0 {
		r.NotifyMinInterval.Duration = time.Minute
	}
}

// Validate checks the RTR section.
func (r *RTR) Validate() error {
	if r.Expire <= r.Refresh {
		return serrors.New("rtr expire must exceed refresh",
			"refresh", r.Refresh, "expire", r.Expire)
	}
	return nil
}

const sample = `[general]
# Instance identifier used in logs and metrics.
id = "relierd"
# Directory holding the trust anchor locators (*.tal).
tal_dir = "/etc/relier/tals"

[log.console]
# Console logging level: debug, info or error.
level = "info"
# Console encoding: human or json.
format = "human"

[metrics]
# Address of the prometheus endpoint. Empty disables it.
prometheus = "127.0.0.1:30452"

[validation]
# Local mirror of the rsync repository namespace.
repository_root = "/var/cache/relier/repository"
# External rsync program and its arguments.
rsync_command = "rsync"
rsync_args = ["-rtO", "--delete", "--timeout=300"]
# Pause between validation cycles.
refresh_interval = "10m"
# Wall-clock bound of one cycle.
deadline = "1h"
# Parallel repository synchronizations.
fetch_concurrency = 4
# Parallel per-TAL walks.
tal_concurrency = 4
# Stale manifest policy: reject or warn.
stale_manifest = "reject"
# Ghostbusters record handling: ignore or parse.
gbr = "ignore"
# Snapshots kept for incremental RTR updates.
history_retention = 24
# Optional RFC 8416 local exceptions file.
# slurm_file = "/etc/relier/slurm.json"

[rtr]
# RTR listen address.
address = ":323"
# Intervals passed to clients in End of Data, in seconds.
refresh = 3600
retry = 600
expire = 7200
# Sessions with no client activity are closed after this long.
idle_timeout = "1h"
# Minimum spacing of serial notifies per session.
notify_min_interval = "1m"
`
