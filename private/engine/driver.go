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

package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relier-rpki/relier/pkg/log"
	"github.com/relier-rpki/relier/pkg/metrics"
	"github.com/relier-rpki/relier/pkg/private/serrors"
	"github.com/relier-rpki/relier/pkg/rpki/obj"
	"github.com/relier-rpki/relier/pkg/rpki/payload"
	"github.com/relier-rpki/relier/private/slurm"
	"github.com/relier-rpki/relier/private/vrpdb"
)

// Metrics instruments the validation driver. Nil members are ignored.
type Metrics struct {
	// Cycles counts validation cycles, labeled by result.
	Cycles metrics.Counter
	// CycleDuration observes wall-clock seconds per successful cycle.
	CycleDuration metrics.Histogram
	// VRPs is the size of the current served VRP set.
	VRPs metrics.Gauge
	// RouterKeys is the size of the current served router key set.
	RouterKeys metrics.Gauge
	// Rejected counts objects rejected across all cycles.
	Rejected metrics.Counter
}

// Resetter is the per-cycle reset hook of the repository fetcher.
type Resetter interface {
	Reset()
}

// Driver runs validation cycles: it re-walks every trust anchor, applies the
// SLURM overlay and commits the result to the VRP database. It implements
// periodic.Task; the cycle deadline is the task timeout. A cycle that fails
// or is cut off by the deadline commits nothing, preserving the previous
// snapshot.
type Driver struct {
	// TALs are the configured trust anchors.
	TALs []*obj.TAL
	// Walker validates individual trust anchors.
	Walker *Walker
	// DB receives the committed results.
	DB *vrpdb.DB
	// FetcherReset is invoked at cycle start to clear the synced set.
	FetcherReset Resetter
	// SLURMPath, if non-empty, is re-read every cycle.
	SLURMPath string
	// TALConcurrency bounds the per-TAL fan-out. Zero means sequential.
	TALConcurrency int
	// Metrics instruments the driver.
	Metrics Metrics

	// slurmFile caches the last good SLURM document, so a temporarily
	// unreadable file does not drop local policy.
	slurmMtx  sync.Mutex
	slurmFile *slurm.File
}

// Name implements periodic.Task.
func (d *Driver) Name() string { return "validation_driver" }

// Run executes one validation cycle.
func (d *Driver) Run(ctx context.Context) {
	logger := log.FromCtx(ctx)
	start := time.Now()
	if err := d.cycle(ctx); err != nil {
		metrics.CounterInc(metrics.CounterWith(d.Metrics.Cycles, "result", "err"))
		logger.Error("Validation cycle failed, keeping previous snapshot", "err", err)
		return
	}
	metrics.CounterInc(metrics.CounterWith(d.Metrics.Cycles, "result", "ok"))
	metrics.HistogramObserve(d.Metrics.CycleDuration, time.Since(start).Seconds())
}

func (d *Driver) cycle(ctx context.Context) error {
	logger := log.FromCtx(ctx)
	if d.FetcherReset != nil {
		d.FetcherReset.Reset()
	}
	walker := *d.Walker
	walker.Now = time.Now()

	var mtx sync.Mutex
	total := &Result{}
	g, errCtx := errgroup.WithContext(ctx)
	if d.TALConcurrency > 0 {
		g.SetLimit(d.TALConcurrency)
	} else {
		g.SetLimit(1)
	}
	for _, tal := range d.TALs {
		tal := tal
		g.Go(func() error {
			defer log.HandlePanic()
			res, err := walker.WalkTAL(errCtx, tal)
			if err != nil {
				return serrors.Wrap("walking trust anchor", err, "tal", tal.Name)
			}
			mtx.Lock()
			defer mtx.Unlock()
			total.merge(res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	metrics.CounterAdd(d.Metrics.Rejected, float64(total.Rejected))

	vrps, keys := d.applySLURM(ctx, total.VRPs, total.RouterKeys)

	serial, changed := d.DB.Commit(vrps, keys)
	snap := d.DB.CurrentSnapshot()
	metrics.GaugeSet(d.Metrics.VRPs, float64(len(snap.VRPs())))
	metrics.GaugeSet(d.Metrics.RouterKeys, float64(len(snap.RouterKeys())))
	logger.Info("Validation cycle finished",
		"serial", serial,
		"changed", changed,
		"vrps", len(snap.VRPs()),
		"router_keys", len(snap.RouterKeys()),
		"objects", total.Objects,
		"rejected", total.Rejected,
		"warnings", total.Warnings,
		"duration", time.Since(walker.Now).Round(time.Millisecond))
	return nil
}

// applySLURM loads the SLURM file if configured and applies it. The last
// good document is kept when a reload fails.
func (d *Driver) applySLURM(ctx context.Context, vrps []payload.VRP,
	keys []payload.RouterKey) ([]payload.VRP, []payload.RouterKey) {

	if d.SLURMPath == "" {
		return vrps, keys
	}
	d.slurmMtx.Lock()
	defer d.slurmMtx.Unlock()
	file, err := slurm.Load(d.SLURMPath)
	if err != nil {
		log.FromCtx(ctx).Error("SLURM reload failed, keeping previous document",
			"file", d.SLURMPath, "err", err)
	} else {
		d.slurmFile = file
	}
	if d.slurmFile == nil {
		return vrps, keys
	}
	return d.slurmFile.Apply(vrps, keys)
}
