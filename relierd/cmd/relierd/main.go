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

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/relier-rpki/relier/pkg/log"
	"github.com/relier-rpki/relier/pkg/metrics"
	"github.com/relier-rpki/relier/pkg/private/serrors"
	"github.com/relier-rpki/relier/pkg/rpki/obj"
	"github.com/relier-rpki/relier/private/app/launcher"
	"github.com/relier-rpki/relier/private/engine"
	"github.com/relier-rpki/relier/private/fetch"
	"github.com/relier-rpki/relier/private/periodic"
	"github.com/relier-rpki/relier/private/rtrsrv"
	"github.com/relier-rpki/relier/private/vrpdb"
	"github.com/relier-rpki/relier/relierd/config"
)

var globalCfg config.Config

func main() {
	application := launcher.Application{
		TOMLConfig: &globalCfg,
		ShortName:  "Relier RPKI Validator",
		Main:       realMain,
	}
	application.Run()
}

func realMain(ctx context.Context) error {
	tals, loadResult, err := obj.LoadTALs(globalCfg.General.TALDirectory)
	if err != nil {
		return serrors.Wrap("loading trust anchor locators", err,
			"dir", globalCfg.General.TALDirectory)
	}
	for file, loadErr := range loadResult.Ignored {
		log.Error("Ignoring unusable TAL", "file", file, "err", loadErr)
	}
	log.Info("Loaded trust anchor locators", "files", loadResult.Loaded)

	fetcher := fetch.New(fetch.Config{
		Root: globalCfg.Validation.RepositoryRoot,
		Syncer: fetch.CommandSyncer{
			Command: globalCfg.Validation.RsyncCommand,
			Args:    globalCfg.Validation.RsyncArgs,
		},
		Concurrency: globalCfg.Validation.FetchConcurrency,
	})

	var server *rtrsrv.Server
	db := vrpdb.New(vrpdb.Config{
		Retain:    globalCfg.Validation.HistoryRetention,
		SessionID: uint16(time.Now().Unix()),
		OnCommit: func(serial uint32) {
			server.NotifySerial(serial)
		},
	})
	server = rtrsrv.New(rtrsrv.Config{
		Address:           globalCfg.RTR.Address,
		DB:                db,
		Refresh:           globalCfg.RTR.Refresh,
		Retry:             globalCfg.RTR.Retry,
		Expire:            globalCfg.RTR.Expire,
		IdleTimeout:       globalCfg.RTR.IdleTimeout.Duration,
		NotifyMinInterval: globalCfg.RTR.NotifyMinInterval.Duration,
		Metrics:           rtrMetrics(),
	})

	driver := &engine.Driver{
		TALs: tals,
		Walker: &engine.Walker{
			Fetcher: fetcher,
			Policy: engine.Policy{
				StaleManifest: globalCfg.Validation.StaleManifest,
				GBR:           globalCfg.Validation.GBR,
			},
		},
		DB:             db,
		FetcherReset:   fetcher,
		SLURMPath:      globalCfg.Validation.SLURMFile,
		TALConcurrency: globalCfg.Validation.TALConcurrency,
		Metrics:        driverMetrics(),
	}

	g, errCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer log.HandlePanic()
		return server.Run(errCtx)
	})

	runner := periodic.Start(driver,
		globalCfg.Validation.RefreshInterval.Duration,
		globalCfg.Validation.Deadline.Duration)
	// Serve routers as soon as the first cycle finishes instead of waiting
	// for the first tick.
	runner.TriggerRun()

	if addr := globalCfg.Metrics.Prometheus; addr != "" {
		metricsServer := &http.Server{Addr: addr, Handler: promhttp.Handler()}
		log.Info("Exposing prometheus metrics", "addr", addr)
		g.Go(func() error {
			defer log.HandlePanic()
			err := metricsServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return serrors.Wrap("serving prometheus metrics", err)
			}
			return nil
		})
		g.Go(func() error {
			defer log.HandlePanic()
			<-errCtx.Done()
			return metricsServer.Close()
		})
	}

	g.Go(func() error {
		defer log.HandlePanic()
		<-errCtx.Done()
		runner.Kill()
		return server.Close()
	})
	return g.Wait()
}

func driverMetrics() engine.Metrics {
	return engine.Metrics{
		Cycles: metrics.NewPromCounterFrom(prometheus.CounterOpts{
			Name: "validation_cycles_total",
			Help: "Total number of validation cycles.",
		}, []string{"result"}),
		CycleDuration: metrics.NewPromHistogramFrom(prometheus.HistogramOpts{
			Name:    "validation_cycle_duration_seconds",
			Help:    "Wall-clock duration of successful validation cycles.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{}),
		VRPs: metrics.NewPromGauge(newGaugeVec("validation_vrps",
			"Number of VRPs in the current served snapshot.")),
		RouterKeys: metrics.NewPromGauge(newGaugeVec("validation_router_keys",
			"Number of router keys in the current served snapshot.")),
		Rejected: metrics.NewPromCounterFrom(prometheus.CounterOpts{
			Name: "validation_rejected_objects_total",
			Help: "Total number of objects rejected during validation.",
		}, []string{}),
	}
}

func rtrMetrics() rtrsrv.Metrics {
	return rtrsrv.Metrics{
		SessionsActive: metrics.NewPromGauge(newGaugeVec("rtr_sessions_active",
			"Number of connected RTR clients.")),
		PDUsReceived: metrics.NewPromCounterFrom(prometheus.CounterOpts{
			Name: "rtr_pdus_received_total",
			Help: "Total number of PDUs received from RTR clients.",
		}, []string{}),
		PDUsSent: metrics.NewPromCounterFrom(prometheus.CounterOpts{
			Name: "rtr_pdus_sent_total",
			Help: "Total number of PDUs sent to RTR clients.",
		}, []string{}),
		NotifiesSent: metrics.NewPromCounterFrom(prometheus.CounterOpts{
			Name: "rtr_notifies_sent_total",
			Help: "Total number of serial notifies sent to RTR clients.",
		}, []string{}),
		ProtocolErrors: metrics.NewPromCounterFrom(prometheus.CounterOpts{
			Name: "rtr_protocol_errors_total",
			Help: "Total number of error reports sent to RTR clients.",
		}, []string{}),
	}
}

func newGaugeVec(name, help string) *prometheus.GaugeVec {
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, []string{})
	prometheus.MustRegister(gv)
	return gv
}
