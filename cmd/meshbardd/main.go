/*
 * meshbard - low-bandwidth bundle synchronisation daemon.
 * Copyright (C) 2026-present the meshbard authors.
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation; either version 2 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License along
 * with this program; if not, write to the Free Software Foundation, Inc.,
 * 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.
 */

// Command meshbardd wires the config, logging, metrics, a UDP
// broadcast radio, and the engine's tick/decode loops into a runnable
// node.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jbblache/lbard/cache"
	"github.com/jbblache/lbard/config"
	"github.com/jbblache/lbard/engine"
	"github.com/jbblache/lbard/metrics"
	"github.com/jbblache/lbard/mlog"
	"github.com/jbblache/lbard/partial"
	"github.com/jbblache/lbard/radio"
	"github.com/jbblache/lbard/store"
)

// manifestHeaderLength is a placeholder wire format for the manifest
// header: two big-endian uint32 lengths. The real Rhizome manifest
// format is outside this engine's scope; a deployment pairing
// meshbardd with an actual manifest decoder supplies its own
// partial.ManifestHeaderParser here instead.
const manifestHeaderLength = 8

func parseManifestHeader(prefix []byte) (manifestLength, bodyLength uint32, ok bool) {
	if len(prefix) < manifestHeaderLength {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(prefix[0:4]), binary.BigEndian.Uint32(prefix[4:8]), true
}

var _ partial.ManifestHeaderParser = parseManifestHeader

var configPath string

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "meshbardd",
		Short: "Store-and-forward bundle synchronisation daemon",
		Long: `meshbardd periodically broadcasts advertisement frames announcing and
carrying pieces of locally held bundles, and reassembles bundles
broadcast by peers, over a low-bandwidth, lossy, broadcast-style link.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default /etc/meshbard/meshbard.yaml)")
	config.BindFlags(cmd, v)

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	base := logrus.StandardLogger()
	base.SetFormatter(&logrus.JSONFormatter{})
	// instanceID distinguishes this process's log lines across
	// restarts, the same per-run correlation id pattern dittofs's test
	// helpers stamp onto generated records (there: uuid.New().String()).
	instanceID := uuid.New().String()
	log := base.WithField("instance_id", instanceID)

	sid, err := cfg.SIDPrefix()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var fetcher cache.Fetcher
	if cfg.LegacyStore {
		fetcher = store.NewLegacyClient(cfg.StoreServer, cfg.StoreCredential, 10*time.Second)
	} else {
		fetcher = store.NewHTTPClient("http://"+cfg.StoreServer, "meshbard", cfg.StoreCredential)
	}

	e := engine.NewEngine(engine.Config{
		SID:                  sid,
		AntiStarvation:       cfg.AntiStarvation,
		PartialCapacity:      cfg.MaxPartials,
		MaxRecentSenders:     cfg.MaxRecentSenders,
		Fetcher:              fetcher,
		ManifestHeaderParser: parseManifestHeader,
		Metrics:              m,
		Log:                  mlog.NewLogrus(log),
	})

	sink, err := radio.NewUDPSink(cfg.RadioAddr, func(err error) {
		log.WithError(err).Warn("radio send failed")
	})
	if err != nil {
		return fmt.Errorf("meshbardd: open radio sink: %w", err)
	}
	defer sink.Close()

	source, err := radio.NewUDPSource(cfg.RadioAddr)
	if err != nil {
		return fmt.Errorf("meshbardd: open radio source: %w", err)
	}
	defer source.Close()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	defer metricsServer.Close()

	go recvLoop(ctx, e, source, log)
	tickLoop(ctx, e, sink, cfg, log)

	return nil
}

// recvLoop decodes and dispatches inbound frames serially, per §5's
// single decode path; Recv's blocking read is the loop's only
// suspension point.
func recvLoop(ctx context.Context, e *engine.Engine, source *radio.UDPSource, log logrus.FieldLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		frame, meta, err := source.Recv()
		if err != nil {
			log.WithError(err).Warn("radio recv failed")
			continue
		}
		e.HandleFrame(frame, meta)
	}
}

// tickLoop drives BuildFrame on cfg.TickInterval until ctx is done.
func tickLoop(ctx context.Context, e *engine.Engine, sink *radio.UDPSink, cfg *config.Config, log logrus.FieldLogger) {
	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := e.BuildFrame(cfg.MTU)
			if err != nil {
				log.WithError(err).Error("build frame")
				continue
			}
			sink.Send(frame)
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "meshbardd:", err)
		os.Exit(1)
	}
}
