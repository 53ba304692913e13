// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security
//
// Licensed under the Functional Source License, Version 1.1,
// ALv2 Future License, the terms and conditions of which are
// set forth in the "LICENSE" file included in the root directory
// of this code repository (the "License"); you may not use this
// file except in compliance with the License. You may obtain
// a copy of the License at
//
// https://fsl.software/FSL-1.1-ALv2.template.md
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcpcompute "cloud.google.com/go/compute/apiv1"
	"golang.org/x/sync/errgroup"

	"github.com/latticeforge/gpu-gateway/auth"
	"github.com/latticeforge/gpu-gateway/cloud"
	"github.com/latticeforge/gpu-gateway/config"
	"github.com/latticeforge/gpu-gateway/debug"
	"github.com/latticeforge/gpu-gateway/gateway"
	"github.com/latticeforge/gpu-gateway/lifecycle"
	"github.com/latticeforge/gpu-gateway/profiling"
	"github.com/latticeforge/gpu-gateway/registry"
	"github.com/latticeforge/gpu-gateway/userlock"
)

const serviceName = "gpu-gateway"

const defaultMaxSlotsPerWorker = 1

func main() {
	os.Exit(run())
}

func run() int {
	profiling.InitIfEnabled()
	debug.SetupLog(serviceName)

	configFile := flag.String("config", "", "path to a gpu-gateway config file")
	flag.Parse()

	cfg := config.DefaultConfig()
	if err := config.Load(*configFile, cfg); err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	instancesClient, err := gcpcompute.NewInstancesRESTClient(ctx)
	if err != nil {
		slog.Error("failed to create GCE instances client", "error", err)
		return 1
	}
	defer instancesClient.Close()

	cloudClient := cloud.NewGCEClient(cloud.GCEConfig{
		Project:           cfg.CloudAPI.Project,
		Zone:              cfg.CloudAPI.Zone,
		MachineNameFilter: cfg.CloudAPI.MachineNameFilter,
	}, instancesClient)

	reg := registry.New(defaultMaxSlotsPerWorker)
	workspaces, err := cloudClient.DiscoverGPUWorkspaces(ctx)
	if err != nil {
		slog.Error("failed to discover gpu workspaces", "error", err)
		return 1
	}
	reg.DiscoverAndSeed(workspaces)
	slog.Info("discovered gpu fleet", "workers", len(workspaces))

	authStore, err := auth.Load(cfg.Paths.APIKeysFile)
	if err != nil {
		slog.Error("failed to load api key store", "error", err)
		return 1
	}

	locks := userlock.New()
	lc := lifecycle.New(reg, cloudClient, lifecycle.NewOllamaLoader(), cfg.Timing.StartupTimeout())

	svc := gateway.NewService(reg, lc, locks, authStore, cfg.Timing, &http.Client{})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      svc.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 310 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return lc.RunLoops(gctx, lifecycle.DefaultLoopConfig(cfg.Timing.ReservationTTL()), locks)
	})

	g.Go(func() error {
		authStore.RunFlushLoop(gctx, 60*time.Second)
		return nil
	})

	g.Go(func() error {
		slog.Info("gateway listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("gateway exited with error", "error", err)
		return 1
	}
	return 0
}
