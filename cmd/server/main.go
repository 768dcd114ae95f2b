/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"reward-ledger-go/internal/api"
	"reward-ledger-go/internal/common"
	"reward-ledger-go/internal/config"
	"reward-ledger-go/internal/merge"
	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/reconciler"

	"go.uber.org/zap"
)

// stopper is anything the shutdown sequence has to wait for
type stopper interface {
	Stop()
}

func main() {
	withdrawals := flag.Bool("withdrawals", true, "Enable the withdrawal processor (requires Prime credentials)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting reward ledger server", zap.String("listen_addr", cfg.Server.ListenAddr))

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	if *withdrawals {
		if err := services.InitializeWithdrawals(cfg); err != nil {
			zap.L().Fatal("Failed to initialize withdrawals", zap.Error(err))
		}
		if _, err := services.Withdrawals.Recover(ctx); err != nil {
			zap.L().Error("Withdrawal recovery failed", zap.Error(err))
		}
	} else {
		zap.L().Warn("Withdrawals disabled; withdrawal endpoints will answer 503")
	}

	var background []stopper

	if cfg.Merge.Enabled {
		if err := services.InitializeMerge(cfg); err != nil {
			zap.L().Fatal("Failed to initialize merge", zap.Error(err))
		}
		scheduler := merge.NewScheduler(services.Merger, cfg.Merge.Interval)
		scheduler.Start(ctx)
		background = append(background, scheduler)
	}

	var fetcher reconciler.EventFetcher
	if cfg.Listener.NetworkURL != "" {
		network, err := reconciler.NewNetworkClient(reconciler.NetworkClientConfig{
			BaseURL:        cfg.Listener.NetworkURL,
			APIKey:         cfg.Listener.NetworkAPIKey,
			Source:         cfg.Listener.Source,
			PageSize:       cfg.Listener.PageSize,
			RequestTimeout: cfg.Listener.RequestTimeout,
		})
		if err != nil {
			zap.L().Fatal("Failed to create network client", zap.Error(err))
		}
		fetcher = network

		poller := reconciler.NewPoller(reconciler.PollerConfig{
			Network:         network,
			Reconciler:      services.Reconciler,
			Cursors:         services.DbService,
			Metrics:         services.Metrics,
			LookbackWindow:  cfg.Listener.LookbackWindow,
			PollingInterval: cfg.Listener.PollingInterval,
			CleanupInterval: cfg.Listener.CleanupInterval,
			MinBackoff:      cfg.Listener.MinBackoff,
			MaxBackoff:      cfg.Listener.MaxBackoff,
			Quiet:           true,
		})
		poller.Start(ctx)
		background = append(background, poller)
	} else {
		zap.L().Info("NETWORK_URL not set; polling disabled, webhooks only")
	}

	generic := reconciler.NewGenericAdapter(cfg.Listener.Source, fetcher)
	adapters := reconciler.NewRegistry(generic, reconciler.NewImpactAdapter())

	var consumer *reconciler.QueueConsumer
	if cfg.Queue.URL != "" {
		consumer = reconciler.NewQueueConsumer(reconciler.QueueConfig{
			URL:      cfg.Queue.URL,
			Queue:    cfg.Queue.Queue,
			Prefetch: cfg.Queue.Prefetch,
			Workers:  cfg.Queue.Workers,
		}, generic, services.Reconciler)
		if err := consumer.Start(); err != nil {
			zap.L().Fatal("Failed to start queue consumer", zap.Error(err))
		}
	}

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           buildHandler(cfg, services, adapters),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	zap.L().Info("Server running", zap.Int("background_workers", len(background)))
	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zap.L().Info("Shutdown signal received, stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("HTTP server shutdown incomplete", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, s := range background {
			wg.Add(1)
			go func(s stopper) {
				defer wg.Done()
				s.Stop()
			}(s)
		}
		if consumer != nil {
			consumer.Close()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("All workers stopped gracefully")
	case <-shutdownCtx.Done():
		zap.L().Warn("Forced shutdown after timeout")
	}
}

func buildHandler(cfg *models.Config, services *common.Services, adapters reconciler.Registry) http.Handler {
	apiCfg := api.Config{
		Store: services.DbService,
		Locks: services.Vesting,
		Links: services.Partners,
	}
	// a nil *Processor must not become a non-nil interface
	if services.Withdrawals != nil {
		apiCfg.Withdrawals = services.Withdrawals
	}

	return api.NewServer(api.ServerConfig{
		Service:           api.NewLedgerService(apiCfg),
		Reconciler:        services.Reconciler,
		Adapters:          adapters,
		APIToken:          cfg.Server.APIToken,
		WebhookSecrets:    cfg.Server.WebhookSecrets,
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
		Burst:             cfg.Server.Burst,
		Metrics:           services.Metrics,
	}).Handler()
}
