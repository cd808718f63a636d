package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/paneld"
	"pkt.systems/paneld/core"
	"pkt.systems/paneld/httpapi"
	"pkt.systems/paneld/internal/appconfig"
	"pkt.systems/paneld/internal/cachekeys"
	"pkt.systems/paneld/internal/store/cachestore"
	"pkt.systems/paneld/internal/store/docstore"
	"pkt.systems/paneld/internal/store/legacy"
	"pkt.systems/paneld/schema"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the paneld server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}

			docs, err := docstore.NewWithLogger(cfg.Stores.DocDir, logger)
			if err != nil {
				return err
			}
			legacyStore, err := legacy.OpenWithLogger(cfg.Stores.LegacyDB, logger)
			if err != nil {
				return err
			}
			defer func() { _ = legacyStore.Close() }()
			keys, err := cachekeys.NewStoreWithLogger(cfg.Stores.CacheKeyStore, logger)
			if err != nil {
				return err
			}
			cache, err := cachestore.NewWithLogger(cfg.Stores.CacheDir, keys, logger)
			if err != nil {
				return err
			}

			serverCfg := paneld.ServerConfig{
				Service:    toServiceConfig(cfg.Service),
				HTTP:       toHTTPConfig(cfg.HTTP),
				Auth:       toAuthConfig(cfg.Auth),
				HubHistory: cfg.HTTP.HubHistory,
			}
			serverDeps := paneld.ServerDeps{
				ServiceDeps: core.ServiceDeps{
					Primary: docs,
					Legacy:  legacyStore,
					Cache:   cache,
					Logger:  logger,
				},
				Watcher: docs,
			}
			options := []paneld.ServerOption{paneld.WithHTTP()}
			if !noWatch {
				options = append(options, paneld.WithWatch())
			}
			server, err := paneld.New(serverCfg, serverDeps, options...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			logger.Info("http server listening", "addr", serverCfg.HTTP.Addr)
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "disable the config directory watcher")
	return cmd
}

func toServiceConfig(cfg appconfig.ServiceConfig) schema.ServiceConfig {
	return schema.ServiceConfig{
		HistoryRetention:  cfg.HistoryRetention,
		ResolveAttempts:   cfg.ResolveAttempts,
		RetryBaseDelay:    time.Duration(cfg.RetryBaseDelayMillis) * time.Millisecond,
		DeviceQuietPeriod: time.Duration(cfg.DeviceQuietMillis) * time.Millisecond,
		TabNameMax:        cfg.TabNameMax,
		GridColumns:       cfg.GridColumns,
	}
}

func toHTTPConfig(cfg appconfig.HTTPConfig) httpapi.Config {
	return httpapi.Config{
		Addr:             cfg.Addr,
		SessionCookie:    cfg.SessionCookie,
		SessionTTLHours:  cfg.SessionTTLHours,
		SessionStorePath: cfg.SessionStorePath,
		BasePath:         cfg.BasePath,
	}
}

func toAuthConfig(cfg appconfig.AuthConfig) paneld.AuthConfig {
	seeds := make([]paneld.SeedUser, 0, len(cfg.SeedUsers))
	for _, seed := range cfg.SeedUsers {
		seeds = append(seeds, paneld.SeedUser{
			Username:     seed.Username,
			PasswordHash: seed.PasswordHash,
			TOTPSecret:   seed.TOTPSecret,
		})
	}
	return paneld.AuthConfig{
		UserFile:  cfg.UserFile,
		SeedUsers: seeds,
	}
}
