package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/helixchat/offsync/internal/config"
	"github.com/helixchat/offsync/internal/httpapi"
	"github.com/helixchat/offsync/internal/offsync"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "offsyncd",
		Short: "Offline sync queue daemon",
		Long:  "offsyncd owns the durable operation queue for a chat client and drains it into the remote store whenever connectivity allows.",
	}

	var configPath string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	serveCmd.Flags().StringVar(&configPath, "config", os.Getenv("OFFSYNC_CONFIG"), "path to the JSON config file")
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("offsyncd", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(configPath string) error {
	logger := log.New(os.Stderr, "[offsyncd] ", log.LstdFlags)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var delivery offsync.RemoteDelivery
	if cfg.RemoteBaseURL != "" {
		httpDelivery, err := offsync.NewHTTPDelivery(offsync.HTTPDeliveryOptions{
			BaseURL:   cfg.RemoteBaseURL,
			AuthToken: cfg.RemoteToken,
			DeviceID:  cfg.DeviceID,
			UserAgent: "offsyncd/" + version,
		})
		if err != nil {
			return err
		}
		delivery = httpDelivery
	} else {
		logger.Printf("no remote base URL configured, operations will queue without draining")
	}

	monitor := offsync.NewConnectivityMonitor(true, cfg.DebounceInterval.Std())
	engine, err := offsync.NewEngine(offsync.Options{
		StoreDSN:          cfg.StoreDSN,
		Delivery:          delivery,
		Monitor:           monitor,
		Logger:            log.New(os.Stderr, "[offsync] ", log.LstdFlags),
		DeviceID:          cfg.DeviceID,
		MaxRetries:        cfg.MaxRetries,
		BaseDelay:         cfg.BaseDelay.Std(),
		MaxDelay:          cfg.MaxDelay.Std(),
		DeliveryTimeout:   cfg.DeliveryTimeout.Std(),
		AutoDrainInterval: cfg.AutoDrainInterval.Std(),
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.ProbeURL != "" {
		go monitor.StartProbe(ctx, offsync.ProbeOptions{
			URL:       cfg.ProbeURL,
			Interval:  cfg.ProbeInterval.Std(),
			Threshold: cfg.ProbeThreshold,
		})
		logger.Printf("connectivity probe polling %s", cfg.ProbeURL)
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(next config.Config) {
			// Queue and store settings need a restart; only note the change.
			logger.Printf("config file changed, restart to apply new settings")
		})
		if err != nil {
			logger.Printf("config watch unavailable: %v", err)
		} else if err := watcher.Start(); err != nil {
			logger.Printf("config watch failed to start: %v", err)
		} else {
			defer watcher.Stop()
			go func() {
				for err := range watcher.Errors() {
					logger.Printf("config watch: %v", err)
				}
			}()
		}
	}

	api := httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
		AuthToken:       cfg.APIToken,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow.Std(),
		MaxBodyBytes:    cfg.MaxBodyBytes,
	})
	defer api.Close()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("offsyncd %s listening on %s (store %s)", version, cfg.Addr, cfg.StoreDSN)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Printf("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	}
	return nil
}
