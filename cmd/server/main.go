// Command mirkv-server runs a mirkv node.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/cachemir/mirkv/internal/metrics"
	"github.com/cachemir/mirkv/internal/network"
	"github.com/cachemir/mirkv/internal/server"
	"github.com/cachemir/mirkv/pkg/config"
	"github.com/cachemir/mirkv/pkg/executor"
	"github.com/cachemir/mirkv/pkg/storage"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.NewServerViper()
	var cfgFile string

	cmd := &cobra.Command{
		Use:          "mirkv-server",
		Short:        "Run a mirkv in-memory key-value node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServerConfig(v, cfgFile)
			if err != nil {
				return err
			}
			log, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("host", "0.0.0.0", "address to bind to")
	flags.Int("port", config.DefaultServerPort, "TCP port to listen on")
	flags.String("admin-addr", config.DefaultAdminAddr, "admin HTTP address, empty to disable")
	flags.String("mode", config.DefaultMode, "serving mode: pool or coro")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.Int("storage-max-bytes", config.DefaultStorageMaxBytes, "storage capacity in key+value bytes")
	flags.Int("executor-low", config.DefaultLowWatermark, "minimum executor workers")
	flags.Int("executor-high", config.DefaultHighWatermark, "maximum executor workers")
	flags.Int("executor-max-queue", config.DefaultMaxQueue, "maximum queued executor tasks")
	flags.Duration("executor-idle-wait", config.DefaultIdleWait, "idle time before a surplus worker exits")

	bind(v, flags, map[string]string{
		"host":               "host",
		"port":               "port",
		"admin_addr":         "admin-addr",
		"mode":               "mode",
		"log_level":          "log-level",
		"log_format":         "log-format",
		"storage_max_bytes":  "storage-max-bytes",
		"executor.low":       "executor-low",
		"executor.high":      "executor-high",
		"executor.max_queue": "executor-max-queue",
		"executor.idle_wait": "executor-idle-wait",
	})
	return cmd
}

func bind(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, flag := range keys {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

type nodeStats struct {
	Mode        string          `json:"mode"`
	Address     string          `json:"address"`
	Connections int             `json:"connections"`
	Executor    *executor.Stats `json:"executor,omitempty"`
	Storage     storage.Stats   `json:"storage"`
}

func run(ctx context.Context, cfg *config.ServerConfig, log *logrus.Logger) error {
	store := storage.NewLocked(storage.NewSimpleLRU(cfg.StorageMaxBytes))
	observer := metrics.NewConnections()

	var pool *executor.Executor
	if cfg.Mode == server.ModePool {
		var err error
		pool, err = executor.New(executor.Options{
			Logger:   log,
			Observer: metrics.NewExecutor(cfg.Executor.Name),
			Name:     cfg.Executor.Name,
			MaxQueue: cfg.Executor.MaxQueue,
			Low:      cfg.Executor.Low,
			High:     cfg.Executor.High,
			IdleWait: cfg.Executor.IdleWait,
		})
		if err != nil {
			return err
		}
		defer pool.Stop(true)
	}

	srv, err := server.New(server.Options{
		Logger:   log,
		Observer: observer,
		Host:     cfg.Host,
		Port:     cfg.Port,
		Mode:     cfg.Mode,
		Storage:  store,
		Executor: pool,
		Connection: network.Options{
			Observer:       observer,
			ReadBufferSize: cfg.Connection.ReadBuffer,
			MaxIOVec:       cfg.Connection.MaxIOVec,
			QueueHigh:      cfg.Connection.QueueHigh,
			QueueLow:       cfg.Connection.QueueLow,
		},
	})
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"addr": srv.Addr(), "mode": cfg.Mode}).Info("mirkv server started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)
	g.Go(func() error {
		<-ctx.Done()
		srv.Stop()
		return nil
	})

	if cfg.AdminAddr != "" {
		admin := metrics.NewAdmin(cfg.AdminAddr, func() any {
			stats := nodeStats{
				Mode:        srv.Mode(),
				Address:     srv.Addr(),
				Connections: srv.Connections(),
				Storage:     store.Stats(),
			}
			if pool != nil {
				s := pool.Stats()
				stats.Executor = &s
			}
			return stats
		}, log)
		g.Go(func() error { return admin.Run(ctx) })
	}

	return g.Wait()
}
