package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/remoralabs/remora/internal/api"
	"github.com/remoralabs/remora/internal/config"
	"github.com/remoralabs/remora/internal/cuda"
	"github.com/remoralabs/remora/internal/device"
	"github.com/remoralabs/remora/internal/logger"
	"github.com/remoralabs/remora/internal/oob"
	"github.com/remoralabs/remora/internal/transport"
	"github.com/remoralabs/remora/internal/workspace"
)

func main() {
	var configPath string
	var cfg *config.Config
	var zapLogger *zap.Logger
	var rootLogger *zap.Logger

	app := &cli.App{
		Name:  "remorad",
		Usage: "The remora accelerator-remoting daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Value:       "remorad.yaml",
				Usage:       "Path to the daemon configuration file",
				EnvVars:     []string{"REMORAD_CONFIG"},
				Destination: &configPath,
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			cfg, err = config.LoadConfig(configPath)
			if err != nil {
				if !os.IsNotExist(err) {
					return err
				}
				cfg = config.Default()
			}
			if cfg.Daemon.LogPath != "" {
				zapLogger, err = logger.NewFile(cfg.Logger.Verbosity, cfg.Daemon.LogPath)
			} else {
				zapLogger, err = logger.New(cfg.Logger.Verbosity)
			}
			if err != nil {
				return err
			}
			rootLogger = zapLogger.Named("remorad")
			return nil
		},
		Commands: []*cli.Command{
			startCommand(&cfg, &rootLogger),
		},
	}

	if err := app.Run(os.Args); err != nil {
		if rootLogger != nil {
			rootLogger.Fatal("failed to run app", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

func startCommand(cfg **config.Config, log **zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Start the remoting daemon",
		Action: func(c *cli.Context) error {
			return startDaemon(*cfg, *log)
		},
	}
}

func startDaemon(cfg *config.Config, log *zap.Logger) error {
	drv := device.NewMock()
	types := cuda.NewRegistry()
	apis := api.NewRegistry()
	cuda.RegisterAPIs(apis)

	ws, err := workspace.New(workspace.Options{
		Log:            log,
		Drv:            drv,
		APIs:           apis,
		Types:          types,
		CkptIntervalMs: cfg.Checkpoint.IntervalMs,
		QueueCapacity:  cfg.Pipeline.QueueCapacity,
	})
	if err != nil {
		log.Fatal("failed to create workspace", zap.Error(err))
	}
	ws.Start()
	defer ws.Stop()

	oobServer, err := oob.NewServer(cfg.Daemon.ListenAddress, log)
	if err != nil {
		log.Fatal("failed to start oob server", zap.Error(err))
	}
	workspace.RegisterOOBHandlers(oobServer, ws)

	migListener, err := transport.Listen(cfg.Daemon.MigrationAddress)
	if err != nil {
		log.Fatal("failed to bind migration endpoint", zap.Error(err))
	}

	var g errgroup.Group
	g.Go(func() error {
		log.Info("oob server listening", zap.String("address", oobServer.Addr()))
		return oobServer.Serve()
	})
	g.Go(func() error {
		log.Info("migration endpoint listening", zap.String("address", migListener.Addr()))
		return ws.ServeMigration(migListener)
	})
	g.Go(func() error {
		log.Info("metrics listening", zap.String("address", cfg.Daemon.MetricsAddress))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		return http.ListenAndServe(cfg.Daemon.MetricsAddress, mux)
	})
	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		s := <-sig
		log.Info("shutting down", zap.String("signal", s.String()))
		oobServer.Close()
		migListener.Close()
		return nil
	})
	return g.Wait()
}
