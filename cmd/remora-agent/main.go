package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/remoralabs/remora/internal/agent"
	"github.com/remoralabs/remora/internal/logger"
)

func main() {
	app := &cli.App{
		Name:  "remora-agent",
		Usage: "Register a client process on the remora daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "remora-agent.yaml",
				Usage:   "Path to the agent configuration file",
				EnvVars: []string{"REMORA_AGENT_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity",
			},
		},
		Action: func(c *cli.Context) error {
			zapLogger, err := logger.New(c.String("verbosity"))
			if err != nil {
				return err
			}
			log := zapLogger.Named("remora-agent")

			a, err := agent.New(c.String("config"), log)
			if err != nil {
				return err
			}

			log.Info("agent running, press ctrl-c to unregister",
				zap.Uint64("uuid", a.UUID()),
				zap.String("job", a.JobName()))
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			return a.Close()
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
