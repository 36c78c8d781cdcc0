package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/remoralabs/remora/internal/api"
	"github.com/remoralabs/remora/internal/oob"
)

func main() {
	var daemonAddr string

	app := &cli.App{
		Name:  "remoractl",
		Usage: "Operator CLI for the remora daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "daemon",
				Value:       fmt.Sprintf("127.0.0.1:%d", oob.DefaultServerPort),
				Usage:       "Daemon control endpoint",
				EnvVars:     []string{"REMORA_DAEMON"},
				Destination: &daemonAddr,
			},
		},
		Commands: []*cli.Command{
			migrateCommand(&daemonAddr),
			restoreCommand(&daemonAddr),
			ckptIntervalCommand(&daemonAddr),
			mockCallCommand(&daemonAddr),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func migrateCommand(daemon *string) *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Drive migration phases for one client",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "uuid", Required: true, Usage: "Client uuid"},
			&cli.StringFlag{Name: "target", Required: true, Usage: "Target migration endpoint host:port"},
			&cli.BoolFlag{Name: "precopy", Usage: "Run remote-malloc and precopy"},
			&cli.BoolFlag{Name: "deltacopy", Usage: "Run deltacopy"},
			&cli.BoolFlag{Name: "tear", Usage: "Tear source-side resources"},
			&cli.BoolFlag{Name: "restore", Usage: "Finalize restore on the target"},
			&cli.BoolFlag{Name: "all", Usage: "Run the non-incremental allcopy/allreload baseline"},
			&cli.BoolFlag{Name: "modules", Usage: "Also tear and reload modules"},
		},
		Action: func(c *cli.Context) error {
			var mask uint32
			if c.Bool("precopy") {
				mask |= api.PhaseRemoteMalloc | api.PhasePrecopy
			}
			if c.Bool("deltacopy") {
				mask |= api.PhaseDeltacopy
			}
			if c.Bool("tear") {
				mask |= api.PhaseTear
			}
			if c.Bool("restore") {
				mask |= api.PhaseRestore
			}
			if c.Bool("all") {
				mask |= api.PhaseAllCopy | api.PhaseAllReload
			}
			if mask == 0 {
				mask = api.PhaseRemoteMalloc | api.PhasePrecopy | api.PhaseDeltacopy | api.PhaseTear | api.PhaseRestore
			}
			var resp oob.MigrationSignalResp
			err := oob.NewClient(*daemon).Call(oob.MsgCLIMigrationSignal, oob.MigrationSignalReq{
				UUID:      c.Uint64("uuid"),
				Target:    c.String("target"),
				PhaseMask: mask,
				DoModule:  c.Bool("modules"),
			}, &resp)
			if err != nil {
				return err
			}
			if resp.Code != 0 {
				return fmt.Errorf("migration failed with code %d", resp.Code)
			}
			fmt.Println("migration signal completed")
			return nil
		},
	}
}

func restoreCommand(daemon *string) *cli.Command {
	return &cli.Command{
		Name:  "restore",
		Usage: "Restore a client from a checkpoint image",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "uuid", Required: true, Usage: "Client uuid"},
			&cli.StringFlag{Name: "image", Required: true, Usage: "Checkpoint image path"},
		},
		Action: func(c *cli.Context) error {
			var resp oob.RestoreSignalResp
			err := oob.NewClient(*daemon).Call(oob.MsgCLIRestoreSignal, oob.RestoreSignalReq{
				UUID:      c.Uint64("uuid"),
				ImagePath: c.String("image"),
			}, &resp)
			if err != nil {
				return err
			}
			if resp.Code != 0 {
				return fmt.Errorf("restore failed with code %d", resp.Code)
			}
			fmt.Println("restore completed")
			return nil
		},
	}
}

func ckptIntervalCommand(daemon *string) *cli.Command {
	return &cli.Command{
		Name:  "ckpt-interval",
		Usage: "Set the continuous checkpoint interval in milliseconds (0 disables)",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "ms", Required: true, Usage: "Interval in milliseconds"},
		},
		Action: func(c *cli.Context) error {
			var resp oob.CkptIntervalResp
			err := oob.NewClient(*daemon).Call(oob.MsgCLICkptInterval, oob.CkptIntervalReq{
				IntervalMs: c.Uint64("ms"),
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Println("checkpoint interval updated")
			return nil
		},
	}
}

func mockCallCommand(daemon *string) *cli.Command {
	return &cli.Command{
		Name:  "mock-call",
		Usage: "Inject an API call through the pipeline (testing hook)",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "uuid", Required: true, Usage: "Client uuid"},
			&cli.Uint64Flag{Name: "api", Required: true, Usage: "API id"},
			&cli.Uint64Flag{Name: "ret-len", Value: 8, Usage: "Return buffer length"},
			&cli.StringSliceFlag{Name: "value", Usage: "Scalar parameter (decimal)"},
		},
		Action: func(c *cli.Context) error {
			var params []oob.MockParam
			for _, v := range c.StringSlice("value") {
				var x uint64
				if _, err := fmt.Sscanf(v, "%d", &x); err != nil {
					return fmt.Errorf("invalid value %q: %w", v, err)
				}
				p := api.Value(x, 8)
				params = append(params, oob.MockParam{Kind: uint8(p.Kind), Size: p.Size, Data: p.Data})
			}
			var resp oob.MockApiCallResp
			err := oob.NewClient(*daemon).Call(oob.MsgUtilsMockApiCall, oob.MockApiCallReq{
				UUID:   c.Uint64("uuid"),
				APIID:  c.Uint64("api"),
				Params: params,
				RetLen: c.Uint64("ret-len"),
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Printf("code=%d ret_code=%d ret_data=%s\n", resp.Code, resp.RetCode, hex.EncodeToString(resp.RetData))
			return nil
		},
	}
}
