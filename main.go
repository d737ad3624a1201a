// Copyright 2024 Tigris Data, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
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
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/urfave/cli"
	"gopkg.in/yaml.v3"

	"github.com/tigrisdata/tigrisup/core"
	"github.com/tigrisdata/tigrisup/core/cfg"
	"github.com/tigrisdata/tigrisup/lib"
	"github.com/tigrisdata/tigrisup/log"
	"github.com/tigrisdata/tigrisup/pkg/upload"

	_ "net/http/pprof"
)

var mainLog = log.GetLogger("main")

// registerMaintenanceHandler runs a cleaner pass whenever one of
// maintenanceSignals arrives.
func registerMaintenanceHandler(ctx context.Context, srv *core.Server) {
	if len(maintenanceSignals) == 0 {
		return
	}
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, maintenanceSignals...)

	go func() {
		defer signal.Stop(signalChan)
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-signalChan:
				mainLog.Info().Str("signal", s.String()).Msg("Received signal, running cleaner")
				srv.Maintain()
			}
		}
	}()
}

func startPProf(addr string) {
	if addr == "" {
		return
	}
	if !strings.Contains(addr, ":") {
		addr = "127.0.0.1:" + addr
	}
	go func() {
		mainLog.E(http.ListenAndServe(addr, nil))
	}()
}

func serve(c *cli.Context) error {
	flags, err := cfg.PopulateFlags(c)
	if err != nil {
		return err
	}
	if !canDaemonize {
		flags.Foreground = true
	}
	if err := cfg.InitLoggers(flags); err != nil {
		return err
	}

	if !flags.Foreground {
		child, err := daemonize()
		if err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
		if child != nil {
			mainLog.Info().Int("pid", child.Pid).Msg("Server started in background")
			return nil
		}
	}

	mainLog.Info().Str("version", cfg.Version).Msg("Starting tigrisup server")
	startPProf(flags.PProf)

	srv, err := core.NewServer(flags.Config)
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), signalsToHandle...)
	defer stop()
	registerMaintenanceHandler(ctx, srv)

	if err := srv.ListenAndServe(ctx); err != nil {
		return err
	}
	mainLog.Info().Msg("Successfully exiting.")
	return nil
}

func uploadFile(c *cli.Context) error {
	if len(c.Args()) != 1 {
		mainLog.E(cli.ShowCommandHelp(c, "upload"))
		return errors.New("upload takes exactly one file argument")
	}
	flags, err := cfg.PopulateFlags(c)
	if err != nil {
		return err
	}
	if err := cfg.InitLoggers(flags); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), signalsToHandle...)
	defer stop()

	snap, err := core.Upload(ctx, core.UploadOptions{
		Client:   flags.Config.Client,
		Path:     c.Args().First(),
		Metadata: flags.Metadata,
		Finalize: flags.Finalize,
		NoResume: flags.NoResume,
		Quiet:    flags.Quiet,
		Out:      os.Stdout,
		TTY:      lib.IsTTY(os.Stdout),
	})
	if errors.Is(err, core.ErrInterrupted) {
		if flags.NoResume {
			fmt.Printf("Upload stopped at %s of %s.\n",
				lib.HumanBytes(snap.ConfirmedOffset), lib.HumanBytes(snap.DeclaredSize))
		} else {
			fmt.Printf("Upload paused at %s of %s. Run the same command again to resume.\n",
				lib.HumanBytes(snap.ConfirmedOffset), lib.HumanBytes(snap.DeclaredSize))
		}
		return nil
	}
	if err != nil {
		return err
	}
	if !flags.Quiet {
		fmt.Println(snap.Location)
	}
	return nil
}

func status(c *cli.Context) error {
	if len(c.Args()) != 1 {
		mainLog.E(cli.ShowCommandHelp(c, "status"))
		return errors.New("status takes exactly one upload location or id")
	}
	flags, err := cfg.PopulateFlags(c)
	if err != nil {
		return err
	}
	if err := cfg.InitLoggers(flags); err != nil {
		return err
	}

	st, loc, err := core.Status(context.Background(), flags.Config.Client.Endpoint, c.Args().First())
	if err != nil {
		return err
	}
	core.WriteStatus(os.Stdout, loc, st)
	return nil
}

func showConfig(c *cli.Context) error {
	path := c.GlobalString("config")
	if path == "" {
		path = upload.DefaultConfigPath()
	}
	if c.Bool("init") {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := upload.WriteTemplate(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	}

	flags, err := cfg.PopulateFlags(c)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(flags.Config)
	if err != nil {
		return err
	}
	fmt.Printf("# %s\n%s", path, out)
	return nil
}

func main() {
	app := cfg.NewApp(cfg.Commands{
		Serve:  serve,
		Upload: uploadFile,
		Status: status,
		Config: showConfig,
	})

	if err := app.Run(os.Args); err != nil {
		mainLog.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
