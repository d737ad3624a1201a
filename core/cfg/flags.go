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

package cfg

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli"

	"github.com/tigrisdata/tigrisup/pkg/upload"
)

// Version is overwritten at link time.
var Version = "dev"

// Commands holds the actions wired into the application by main.
type Commands struct {
	Serve  cli.ActionFunc
	Upload cli.ActionFunc
	Status cli.ActionFunc
	Config cli.ActionFunc
}

// FlagStorage is the configuration file merged with command line overrides.
type FlagStorage struct {
	ConfigFile string
	Config     *upload.Config

	// Logging
	LogLevel   string
	LogFormat  string
	LogFile    string
	NoLogColor bool

	// serve
	Foreground bool
	PProf      string

	// upload
	Metadata map[string]string
	Finalize bool
	NoResume bool
	Quiet    bool
}

func NewApp(cmds Commands) *cli.App {
	app := cli.NewApp()
	app.Name = "tigrisup"
	app.Usage = "Resumable chunked uploads over HTTP"
	app.Version = Version
	app.HideHelp = false
	app.Writer = os.Stdout

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "Configuration file (default: ~/.tigrisup/config.yaml)",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "Log level: trace, debug, info, warn or error",
		},
		cli.StringFlag{
			Name:  "log-format",
			Usage: "Log format: console or json (default: console on a terminal)",
		},
		cli.StringFlag{
			Name:  "log-file",
			Usage: "Redirect logs to a file or \"syslog\" (default: stderr)",
		},
		cli.BoolFlag{
			Name:  "no-log-color",
			Usage: "Disable colored console logs",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "Accept uploads over HTTP",
			Action: cmds.Serve,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "listen", Usage: "Address to listen on"},
				cli.StringFlag{Name: "data-dir", Usage: "Directory for upload data and state"},
				cli.StringFlag{Name: "registry", Usage: "Upload state store: bbolt or memory"},
				cli.StringFlag{Name: "max-file-size", Usage: "Largest accepted upload, e.g. 50GB"},
				cli.StringFlag{Name: "max-chunk-size", Usage: "Largest accepted PATCH body, e.g. 64MB"},
				cli.BoolFlag{Name: "auto-finalize", Usage: "Finalize uploads as soon as the last byte arrives"},
				cli.BoolFlag{Name: "foreground, f", Usage: "Run in foreground"},
				cli.StringFlag{Name: "pprof", Usage: "Serve net/http/pprof on this address"},
			},
		},
		{
			Name:      "upload",
			Usage:     "Upload a file, resuming an earlier attempt when possible",
			ArgsUsage: "FILE",
			Action:    cmds.Upload,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "endpoint, e", Usage: "Upload collection URL"},
				cli.StringFlag{Name: "chunk-size", Usage: "Bytes per request, e.g. 8MB"},
				cli.StringFlag{Name: "rate-limit", Usage: "Bandwidth cap per second, e.g. 2MB"},
				cli.StringFlag{Name: "max-file-size", Usage: "Refuse larger files before sending anything, e.g. 50GB"},
				cli.IntFlag{Name: "max-retries", Value: -1, Usage: "Consecutive failures tolerated before giving up"},
				cli.StringSliceFlag{Name: "meta, m", Usage: "Metadata key=value, repeatable"},
				cli.BoolFlag{Name: "no-finalize", Usage: "Leave the upload staged on the server"},
				cli.BoolFlag{Name: "no-resume", Usage: "Always start a new upload"},
				cli.BoolFlag{Name: "quiet, q", Usage: "Do not render progress"},
			},
		},
		{
			Name:      "status",
			Usage:     "Show the server side state of an upload",
			ArgsUsage: "LOCATION",
			Action:    cmds.Status,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "endpoint, e", Usage: "Upload collection URL, used to resolve bare ids"},
			},
		},
		{
			Name:   "config",
			Usage:  "Print the effective configuration",
			Action: cmds.Config,
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "init", Usage: "Write a commented template to the config path"},
			},
		},
	}

	return app
}

// PopulateFlags loads the configuration and applies the command line of c
// on top of it.
func PopulateFlags(c *cli.Context) (*FlagStorage, error) {
	flags := &FlagStorage{
		ConfigFile: c.GlobalString("config"),
		LogLevel:   c.GlobalString("log-level"),
		LogFormat:  c.GlobalString("log-format"),
		LogFile:    c.GlobalString("log-file"),
		NoLogColor: c.GlobalBool("no-log-color"),
		Foreground: true,
		Finalize:   true,
	}

	conf, err := loadConfig(flags.ConfigFile)
	if err != nil {
		return nil, err
	}
	flags.Config = conf

	s := &conf.Server
	overrideString(c, "listen", &s.Listen)
	overrideString(c, "registry", &s.Registry)
	overrideString(c, "max-chunk-size", &s.MaxChunkSize)
	if c.IsSet("data-dir") {
		dir, err := homedir.Expand(c.String("data-dir"))
		if err != nil {
			return nil, err
		}
		s.DataDir = dir
	}
	if c.Bool("auto-finalize") {
		s.AutoFinalize = true
	}
	if c.Command.Name == "serve" {
		overrideString(c, "max-file-size", &s.MaxFileSize)
		flags.Foreground = c.Bool("foreground")
		flags.PProf = c.String("pprof")
		if flags.PProf == "" {
			flags.PProf = os.Getenv("PPROF")
		}
	}

	cl := &conf.Client
	overrideString(c, "endpoint", &cl.Endpoint)
	overrideString(c, "chunk-size", &cl.ChunkSize)
	overrideString(c, "rate-limit", &cl.RateLimit)
	if c.Command.Name == "upload" {
		overrideString(c, "max-file-size", &cl.MaxFileSize)
	}
	if n := c.Int("max-retries"); c.IsSet("max-retries") && n >= 0 {
		cl.MaxRetries = n
	}

	md, err := parseMetadata(c.StringSlice("meta"))
	if err != nil {
		return nil, err
	}
	flags.Metadata = md
	flags.Finalize = !c.Bool("no-finalize")
	flags.NoResume = c.Bool("no-resume")
	flags.Quiet = c.Bool("quiet")

	if vErr := conf.Validate(); len(vErr.Issues) > 0 {
		return nil, vErr
	}
	return flags, nil
}

// loadConfig reads path. A missing file at the default location means
// defaults; a missing file the user named explicitly is an error.
func loadConfig(path string) (*upload.Config, error) {
	explicit := path != ""
	if !explicit {
		path = upload.DefaultConfigPath()
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return upload.DefaultConfig(), nil
		}
	}
	conf, err := upload.LoadConfig(path)
	if errors.Is(err, upload.ErrConfigMissing) {
		return nil, fmt.Errorf("%w: a template was written to %s, edit it and retry", err, path)
	}
	return conf, err
}

func overrideString(c *cli.Context, name string, dst *string) {
	if c.IsSet(name) {
		*dst = c.String(name)
	}
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	md := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("metadata %q must be key=value", p)
		}
		md[k] = v
	}
	return md, nil
}
