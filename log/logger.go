// Copyright 2015 - 2017 Ka-Hing Cheung
// Copyright 2021 Yandex LLC
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

package log

import (
	"fmt"
	"io"
	glog "log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

var DefaultLogConfig = &LogConfig{
	Level:  "info",
	Format: "console",
	Color:  false,
}

var (
	mu      sync.Mutex
	loggers = make(map[string]*LogHandle)
)

var logWriter io.Writer = os.Stderr

func logStderr(msg string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, msg, args...)
}

// InitLoggerRedirect points every logger created afterwards at the given
// destination: "stderr", "syslog" or a file path. For a file, stdout and
// stderr are redirected too so panics end up in the same place.
func InitLoggerRedirect(logFileName string) error {
	switch logFileName {
	case "", "stderr", "/dev/stderr":
		logWriter = os.Stderr
		return nil
	case "syslog":
		w, err := InitSyslog()
		if err != nil {
			return fmt.Errorf("init syslog: %w", err)
		}
		logWriter = w
		return nil
	}

	lf, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		logStderr("Couldn't open file %v for writing logs", logFileName)
		return err
	}
	if err = redirectStdout(lf); err != nil {
		logStderr("Couldn't redirect STDOUT to the log file %v", logFileName)
		return err
	}
	if err = redirectStderr(lf); err != nil {
		logStderr("Couldn't redirect STDERR to the log file %v", logFileName)
		return err
	}
	logWriter = lf
	return nil
}

// SetLoggersLevel changes the level of every registered logger.
func SetLoggersLevel(level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()

	for _, l := range loggers {
		l.SetLevel(level)
	}
}

func SetLoggersConfig(config *LogConfig) {
	mu.Lock()
	defer mu.Unlock()

	for k, l := range loggers {
		nl := NewLogger(config, l.name, config.Color, logWriter)
		loggers[k].Logger = nl.Logger
	}
}

type LogHandle struct {
	*zerolog.Logger

	name string
}

func (l *LogHandle) Name() string {
	return l.name
}

func (l *LogHandle) Infof(msg string, args ...interface{}) {
	l.Info().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Errorf(msg string, args ...interface{}) {
	l.Error().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Warnf(msg string, args ...interface{}) {
	l.Warn().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Debugf(msg string, args ...interface{}) {
	l.Debug().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) IsLevelEnabled(level zerolog.Level) bool {
	return l.GetLevel() <= level
}

func (l *LogHandle) SetLevel(level zerolog.Level) {
	nl := l.Level(level)
	l.Logger = &nl
}

// E logs a non-nil error and reports whether there was one.
//
//	if mainLog.E(err) {
//	    return err
//	}
func (l *LogHandle) E(err error) bool {
	if err == nil {
		return false
	}

	l.Error().CallerSkipFrame(1).Msg(err.Error())

	return true
}

func GetLogger(name string) *LogHandle {
	mu.Lock()
	defer mu.Unlock()

	logger, ok := loggers[name]
	if !ok {
		logger = NewLogger(DefaultLogConfig, name, DefaultLogConfig.Color, logWriter)
		loggers[name] = logger
	}

	return logger
}

// GetStdLogger adapts a handle for APIs that want a *log.Logger,
// such as http.Server.ErrorLog.
func GetStdLogger(l *LogHandle) *glog.Logger {
	return glog.New(l, "", 0)
}

type LogConfig struct {
	Level  string
	Format string
	Color  bool
}

func consoleFormatCallerWithModule(i any, module string) string {
	var c string
	if cc, ok := i.(string); ok {
		c = cc
	}
	if len(c) > 0 {
		l := strings.Split(c, "/")
		if len(l) == 1 {
			return l[0]
		}
		return l[len(l)-2] + "/" + l[len(l)-1]
	}
	return module + " " + c
}

func NewLogger(config *LogConfig, module string, colorized bool, writer io.Writer) *LogHandle {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		logStderr("error parsing log level %q. defaulting to info level\n", config.Level)
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if config.Format == "console" {
		output := zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: time.StampMicro,
		}
		output.NoColor = !colorized
		output.FormatCaller = func(i any) string {
			return consoleFormatCallerWithModule(i, module)
		}
		logger = zerolog.New(output).Level(lvl).With().Timestamp().CallerWithSkipFrameCount(2).Stack().
			Str("module", module).Logger()
	} else {
		logger = zerolog.New(writer).Level(lvl).With().Timestamp().CallerWithSkipFrameCount(2).Stack().
			Str("module", module).Logger()
	}

	return &LogHandle{Logger: &logger, name: module}
}

func DumpLoggers(name string) {
	mu.Lock()
	defer mu.Unlock()

	names := make([]string, 0, len(loggers))
	for k := range loggers {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Printf("%v Logger %v: %v\n", name, k, loggers[k].GetLevel().String())
	}
}
