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

//go:build !windows

package main

import (
	"os"
	"syscall"

	daemon "github.com/sevlyar/go-daemon"
)

const canDaemonize = true

var (
	signalsToHandle    = []os.Signal{os.Interrupt, syscall.SIGTERM}
	maintenanceSignals = []os.Signal{syscall.SIGUSR1}
)

// daemonize re-executes the process in the background. The parent gets the
// child process; the child gets nil and carries on serving.
func daemonize() (*os.Process, error) {
	ctx := &daemon.Context{Umask: 0o027}
	return ctx.Reborn()
}
