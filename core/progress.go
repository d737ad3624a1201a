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

package core

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/tigrisdata/tigrisup/lib"
	"github.com/tigrisdata/tigrisup/pkg/upload/client"
	"github.com/tigrisdata/tigrisup/pkg/upload/rate"
)

const barWidth = 30

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed, color.Bold)
)

// Progress renders session events on a terminal. On a TTY the line is
// redrawn in place; otherwise one line is written per accepted sample.
type Progress struct {
	out  io.Writer
	name string
	tty  bool
	est  *rate.Estimator

	state   client.State
	lastLen int
}

func NewProgress(out io.Writer, name string, total int64, cfg rate.Config, tty bool) *Progress {
	return &Progress{
		out:  out,
		name: name,
		tty:  tty,
		est:  rate.New(cfg, total),
	}
}

// Estimator exposes the rate estimator fed by Handle.
func (p *Progress) Estimator() *rate.Estimator {
	return p.est
}

// Handle consumes one session event.
//
// Only progress made while transferring is fed to the estimator. Entering
// the transferring state, whether first, after a pause or after a resync
// with the server, moves the baseline to the confirmed offset instead, so
// bytes sent by an earlier run and time spent idle never count as rate.
func (p *Progress) Handle(ev client.ProgressEvent) {
	prev := p.state
	p.state = ev.State

	if ev.State != prev {
		switch ev.State {
		case client.StatePaused:
			p.line(warnColor.Sprint("paused"))
		case client.StateVerifying:
			p.line(warnColor.Sprint("checking server state"))
		}
	}

	if ev.Err != nil && !ev.State.Terminal() {
		p.line(warnColor.Sprintf("retrying after error: %v", ev.Err))
	}

	switch {
	case ev.State == client.StateTransferring && prev != client.StateTransferring:
		p.est.Rebase(ev.ConfirmedOffset, ev.Timestamp)
		if p.tty {
			p.render(p.est.Last())
		}
	case prev == client.StateTransferring:
		out, accepted := p.est.Observe(ev.ConfirmedOffset, ev.Timestamp)
		if accepted || (p.tty && ev.State == client.StateTransferring) {
			p.render(out)
		}
	}
}

// Finish prints the final outcome.
func (p *Progress) Finish(snap client.Snapshot) {
	p.render(p.est.Last())
	switch snap.State {
	case client.StateCompleted:
		p.line(okColor.Sprintf("%s uploaded, %s", p.name, lib.HumanBytes(snap.DeclaredSize)))
	case client.StatePaused:
		p.line(warnColor.Sprintf("%s paused at %s of %s", p.name,
			lib.HumanBytes(snap.ConfirmedOffset), lib.HumanBytes(snap.DeclaredSize)))
	case client.StateCancelled:
		p.line(warnColor.Sprintf("%s cancelled", p.name))
	default:
		p.line(errColor.Sprintf("%s failed: %v", p.name, snap.Err))
	}
	p.est.Close()
}

func (p *Progress) render(ev rate.Event) {
	text := formatProgress(p.name, ev)
	if !p.tty {
		_, _ = fmt.Fprintln(p.out, text)
		return
	}
	pad := ""
	if n := p.lastLen - len(text); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	p.lastLen = len(text)
	_, _ = fmt.Fprintf(p.out, "\r%s%s", text, pad)
}

// line prints msg on its own line, ending an in-place progress line first.
func (p *Progress) line(msg string) {
	if p.tty && p.lastLen > 0 {
		_, _ = fmt.Fprintln(p.out)
		p.lastLen = 0
	}
	_, _ = fmt.Fprintln(p.out, msg)
}

func formatProgress(name string, ev rate.Event) string {
	pct := 0.0
	if ev.Total > 0 {
		pct = float64(ev.BytesSoFar) / float64(ev.Total)
	}
	filled := int(pct * barWidth)
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled)
	return fmt.Sprintf("%s [%s] %5.1f%% %s/%s %s ETA %s",
		name, bar, pct*100,
		lib.HumanBytes(ev.BytesSoFar), lib.HumanBytes(ev.Total),
		lib.HumanRate(ev.SmoothedRateBytesPerSec),
		lib.HumanETA(ev.ETASeconds, ev.HasETA))
}
