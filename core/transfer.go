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
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tigrisdata/tigrisup/lib"
	"github.com/tigrisdata/tigrisup/log"
	"github.com/tigrisdata/tigrisup/pkg/upload"
	"github.com/tigrisdata/tigrisup/pkg/upload/client"
	"github.com/tigrisdata/tigrisup/pkg/upload/rate"
)

var transferLog = log.GetLogger("transfer")

// ErrInterrupted is returned when an upload was paused by the caller before
// it finished. Running the same upload again resumes it.
var ErrInterrupted = errors.New("upload interrupted")

type UploadOptions struct {
	Client   upload.ClientConfig
	Path     string
	Metadata map[string]string
	Finalize bool
	// NoResume skips the resume store so every run creates a new upload.
	NoResume bool
	Quiet    bool
	Out      io.Writer
	TTY      bool

	// Transport replaces the HTTP transport built from Client.Endpoint.
	Transport client.Transport
	// ResumeStore replaces the store opened at Client.ResumeDB.
	ResumeStore client.ResumeStore
	Sleeper     client.Sleeper
}

// Upload sends the file at opts.Path and blocks until the session ends.
// Cancelling ctx pauses the session rather than abandoning it, and Upload
// returns ErrInterrupted.
func Upload(ctx context.Context, opts UploadOptions) (client.Snapshot, error) {
	file, err := client.OpenFile(opts.Path)
	if err != nil {
		return client.Snapshot{}, err
	}
	defer file.Close()

	transport := opts.Transport
	if transport == nil {
		transport, err = client.NewHTTPTransport(opts.Client.Endpoint)
		if err != nil {
			return client.Snapshot{}, err
		}
	}

	sessOpts := []client.Option{client.WithRateLimit(opts.Client.RateLimitBytes())}
	if opts.Sleeper != nil {
		sessOpts = append(sessOpts, client.WithSleeper(opts.Sleeper))
	}
	if !opts.NoResume {
		store := opts.ResumeStore
		if store == nil {
			path, err := opts.Client.EffectiveResumeDB()
			if err != nil {
				return client.Snapshot{}, err
			}
			bolt, err := client.OpenResumeStore(path)
			if err != nil {
				return client.Snapshot{}, fmt.Errorf("open resume store: %w", err)
			}
			defer bolt.Close()
			store = bolt
		}
		sessOpts = append(sessOpts, client.WithResumeStore(store))
	}

	sess, err := client.NewSession(client.Config{
		ChunkSize:      opts.Client.ChunkSizeBytes(),
		MaxFileSize:    opts.Client.MaxFileSizeBytes(),
		MaxRetries:     opts.Client.MaxRetries,
		BaseRetryDelay: opts.Client.RetryBase(),
		MaxRetryDelay:  opts.Client.RetryMax(),
		RequestTimeout: opts.Client.RequestTimeout(),
		Finalize:       opts.Finalize,
	}, transport, sessOpts...)
	if err != nil {
		return client.Snapshot{}, err
	}

	md := make(map[string]string, len(opts.Metadata)+1)
	for k, v := range opts.Metadata {
		md[k] = v
	}
	if _, ok := md["filename"]; !ok {
		md["filename"] = file.Name()
	}

	events, unsubscribe := sess.Subscribe(64)
	defer unsubscribe()

	var progress *Progress
	if !opts.Quiet && opts.Out != nil {
		progress = NewProgress(opts.Out, file.Name(), file.Size(), rate.Config{
			DisplayInterval: opts.Client.DisplayInterval(),
			HistorySize:     opts.Client.HistorySize,
		}, opts.TTY)
	}

	transferLog.Info().Str("file", file.Path()).Str("size", lib.HumanBytes(file.Size())).
		Str("endpoint", opts.Client.Endpoint).Msg("Starting upload")

	// The session outlives ctx so that an interrupt can pause it.
	if err := sess.Start(context.Background(), file, md); err != nil {
		return sess.Snapshot(), err
	}

	interrupted := false
	for done := false; !done; {
		select {
		case ev, ok := <-events:
			if !ok {
				done = true
				break
			}
			if progress != nil {
				progress.Handle(ev)
			}
		case <-sess.Done():
			done = true
		case <-ctx.Done():
			if !interrupted {
				interrupted = true
				if err := sess.Pause(); err != nil {
					transferLog.Debugf("pause on interrupt: %v", err)
				}
				done = true
			}
		}
	}

	for drained := false; !drained; {
		select {
		case ev, ok := <-events:
			if !ok {
				drained = true
			} else if progress != nil {
				progress.Handle(ev)
			}
		default:
			drained = true
		}
	}

	if interrupted && sess.Snapshot().State == client.StatePaused {
		snap := sess.Snapshot()
		sess.Cancel()
		if progress != nil {
			progress.Finish(snap)
		}
		return snap, ErrInterrupted
	}

	err = sess.Wait(context.Background())
	snap := sess.Snapshot()
	if progress != nil {
		progress.Finish(snap)
	}
	if err != nil {
		return snap, err
	}
	transferLog.Info().Str("location", snap.Location).Msg("Upload completed")
	return snap, nil
}

// Status fetches the server view of an upload. A bare id is resolved
// against endpoint.
func Status(ctx context.Context, endpoint, location string) (client.RemoteStatus, string, error) {
	transport, err := client.NewHTTPTransport(endpoint)
	if err != nil {
		return client.RemoteStatus{}, "", err
	}
	if !strings.Contains(location, "://") {
		location = strings.TrimSuffix(endpoint, "/") + "/" + strings.TrimPrefix(location, "/")
	}
	st, err := transport.Head(ctx, location)
	return st, location, err
}

// WriteStatus prints st in a human friendly form.
func WriteStatus(out io.Writer, location string, st client.RemoteStatus) {
	pct := 0.0
	if st.DeclaredSize > 0 {
		pct = 100 * float64(st.ReceivedLength) / float64(st.DeclaredSize)
	}
	_, _ = fmt.Fprintf(out, "location:  %s\n", location)
	_, _ = fmt.Fprintf(out, "received:  %s of %s (%.1f%%)\n",
		lib.HumanBytes(st.ReceivedLength), lib.HumanBytes(st.DeclaredSize), pct)
	_, _ = fmt.Fprintf(out, "complete:  %t\n", st.Completed)
	if !st.ExpiresAt.IsZero() {
		_, _ = fmt.Fprintf(out, "expires:   %s\n", st.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
	}
	for k, v := range st.Metadata {
		_, _ = fmt.Fprintf(out, "meta %s: %s\n", k, v)
	}
}
