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
	"net"
	"net/http"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tigrisdata/tigrisup/log"
	"github.com/tigrisdata/tigrisup/pkg/upload"
	"github.com/tigrisdata/tigrisup/pkg/upload/cleaner"
	"github.com/tigrisdata/tigrisup/pkg/upload/engine"
	"github.com/tigrisdata/tigrisup/pkg/upload/failsafe"
	"github.com/tigrisdata/tigrisup/pkg/upload/registry"
	"github.com/tigrisdata/tigrisup/pkg/upload/registry/bbolt"
	"github.com/tigrisdata/tigrisup/pkg/upload/server"
	"github.com/tigrisdata/tigrisup/pkg/upload/storage/files"
)

var serverLog = log.GetLogger("server")

const (
	shutdownTimeout = 30 * time.Second
	// bufferedChunks is how many maximum size PATCH bodies may sit in
	// memory at once.
	bufferedChunks = 4
)

// Server owns every piece of a running upload service.
type Server struct {
	Engine  *engine.Engine
	Stats   *Stats
	Cleaner *cleaner.Cleaner
	// Monitor is nil when the fail-safe is disabled.
	Monitor *failsafe.Monitor

	conf     upload.ServerConfig
	reg      registry.Registry
	store    *files.Store
	handler  http.Handler
	triggers chan cleaner.Trigger
}

// spaceHandlerFunc lets the engine be built before the monitor that needs it.
type spaceHandlerFunc func(ctx context.Context) error

func (f spaceHandlerFunc) HandleENOSPC(ctx context.Context) error { return f(ctx) }

// NewServer opens the registry and storage under the data directory and
// wires the engine, cleaner and fail-safe monitor together.
func NewServer(conf *upload.Config) (*Server, error) {
	dataDir, err := conf.Server.EffectiveDataDir()
	if err != nil {
		return nil, err
	}

	s := &Server{
		Stats:    NewStats(),
		conf:     conf.Server,
		triggers: make(chan cleaner.Trigger, 1),
	}

	switch conf.Server.Registry {
	case upload.RegistryMemory:
		s.reg = registry.NewMemory()
	default:
		s.reg, err = bbolt.Open(filepath.Join(dataDir, "registry.db"), bbolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, err
		}
	}

	s.store, err = files.New(filepath.Join(dataDir, "uploads"))
	if err != nil {
		_ = s.reg.Close()
		return nil, err
	}

	s.Engine, err = engine.New(engine.Config{
		MaxFileSize:  conf.Server.MaxFileSizeBytes(),
		UploadTTL:    conf.Server.UploadTTL(),
		AutoFinalize: conf.Server.AutoFinalize,
	}, s.reg, s.store,
		engine.WithMetrics(s.Stats),
		engine.WithSpaceHandler(spaceHandlerFunc(s.handleENOSPC)),
	)
	if err != nil {
		s.Close()
		return nil, err
	}

	minFree := 0
	if conf.FailSafe.Enable {
		minFree = conf.FailSafe.DiskMinFreePercent
	}
	s.Cleaner, err = cleaner.New(cleaner.Config{
		StorageDir:         s.store.Root(),
		UploadTTL:          conf.Server.UploadTTL(),
		CompletedRetention: conf.Server.CompletedRetention(),
		MinFreePercent:     minFree,
		CleanInterval:      conf.Server.CleanInterval(),
	}, s.Engine)
	if err != nil {
		s.Close()
		return nil, err
	}

	if conf.FailSafe.Enable {
		s.Monitor, err = failsafe.NewMonitor(s.Cleaner, s.Engine)
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	s.handler = server.New(server.Config{
		BasePath:         conf.Server.BasePath,
		MaxChunkSize:     conf.Server.MaxChunkSizeBytes(),
		MaxBufferedBytes: bufferedChunks * conf.Server.MaxChunkSizeBytes(),
	}, s.Engine)

	return s, nil
}

func (s *Server) handleENOSPC(ctx context.Context) error {
	if s.Monitor == nil {
		serverLog.Warnf("storage is out of space and the fail-safe is disabled")
		return nil
	}
	return s.Monitor.HandleENOSPC(ctx)
}

// Handler returns the HTTP handler serving the upload protocol.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Maintain asks the background cleaner for an immediate pass. It never blocks.
func (s *Server) Maintain() {
	select {
	case s.triggers <- cleaner.Trigger{Reason: cleaner.TriggerReasonMaintenance}:
	default:
	}
}

// Serve reconciles the registry with storage, then serves ln until ctx is
// cancelled. In-flight requests get shutdownTimeout to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	report, err := s.Engine.Reconcile(ctx)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("reconcile: %w", err)
	}
	serverLog.Info().
		Int("checked", report.Checked).
		Int("truncated", len(report.Truncated)).
		Int("dropped", len(report.DroppedRecords)).
		Int("removed", len(report.RemovedObjects)).
		Int("finalized", len(report.Finalized)).
		Msg("Registry reconciled")

	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          log.GetStdLogger(serverLog),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		serverLog.Info().Str("addr", ln.Addr().String()).Str("base", s.conf.BasePath).Msg("Accepting uploads")
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return s.Cleaner.RunBackground(gctx, s.triggers)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	serverLog.Info().Object("stats", s.Stats).Msg("Server stopped")
	return err
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.conf.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Close releases storage and the registry.
func (s *Server) Close() {
	if s.store != nil {
		serverLog.E(s.store.Close())
	}
	if s.reg != nil {
		serverLog.E(s.reg.Close())
	}
}
