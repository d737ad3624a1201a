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
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/tigrisdata/tigrisup/pkg/upload/protocol"
	"github.com/tigrisdata/tigrisup/pkg/upload/registry"
)

// Stats counts engine activity. It implements engine.Metrics.
type Stats struct {
	created       atomic.Int64
	completed     atomic.Int64
	bytesReceived atomic.Int64

	mu       sync.Mutex
	rejected map[protocol.Category]int64
}

func NewStats() *Stats {
	return &Stats{rejected: make(map[protocol.Category]int64)}
}

func (s *Stats) RecordCreated(registry.Record) {
	s.created.Add(1)
}

func (s *Stats) RecordPatched(_ string, n int64) {
	s.bytesReceived.Add(n)
}

func (s *Stats) RecordCompleted(registry.Record) {
	s.completed.Add(1)
}

func (s *Stats) RecordRejected(cat protocol.Category) {
	s.mu.Lock()
	s.rejected[cat]++
	s.mu.Unlock()
}

// Rejected returns how many requests failed with cat.
func (s *Stats) Rejected(cat protocol.Category) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected[cat]
}

func (s *Stats) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("created", s.created.Load()).
		Int64("completed", s.completed.Load()).
		Int64("bytesReceived", s.bytesReceived.Load())

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rejected) == 0 {
		return
	}
	d := zerolog.Dict()
	for cat, n := range s.rejected {
		d.Int64(string(cat), n)
	}
	e.Dict("rejected", d)
}
