package core

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	. "gopkg.in/check.v1"

	"github.com/tigrisdata/tigrisup/pkg/upload"
	"github.com/tigrisdata/tigrisup/pkg/upload/client"
	"github.com/tigrisdata/tigrisup/pkg/upload/protocol"
	"github.com/tigrisdata/tigrisup/pkg/upload/rate"
)

type ServerTest struct {
	dir    string
	conf   *upload.Config
	srv    *Server
	cancel context.CancelFunc
	served chan error
}

var _ = Suite(&ServerTest{})

func (s *ServerTest) SetUpTest(t *C) {
	s.dir = t.MkDir()
	s.conf = upload.DefaultConfig()
	s.conf.Server.DataDir = s.dir
	s.conf.Server.Registry = upload.RegistryMemory
	s.conf.Client.ChunkSize = "16KB"
	s.conf.Client.ResumeDB = filepath.Join(s.dir, "resume.db")

	srv, err := NewServer(s.conf)
	t.Assert(err, IsNil)
	s.srv = srv

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	t.Assert(err, IsNil)
	s.conf.Client.Endpoint = "http://" + ln.Addr().String() + "/files"

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.served = make(chan error, 1)
	go func() { s.served <- srv.Serve(ctx, ln) }()
}

func (s *ServerTest) TearDownTest(t *C) {
	s.cancel()
	select {
	case err := <-s.served:
		t.Check(err, IsNil)
	case <-time.After(5 * time.Second):
		t.Error("server did not stop")
	}
	s.srv.Close()
}

func (s *ServerTest) writeFile(t *C, size int) (string, []byte) {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	p := filepath.Join(t.MkDir(), "payload.bin")
	t.Assert(os.WriteFile(p, data, 0o600), IsNil)
	return p, data
}

func (s *ServerTest) TestUploadEndToEnd(t *C) {
	p, data := s.writeFile(t, 100000)
	var out bytes.Buffer

	snap, err := Upload(context.Background(), UploadOptions{
		Client:   s.conf.Client,
		Path:     p,
		Metadata: map[string]string{"owner": "qa"},
		Finalize: true,
		Out:      &out,
	})
	t.Assert(err, IsNil)
	t.Assert(snap.State, Equals, client.StateCompleted)
	t.Assert(snap.ConfirmedOffset, Equals, int64(len(data)))

	got, err := os.ReadFile(s.srv.store.CompletePath(path.Base(snap.Location)))
	t.Assert(err, IsNil)
	t.Assert(bytes.Equal(got, data), Equals, true)
	t.Check(strings.Contains(out.String(), "payload.bin uploaded"), Equals, true, Commentf("output: %s", out.String()))

	st, loc, err := Status(context.Background(), s.conf.Client.Endpoint, path.Base(snap.Location))
	t.Assert(err, IsNil)
	t.Check(loc, Equals, snap.Location)
	t.Check(st.Completed, Equals, true)
	t.Check(st.ReceivedLength, Equals, int64(len(data)))
	t.Check(st.Metadata["filename"], Equals, "payload.bin")
	t.Check(st.Metadata["owner"], Equals, "qa")

	var status bytes.Buffer
	WriteStatus(&status, loc, st)
	t.Check(strings.Contains(status.String(), "complete:  true"), Equals, true)
}

func (s *ServerTest) TestStatusUnknownUpload(t *C) {
	_, _, err := Status(context.Background(), s.conf.Client.Endpoint, "does-not-exist")
	t.Assert(protocol.CategoryOf(err), Equals, protocol.CategoryNotFound)
}

func (s *ServerTest) TestMaintainDoesNotBlock(t *C) {
	for i := 0; i < 3; i++ {
		s.srv.Maintain()
	}
}

// stallTransport accepts Create and holds every Patch until its context ends.
type stallTransport struct {
	patching chan struct{}
	once     sync.Once
}

func (f *stallTransport) Create(context.Context, int64, map[string]string) (string, error) {
	return "mem://uploads/stalled", nil
}

func (f *stallTransport) Patch(ctx context.Context, _ string, offset int64, _ []byte) (int64, error) {
	f.once.Do(func() { close(f.patching) })
	<-ctx.Done()
	return offset, ctx.Err()
}

func (f *stallTransport) Head(context.Context, string) (client.RemoteStatus, error) {
	return client.RemoteStatus{}, protocol.ErrNotFound
}

func (f *stallTransport) Finalize(context.Context, string) error { return nil }

func (f *stallTransport) Delete(context.Context, string) error { return nil }

type mapResumeStore struct {
	mu sync.Mutex
	m  map[string]string
}

func (m *mapResumeStore) Load(fp string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.m[fp]
	return loc, ok, nil
}

func (m *mapResumeStore) Save(fp, loc string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[fp] = loc
	return nil
}

func (m *mapResumeStore) Remove(fp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, fp)
	return nil
}

func (s *ServerTest) TestUploadInterruptPauses(t *C) {
	p, _ := s.writeFile(t, 4096)
	transport := &stallTransport{patching: make(chan struct{})}
	store := &mapResumeStore{m: map[string]string{}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-transport.patching
		cancel()
	}()

	snap, err := Upload(ctx, UploadOptions{
		Client:      s.conf.Client,
		Path:        p,
		Quiet:       true,
		Transport:   transport,
		ResumeStore: store,
	})
	t.Assert(err, Equals, ErrInterrupted)
	t.Check(snap.State, Equals, client.StatePaused)
	t.Check(snap.Location, Equals, "mem://uploads/stalled")
	t.Check(len(store.m), Equals, 1)
}

// countingTransport fails every call and counts how many were attempted.
type countingTransport struct {
	calls atomic.Int32
}

func (f *countingTransport) Create(context.Context, int64, map[string]string) (string, error) {
	f.calls.Add(1)
	return "", protocol.ErrUnavailable
}

func (f *countingTransport) Patch(_ context.Context, _ string, offset int64, _ []byte) (int64, error) {
	f.calls.Add(1)
	return offset, protocol.ErrUnavailable
}

func (f *countingTransport) Head(context.Context, string) (client.RemoteStatus, error) {
	f.calls.Add(1)
	return client.RemoteStatus{}, protocol.ErrUnavailable
}

func (f *countingTransport) Finalize(context.Context, string) error {
	f.calls.Add(1)
	return protocol.ErrUnavailable
}

func (f *countingTransport) Delete(context.Context, string) error {
	f.calls.Add(1)
	return protocol.ErrUnavailable
}

func (s *ServerTest) TestUploadRefusesOversizedFileLocally(t *C) {
	p, _ := s.writeFile(t, 4096)
	conf := s.conf.Client
	conf.MaxFileSize = "1KB"
	transport := &countingTransport{}

	snap, err := Upload(context.Background(), UploadOptions{
		Client:      conf,
		Path:        p,
		Quiet:       true,
		Transport:   transport,
		ResumeStore: &mapResumeStore{m: map[string]string{}},
	})
	t.Assert(errors.Is(err, client.ErrFileTooLarge), Equals, true, Commentf("err: %v", err))
	t.Check(snap.State, Equals, client.StateFailed)
	t.Check(transport.calls.Load(), Equals, int32(0))
}

func (s *ServerTest) TestUploadDefaultLimitMatchesServer(t *C) {
	t.Check(s.conf.Client.MaxFileSizeBytes(), Equals, s.srv.Engine.MaxFileSize())
}

type ProgressTest struct{}

var _ = Suite(&ProgressTest{})

func (s *ProgressTest) TestFormatProgress(t *C) {
	line := formatProgress("a.bin", rate.Event{
		BytesSoFar:              50,
		Total:                   100,
		SmoothedRateBytesPerSec: 10,
		ETASeconds:              5,
		HasETA:                  true,
	})
	t.Check(strings.Contains(line, "[===============               ]"), Equals, true, Commentf("line: %s", line))
	t.Check(strings.Contains(line, " 50.0%"), Equals, true, Commentf("line: %s", line))
	t.Check(strings.Contains(line, "ETA calculating"), Equals, false)
}

func (s *ProgressTest) TestHandleRendersAcceptedSamples(t *C) {
	var out bytes.Buffer
	p := NewProgress(&out, "a.bin", 100, rate.Config{}, false)
	start := time.Unix(1700000000, 0)

	p.Handle(client.ProgressEvent{State: client.StateTransferring, DeclaredSize: 100, Timestamp: start})
	t.Check(out.Len(), Equals, 0)

	p.Handle(client.ProgressEvent{State: client.StateTransferring, ConfirmedOffset: 40, DeclaredSize: 100, Timestamp: start.Add(time.Second)})
	t.Check(strings.Contains(out.String(), " 40.0%"), Equals, true, Commentf("output: %s", out.String()))

	p.Handle(client.ProgressEvent{State: client.StatePaused, ConfirmedOffset: 40, DeclaredSize: 100, Timestamp: start.Add(2 * time.Second)})
	t.Check(strings.Contains(out.String(), "paused"), Equals, true)

	// The idle time while paused must not drag the rate down.
	resumeAt := start.Add(time.Hour)
	p.Handle(client.ProgressEvent{State: client.StateTransferring, ConfirmedOffset: 40, DeclaredSize: 100, Timestamp: resumeAt})
	p.Handle(client.ProgressEvent{State: client.StateTransferring, ConfirmedOffset: 80, DeclaredSize: 100, Timestamp: resumeAt.Add(time.Second)})
	last := p.Estimator().Last()
	t.Check(last.BytesSoFar, Equals, int64(80))
	t.Check(last.SmoothedRateBytesPerSec >= 39, Equals, true, Commentf("rate %f", last.SmoothedRateBytesPerSec))

	p.Finish(client.Snapshot{State: client.StateCompleted, ConfirmedOffset: 100, DeclaredSize: 100})
	t.Check(strings.Contains(out.String(), "a.bin uploaded"), Equals, true)
}

func (s *ProgressTest) TestHandleRebasesAfterResync(t *C) {
	const mib = 1 << 20
	start := time.Unix(1700000000, 0)
	ev := func(st client.State, off int64, at time.Duration) client.ProgressEvent {
		return client.ProgressEvent{State: st, ConfirmedOffset: off, DeclaredSize: 200 * mib, Timestamp: start.Add(at)}
	}

	// Resume goes Paused, Verifying, Transferring. The idle minute must not
	// count against the rate.
	p := NewProgress(&bytes.Buffer{}, "b.bin", 200*mib, rate.Config{}, false)
	p.Handle(ev(client.StateTransferring, 0, 0))
	p.Handle(ev(client.StateTransferring, 8*mib, time.Second))
	p.Handle(ev(client.StatePaused, 8*mib, 2*time.Second))
	p.Handle(ev(client.StateVerifying, 8*mib, time.Minute))
	p.Handle(ev(client.StateTransferring, 8*mib, time.Minute+time.Second))
	p.Handle(ev(client.StateTransferring, 16*mib, time.Minute+2*time.Second))
	last := p.Estimator().Last()
	t.Check(last.InstantRateBytesPerSec, Equals, float64(8*mib))

	// A new run picks the upload up from the resume store: Verifying at 0,
	// then the server reports 100MiB already held. Those bytes were not
	// sent now.
	var out bytes.Buffer
	p = NewProgress(&out, "b.bin", 200*mib, rate.Config{}, false)
	p.Handle(ev(client.StateVerifying, 0, 0))
	p.Handle(ev(client.StateTransferring, 100*mib, time.Second))
	t.Check(p.Estimator().Last().BytesSoFar, Equals, int64(100*mib))
	t.Check(p.Estimator().History(), HasLen, 0)
	p.Handle(ev(client.StateTransferring, 108*mib, 2*time.Second))
	last = p.Estimator().Last()
	t.Check(last.BytesSoFar, Equals, int64(108*mib))
	t.Check(last.SmoothedRateBytesPerSec, Equals, float64(8*mib))
	t.Check(strings.Contains(out.String(), "checking server state"), Equals, true)
}

type StatsTest struct{}

var _ = Suite(&StatsTest{})

func (s *StatsTest) TestMarshal(t *C) {
	st := NewStats()
	st.RecordPatched("x", 10)
	st.RecordPatched("x", 5)
	st.RecordRejected(protocol.CategoryNotFound)
	st.RecordRejected(protocol.CategoryNotFound)

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	logger.Info().Object("stats", st).Msg("")
	t.Check(strings.Contains(buf.String(), `"bytesReceived":15`), Equals, true, Commentf("got %s", buf.String()))
	t.Check(strings.Contains(buf.String(), `"rejected":{"not_found":2}`), Equals, true, Commentf("got %s", buf.String()))
}
