package files

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/xattr"

	"github.com/tigrisdata/tigrisup/log"
	"github.com/tigrisdata/tigrisup/pkg/upload/storage"
)

const (
	stagingDirName  = "staging"
	completeDirName = "complete"
	stagedSuffix    = ".part"

	// XattrPrefix namespaces upload metadata attached to finalized files.
	XattrPrefix = "user.upload."
)

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Logger captures diagnostic output for the store.
type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
}

// Option customises store construction.
type Option func(*Store)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithoutReservation disables space reservation on Create.
func WithoutReservation() Option {
	return func(s *Store) {
		s.reserve = false
	}
}

// Store keeps uploads as plain files under root: staging/<id>.part while
// bytes arrive, complete/<id> once finalized. Staged files stay open
// between writes.
type Store struct {
	root        string
	stagingDir  string
	completeDir string
	reserve     bool
	logger      Logger

	mu   sync.Mutex
	open map[string]*Container
}

var _ storage.Backend = (*Store)(nil)

// New prepares the directory layout under root.
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("upload storage: root directory must not be empty")
	}
	s := &Store{
		root:        root,
		stagingDir:  filepath.Join(root, stagingDirName),
		completeDir: filepath.Join(root, completeDirName),
		reserve:     true,
		logger:      log.GetLogger("storage"),
		open:        make(map[string]*Container),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.GetLogger("storage")
	}
	for _, dir := range []string{s.stagingDir, s.completeDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}
	return s, nil
}

// Root returns the directory holding all objects.
func (s *Store) Root() string {
	return s.root
}

// CompletePath returns where a finalized object lives.
func (s *Store) CompletePath(id string) string {
	return filepath.Join(s.completeDir, id)
}

func (s *Store) stagedPath(id string) string {
	return filepath.Join(s.stagingDir, id+stagedSuffix)
}

func (s *Store) Create(ctx context.Context, id string, declaredSize int64) error {
	if err := checkRequest(ctx, id); err != nil {
		return err
	}
	if exists(s.CompletePath(id)) {
		return storage.ErrExists
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.open[id]; ok {
		return storage.ErrExists
	}
	reserve := int64(0)
	if s.reserve {
		reserve = declaredSize
	}
	c, err := createContainer(s.stagedPath(id), reserve)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return storage.ErrExists
		}
		return fmt.Errorf("create staged file: %w", err)
	}
	s.open[id] = c
	return nil
}

func (s *Store) WriteAt(ctx context.Context, id string, offset int64, p []byte) (int, error) {
	if err := checkRequest(ctx, id); err != nil {
		return 0, err
	}
	c, err := s.container(id)
	if err != nil {
		return 0, err
	}
	return c.WriteAt(p, offset)
}

func (s *Store) ReadAt(ctx context.Context, id string, offset int64, p []byte) (int, error) {
	if err := checkRequest(ctx, id); err != nil {
		return 0, err
	}
	c, err := s.container(id)
	if err == nil {
		return c.ReadAt(p, offset)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}

	f, err := os.Open(s.CompletePath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, storage.ErrNotFound
		}
		return 0, err
	}
	defer f.Close()
	return f.ReadAt(p, offset)
}

func (s *Store) StatLength(ctx context.Context, id string) (int64, error) {
	if err := checkRequest(ctx, id); err != nil {
		return 0, err
	}
	for _, path := range []string{s.stagedPath(id), s.CompletePath(id)} {
		info, err := os.Stat(path)
		if err == nil {
			return info.Size(), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return 0, err
		}
	}
	return 0, storage.ErrNotFound
}

func (s *Store) Truncate(ctx context.Context, id string, size int64) error {
	if err := checkRequest(ctx, id); err != nil {
		return err
	}
	c, err := s.container(id)
	if err != nil {
		return err
	}
	return c.Truncate(size)
}

func (s *Store) Finalize(ctx context.Context, id string, metadata map[string]string) error {
	if err := checkRequest(ctx, id); err != nil {
		return err
	}
	final := s.CompletePath(id)

	c, err := s.container(id)
	if errors.Is(err, storage.ErrNotFound) && exists(final) {
		return nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.open, id)
	s.mu.Unlock()

	if err := c.Commit(final); err != nil {
		return err
	}
	s.attachMetadata(final, metadata)
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := checkRequest(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	c, ok := s.open[id]
	delete(s.open, id)
	s.mu.Unlock()
	if ok {
		_ = c.Close()
	}

	for _, path := range []string{s.stagedPath(id), s.CompletePath(id)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, dir := range []string{s.stagingDir, s.completeDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			id := strings.TrimSuffix(entry.Name(), stagedSuffix)
			if dir == s.stagingDir && id == entry.Name() {
				continue
			}
			if validID.MatchString(id) {
				seen[id] = struct{}{}
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close releases every open staged file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for id, c := range s.open {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
		delete(s.open, id)
	}
	return errors.Join(errs...)
}

// Metadata reads back the metadata attached to a finalized object.
func (s *Store) Metadata(id string) (map[string]string, error) {
	path := s.CompletePath(id)
	names, err := xattr.List(path)
	if err != nil {
		return nil, err
	}
	md := make(map[string]string)
	for _, name := range names {
		if !strings.HasPrefix(name, XattrPrefix) {
			continue
		}
		v, err := xattr.Get(path, name)
		if err != nil {
			return nil, err
		}
		md[strings.TrimPrefix(name, XattrPrefix)] = string(v)
	}
	return md, nil
}

func (s *Store) attachMetadata(path string, metadata map[string]string) {
	for k, v := range metadata {
		if err := xattr.Set(path, XattrPrefix+k, []byte(v)); err != nil {
			s.logger.Debugf("storage: xattr %s on %s not stored: %v", k, path, err)
			return
		}
	}
}

func (s *Store) container(id string) (*Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.open[id]; ok {
		return c, nil
	}
	c, err := openContainer(s.stagedPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("open staged file: %w", err)
	}
	s.open[id] = c
	return c, nil
}

func checkRequest(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validID.MatchString(id) {
		return fmt.Errorf("%w: %q", storage.ErrInvalidID, id)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
