package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned if an operation is attempted on a closed container.
var ErrClosed = errors.New("upload file container is closed")

// Container is a staged upload file. Writes are synced before they are
// acknowledged; Commit moves the file to its permanent name.
type Container struct {
	mu         sync.Mutex
	file       *os.File
	stagedPath string
	closed     bool
}

func createContainer(path string, reserve int64) (*Container, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	if reserve > 0 {
		if err := reserveSpace(f, reserve); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return nil, fmt.Errorf("reserve %d bytes: %w", reserve, err)
		}
	}
	return &Container{file: f, stagedPath: path}, nil
}

func openContainer(path string) (*Container, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &Container{file: f, stagedPath: path}, nil
}

// WriteAt writes p at off and syncs the file. When the sync fails nothing
// is reported as written, since none of it can be trusted to survive.
func (c *Container) WriteAt(p []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	n, werr := c.file.WriteAt(p, off)
	if n == 0 {
		return 0, werr
	}
	if err := c.file.Sync(); err != nil {
		return 0, fmt.Errorf("sync staged file: %w", err)
	}
	return n, werr
}

// ReadAt reads data from the staged file at the given offset.
func (c *Container) ReadAt(p []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	return c.file.ReadAt(p, off)
}

// Truncate resizes the staged file and syncs the change.
func (c *Container) Truncate(size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if err := c.file.Truncate(size); err != nil {
		return err
	}
	return c.file.Sync()
}

// Size returns the current length of the staged file.
func (c *Container) Size() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	info, err := c.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Commit flushes, closes and renames the staged file to finalPath.
func (c *Container) Commit(finalPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.closed = true

	if err := c.file.Sync(); err != nil {
		_ = c.file.Close()
		return err
	}
	if err := c.file.Close(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("create complete directory: %w", err)
	}
	if err := os.Rename(c.stagedPath, finalPath); err != nil {
		return fmt.Errorf("commit upload file: %w", err)
	}
	return syncDir(filepath.Dir(finalPath))
}

// Close releases the file handle and leaves the staged file in place.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.file.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Directory fsync is unsupported on some platforms; the rename itself succeeded.
	_ = d.Sync()
	return nil
}
