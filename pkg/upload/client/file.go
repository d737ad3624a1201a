package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// LocalFile is a File read from disk.
type LocalFile struct {
	f    *os.File
	path string
	info os.FileInfo
}

// OpenFile opens path for upload. Directories are rejected.
func OpenFile(path string) (*LocalFile, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	return &LocalFile{f: f, path: abs, info: info}, nil
}

func (l *LocalFile) ReadAt(p []byte, off int64) (int, error) {
	return l.f.ReadAt(p, off)
}

func (l *LocalFile) Size() int64 {
	return l.info.Size()
}

func (l *LocalFile) Name() string {
	return filepath.Base(l.path)
}

// Path is the absolute path of the file.
func (l *LocalFile) Path() string {
	return l.path
}

// Fingerprint identifies this version of the file. A changed size or
// modification time yields a new fingerprint, so a stale upload is never
// resumed with different content.
func (l *LocalFile) Fingerprint() string {
	h := xxhash.New()
	_, _ = h.WriteString(l.path)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.FormatInt(l.info.Size(), 10))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.FormatInt(l.info.ModTime().UnixNano(), 10))
	return strconv.FormatUint(h.Sum64(), 16)
}

func (l *LocalFile) Close() error {
	return l.f.Close()
}
