// Package fsutil is the filesystem seam for run outputs: checkpoints, stats
// JSON, canvases, codec output and dataset frames all go through FileSystem
// so tests can run against memory.
package fsutil

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileSystem is the subset of file operations a run needs.
type FileSystem interface {
	Open(name string) (fs.File, error)
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
	Exists(name string) bool
}

// OSFileSystem implements FileSystem on the local disk.
type OSFileSystem struct{}

func (OSFileSystem) Open(name string) (fs.File, error)            { return os.Open(name) }
func (OSFileSystem) ReadFile(name string) ([]byte, error)         { return os.ReadFile(name) }
func (OSFileSystem) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

// WriteFile writes to a temporary sibling and renames it into place.
func (OSFileSystem) WriteFile(name string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, name); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Exists reports whether name can be stat'ed.
func (OSFileSystem) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// MemoryFileSystem keeps files in a map. Paths are cleaned before use.
type MemoryFileSystem struct {
	mu    sync.RWMutex
	files map[string][]byte
	dirs  map[string]bool
}

// NewMemoryFileSystem returns an empty in-memory filesystem.
func NewMemoryFileSystem() *MemoryFileSystem {
	return &MemoryFileSystem{
		files: make(map[string][]byte),
		dirs:  make(map[string]bool),
	}
}

// Open returns a read-only handle on a snapshot of the file.
func (m *MemoryFileSystem) Open(name string) (fs.File, error) {
	data, err := m.read("open", name)
	if err != nil {
		return nil, err
	}
	return &memFile{Reader: bytes.NewReader(data), name: filepath.Base(name), size: int64(len(data))}, nil
}

// ReadFile returns a copy of the file's contents.
func (m *MemoryFileSystem) ReadFile(name string) ([]byte, error) {
	return m.read("read", name)
}

func (m *MemoryFileSystem) read(op, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name = filepath.Clean(name)
	data, ok := m.files[name]
	if !ok {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	}
	return bytes.Clone(data), nil
}

// WriteFile stores a copy of data under name.
func (m *MemoryFileSystem) WriteFile(name string, data []byte, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[filepath.Clean(name)] = bytes.Clone(data)
	return nil
}

// MkdirAll records path and its parents as directories.
func (m *MemoryFileSystem) MkdirAll(path string, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := filepath.Clean(path); p != "." && p != "/"; p = filepath.Dir(p) {
		m.dirs[p] = true
	}
	return nil
}

// Exists reports whether name is a file or a recorded directory.
func (m *MemoryFileSystem) Exists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name = filepath.Clean(name)
	_, ok := m.files[name]
	return ok || m.dirs[name]
}

// Files returns the sorted paths of the files under dir.
func (m *MemoryFileSystem) Files(dir string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := filepath.Clean(dir) + string(filepath.Separator)
	var out []string
	for name := range m.files {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

type memFile struct {
	*bytes.Reader
	name string
	size int64
}

func (f *memFile) Close() error               { return nil }
func (f *memFile) Stat() (fs.FileInfo, error) { return memInfo{name: f.name, size: f.size}, nil }

type memInfo struct {
	name string
	size int64
}

func (i memInfo) Name() string       { return i.name }
func (i memInfo) Size() int64        { return i.size }
func (i memInfo) Mode() os.FileMode  { return 0o644 }
func (i memInfo) ModTime() time.Time { return time.Time{} }
func (i memInfo) IsDir() bool        { return false }
func (i memInfo) Sys() any           { return nil }
