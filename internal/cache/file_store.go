package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DiskStore implements a file based tile store.
// Structure: {root}/{name}, name being {cacheName}/{level}/{row}/{row}_{col}.{ext}
type DiskStore struct {
	mu        sync.RWMutex
	writeRoot string
	readRoots []string
}

// NewDiskStore creates the write root if needed. Read roots are searched only on request.
func NewDiskStore(writeRoot string, readRoots ...string) (*DiskStore, error) {
	if err := os.MkdirAll(writeRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &DiskStore{
		writeRoot: writeRoot,
		readRoots: readRoots,
	}, nil
}

func (s *DiskStore) WriteLocation() string {
	return s.writeRoot
}

func (s *DiskStore) buildFilePath(root, name string) string {
	return filepath.Join(root, filepath.FromSlash(name))
}

func (s *DiskStore) Find(name string, searchReadLocations bool) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	roots := []string{s.writeRoot}
	if searchReadLocations {
		roots = append(roots, s.readRoots...)
	}
	for _, root := range roots {
		p := s.buildFilePath(root, name)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}

func (s *DiskStore) Read(loc string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(loc)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", loc, ErrNotFound)
	}
	return data, err
}

func (s *DiskStore) Write(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filePath := s.buildFilePath(s.writeRoot, name)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}

	// Write atomically
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *DiskStore) Remove(loc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(loc)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *DiskStore) ModTime(loc string) (time.Time, error) {
	fi, err := os.Stat(loc)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// AverageFileSize averages file sizes in up to maxDirs row directories below prefix.
func (s *DiskStore) AverageFileSize(prefix string, maxDirs int) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	root := s.buildFilePath(s.writeRoot, prefix)
	dirs, err := os.ReadDir(root)
	if err != nil {
		return 0, false
	}

	var size, count int64
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		if avg := averageDirFileSize(filepath.Join(root, d.Name())); avg > 0 {
			size += avg
			count++
		}
		if count >= int64(maxDirs) {
			break
		}
	}
	if count == 0 || size == 0 {
		return 0, false
	}
	return size / count, true
}

func averageDirFileSize(dir string) int64 {
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var size, count int64
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		fi, err := f.Info()
		if err != nil {
			continue
		}
		size += fi.Size()
		count++
	}
	if count == 0 {
		return 0
	}
	return size / count
}
