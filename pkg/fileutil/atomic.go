// Package fileutil provides file operation utilities.
//
// This package contains common file operations used across appcage,
// including atomic file writes that prevent partial writes and data corruption.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// AtomicWriteFile writes data to a file atomically.
//
// The data is written to a uniquely named temporary file in the target's
// directory and then renamed over the target, so readers either see the old
// content or the new content, never a partial write. Unique temporary names
// keep independent writers of different documents from clobbering each
// other's in-flight file.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temporary file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	_, writeErr := tmp.Write(data)
	if closeErr := tmp.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		return fmt.Errorf("write temporary file for %s: %w", path, writeErr)
	}

	// CreateTemp creates 0600 files; the caller decides the final bits
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temporary file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temporary file over %s: %w", path, err)
	}

	return nil
}

// EnsureDir ensures that a directory exists, creating it if necessary.
// It creates all parent directories as needed with the specified permissions.
func EnsureDir(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir ensures that the parent directory of the given path exists.
func EnsureParentDir(path string, perm os.FileMode) error {
	return EnsureDir(filepath.Dir(path), perm)
}
