// Package fsx has the small filesystem helpers shared by the binder and the
// freshness evaluator: mtime/size probes in epoch milliseconds and path
// resolution against the configured working directory.
package fsx

import (
	"os"
	"path/filepath"
)

// Resolve joins a possibly-relative path with the working directory and
// absolutizes it. Absolute paths are returned cleaned but otherwise as-is.
func Resolve(workdir, path string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(workdir, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// Exists reports whether the path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// MtimeMillis returns the file's modification time in epoch milliseconds.
func MtimeMillis(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.ModTime().UnixMilli(), nil
}

// Size returns the file size in bytes.
func Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Stat returns mtime millis and size in one probe.
func Stat(path string) (mtime int64, size int64, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	return info.ModTime().UnixMilli(), info.Size(), nil
}
