//go:build !darwin && !linux

package storage

import (
	"fmt"
	"runtime"
)

// detectFilesystemType cannot tell local from network storage here; the
// doctor reports this as a warning, not an error.
func detectFilesystemType(string) (string, error) {
	return "", fmt.Errorf("cannot check the store filesystem on %s", runtime.GOOS)
}
