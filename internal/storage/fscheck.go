package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"9p":          {},
	"afpfs":       {},
	"afs":         {},
	"ceph":        {},
	"cifs":        {},
	"nfs":         {},
	"nfs4":        {},
	"smbfs":       {},
	"smb2":        {},
	"webdav":      {},
	"fuse.rclone": {},
	"fuse.s3fs":   {},
	"fuse.sshfs":  {},
}

// FilesystemError reports a database path on a network filesystem, where
// SQLite file locking is unreliable.
type FilesystemError struct {
	Path   string
	FSType string
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("store path %q is on network filesystem %q; SQLite needs a local filesystem for reliable locking, point store.path at a local file", e.Path, e.FSType)
}

// CheckLocalFilesystem returns *FilesystemError when path, or its nearest
// existing parent, sits on a network filesystem. Other errors mean the
// filesystem type could not be determined.
func CheckLocalFilesystem(path string) error {
	return checkLocalFilesystem(path, detectFilesystemType)
}

func checkLocalFilesystem(path string, detect func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}

	probe, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve store path %q: %w", path, err)
	}
	fsType, err := detect(probe)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", probe, err)
	}
	if isNetworkFilesystem(fsType) {
		return &FilesystemError{Path: path, FSType: fsType}
	}
	return nil
}

// nearestExistingPath walks up from path until something exists, so a
// store that has not been created yet is checked where it will live.
func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for {
		_, err := os.Stat(candidate)
		switch {
		case err == nil:
			return candidate, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
	return found
}
