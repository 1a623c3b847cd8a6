//go:build linux

package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
)

// statfs magic numbers of network filesystems.
var linuxNetworkMagic = map[uint64]string{
	0x6969:     "nfs",
	0xFF534D42: "cifs",
	0x517B:     "smbfs",
	0xFE534D42: "smb2",
	0x5346414F: "afs",
	0x00C36400: "ceph",
	0x01021997: "9p",
}

const linuxFUSEMagic = 0x65735546

const procMountinfo = "/proc/self/mountinfo"

// detectFilesystemType names the filesystem holding path. All FUSE mounts
// share one magic number, so their subtype ("fuse.sshfs") comes from
// mountinfo.
func detectFilesystemType(path string) (string, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}

	magic := uint64(stat.Type)
	if name, ok := linuxNetworkMagic[magic]; ok {
		return name, nil
	}
	if magic == linuxFUSEMagic {
		if resolved, err := filepath.EvalSymlinks(path); err == nil {
			path = resolved
		}
		if fsType, err := mountinfoType(procMountinfo, path); err == nil && fsType != "" {
			return fsType, nil
		}
		return "fuse", nil
	}
	return fmt.Sprintf("0x%x", magic), nil
}

var mountinfoEscapes = strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`)

// mountinfoType returns the type of the longest mount point containing path.
// Lines look like:
//
//	36 35 98:0 /mnt1 /mnt2 rw,noatime master:1 - fuse.sshfs host:/srv rw
func mountinfoType(mountinfo, path string) (string, error) {
	f, err := os.Open(mountinfo)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var best, bestType string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		sep := slices.Index(fields, "-")
		if len(fields) < 5 || sep < 5 || sep+1 >= len(fields) {
			continue
		}
		mount := mountinfoEscapes.Replace(fields[4])
		if !underMount(path, mount) || len(mount) < len(best) {
			continue
		}
		best, bestType = mount, fields[sep+1]
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read %s: %w", mountinfo, err)
	}
	return bestType, nil
}

func underMount(path, mount string) bool {
	return mount == "/" || path == mount || strings.HasPrefix(path, mount+"/")
}
