//go:build linux

package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMountinfo = `22 1 259:2 / / rw,relatime shared:1 - ext4 /dev/nvme0n1p2 rw
45 22 0:40 / /home/ana/remote rw,nosuid,nodev,relatime shared:30 - fuse.sshfs ana@nas:/srv rw,user_id=1000
46 22 0:41 / /mnt/with\040space rw,relatime shared:31 - fuse.rclone gdrive: rw
47 45 0:42 / /home/ana/remote/local rw,relatime shared:32 - tmpfs tmpfs rw
malformed line
`

func TestMountinfoType(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mountinfo")
	require.NoError(t, os.WriteFile(path, []byte(sampleMountinfo), 0o644))

	tests := []struct {
		name string
		path string
		want string
	}{
		{name: "root", path: "/var/lib/crossbard/crossbar.db", want: "ext4"},
		{name: "sshfs mount", path: "/home/ana/remote/crossbar.db", want: "fuse.sshfs"},
		{name: "mount point itself", path: "/home/ana/remote", want: "fuse.sshfs"},
		{name: "nested mount wins", path: "/home/ana/remote/local/crossbar.db", want: "tmpfs"},
		{name: "escaped mount point", path: "/mnt/with space/crossbar.db", want: "fuse.rclone"},
		{name: "prefix is not a parent", path: "/home/ana/remote2/crossbar.db", want: "ext4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mountinfoType(path, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMountinfoTypeMissingFile(t *testing.T) {
	t.Parallel()

	_, err := mountinfoType(filepath.Join(t.TempDir(), "missing"), "/")
	assert.Error(t, err)
}

func TestDetectFilesystemTypeOnTempDir(t *testing.T) {
	t.Parallel()

	fsType, err := detectFilesystemType(t.TempDir())
	require.NoError(t, err)
	assert.NotEmpty(t, fsType)
}
