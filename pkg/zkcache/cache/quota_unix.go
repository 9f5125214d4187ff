//go:build unix

package cache

import "golang.org/x/sys/unix"

// fsUsage reports total and available bytes on the filesystem holding path.
func fsUsage(path string) (total, free int64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := int64(st.Bsize)
	return int64(st.Blocks) * bsize, int64(st.Bavail) * bsize, nil
}
