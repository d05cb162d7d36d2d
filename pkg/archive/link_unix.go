//go:build unix

package archive

import (
	"os"
	"syscall"
)

// fileID identifies the inode behind a regular file with more than one link.
type fileID struct {
	dev uint64
	ino uint64
}

func hardLinkID(info os.FileInfo) (fileID, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok || st.Nlink < 2 {
		return fileID{}, false
	}
	return fileID{dev: uint64(st.Dev), ino: uint64(st.Ino)}, true
}
