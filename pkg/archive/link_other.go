//go:build !unix

package archive

import "os"

type fileID struct{}

// hardLinkID never reports links; every file is archived with its content.
func hardLinkID(os.FileInfo) (fileID, bool) {
	return fileID{}, false
}
