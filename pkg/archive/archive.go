// Package archive creates and unpacks the tarballs moved between the host
// and a board: payload tarballs, boot tarballs scanned for boot commands,
// and directory snapshots from the file exchange.
package archive

import (
	"archive/tar"
	"compress/bzip2"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/fly-io/boardlab/pkg/errors"
)

// Codec returns the tar decompression flag for a tarball name: "z" for
// gzip, "j" for bzip2. Any other extension is a configuration error.
func Codec(name string) (string, error) {
	switch {
	case strings.HasSuffix(name, ".gz"), strings.HasSuffix(name, ".tgz"):
		return "z", nil
	case strings.HasSuffix(name, ".bz2"):
		return "j", nil
	}
	return "", errors.Config("bad file extension: "+name, nil)
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r *readCloser) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open returns the decompressed tar stream of path, chosen by extension.
// Plain ".tar" files are read as-is.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open tarball")
	}

	if strings.HasSuffix(path, ".tar") {
		return f, nil
	}

	codec, err := Codec(path)
	if err != nil {
		f.Close()
		return nil, err
	}

	if codec == "j" {
		return &readCloser{Reader: bzip2.NewReader(f), closers: []io.Closer{f}}, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "failed to read gzip header")
	}
	return &readCloser{Reader: zr, closers: []io.Closer{zr, f}}, nil
}

// Extract unpacks the tarball at src into dest and returns the paths of the
// regular files written. Directories, regular files, symlinks and hard links
// are supported; any other entry type is an error.
func Extract(src, dest string, limits Limits) ([]string, error) {
	rc, err := Open(src)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	b := &budget{limits: limits}
	var files []string
	tr := tar.NewReader(rc)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "tar read error")
		}

		if err := b.checkPath(hdr.Name); err != nil {
			return nil, errors.Wrap(err, "invalid path in tar")
		}
		target := filepath.Join(dest, hdr.Name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return nil, errors.Wrap(err, "failed to create directory")
			}

		case tar.TypeReg:
			if err := b.add(hdr.Name, hdr.Size); err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, errors.Wrap(err, "failed to create parent dir")
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return nil, errors.Wrap(err, "failed to create file")
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return nil, errors.Wrap(err, "failed to write file")
			}
			out.Close()
			files = append(files, target)

		case tar.TypeSymlink:
			if err := b.checkSymlink(hdr.Name, hdr.Linkname); err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, errors.Wrap(err, "failed to create parent dir")
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return nil, errors.Wrap(err, "failed to create symlink")
			}

		case tar.TypeLink:
			// Linkname names an earlier entry of the same archive.
			if err := b.checkPath(hdr.Linkname); err != nil {
				return nil, errors.Wrap(err, "invalid hard link in tar")
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, errors.Wrap(err, "failed to create parent dir")
			}
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return nil, errors.Wrap(err, "failed to replace "+hdr.Name)
			}
			if err := os.Link(filepath.Join(dest, hdr.Linkname), target); err != nil {
				return nil, errors.Wrap(err, "failed to create hard link")
			}
			files = append(files, target)

		case tar.TypeXGlobalHeader:
			// pax global headers carry no file

		default:
			slog.Error("archive_entry_unsupported", "path", hdr.Name, "type", string(hdr.Typeflag))
			return nil, fmt.Errorf("unsupported tar entry type %q for %s", hdr.Typeflag, hdr.Name)
		}
	}

	fi, err := os.Stat(src)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat tarball")
	}
	if err := b.checkRatio(fi.Size()); err != nil {
		return nil, err
	}

	slog.Info("archive_extracted", "src", src, "dest", dest, "files", len(files), "size_mb", b.total/1024/1024)
	return files, nil
}

// ReadFiles returns the contents of regular files in the tarball whose base
// name is in names. Only the first entry for each name is kept.
func ReadFiles(src string, names []string, limits Limits) (map[string][]byte, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	rc, err := Open(src)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	b := &budget{limits: limits}
	found := make(map[string][]byte)
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "tar read error")
		}
		base := filepath.Base(hdr.Name)
		if hdr.Typeflag != tar.TypeReg || !want[base] {
			continue
		}
		if _, ok := found[base]; ok {
			continue
		}
		if err := b.add(hdr.Name, hdr.Size); err != nil {
			return nil, err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read "+hdr.Name)
		}
		found[base] = data
	}
	return found, nil
}

// Create writes a gzip tarball of the contents of dir to dst. Entry names
// are relative to dir and prefixed with "./".
func Create(dst, dir string) error {
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "failed to create tarball")
	}
	defer out.Close()

	zw := gzip.NewWriter(out)
	tw := tar.NewWriter(zw)
	linked := make(map[fileID]string)

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = "./" + filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if info.Mode().IsRegular() {
			if id, ok := hardLinkID(info); ok {
				if first, seen := linked[id]; seen {
					hdr.Typeflag = tar.TypeLink
					hdr.Linkname = first
					hdr.Size = 0
					return tw.WriteHeader(hdr)
				}
				linked[id] = hdr.Name
			}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "failed to archive "+dir)
	}

	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "failed to finish tar stream")
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(err, "failed to finish gzip stream")
	}
	slog.Info("archive_created", "dst", dst, "src", dir)
	return out.Close()
}
