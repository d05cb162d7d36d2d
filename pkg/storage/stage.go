package storage

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fly-io/boardlab/pkg/download"
	"github.com/fly-io/boardlab/pkg/errors"
)

// ObjectDownloader fetches one object from object storage.
type ObjectDownloader interface {
	Download(ctx context.Context, bucket, key, localPath string) (*DownloadResult, error)
}

// Stager copies payload sources into a job's scratch directory so the host
// image server can hand them to a board.
type Stager struct {
	// Objects serves s3:// sources; nil rejects them.
	Objects ObjectDownloader
	// HTTP controls retries for http(s):// sources.
	HTTP download.Options
}

// Stage places source in dir and returns the local path. Sources are
// s3://bucket/key, http(s) URLs or host paths. The file keeps the source's
// base name so its extension still selects the unpack codec.
func (s *Stager) Stage(ctx context.Context, source, dir string) (*DownloadResult, error) {
	if source == "" {
		return nil, errors.Config("empty payload source", nil)
	}
	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" || u.Scheme == "file" {
		local := source
		if err == nil && u.Scheme == "file" {
			local = u.Path
		}
		return s.stageLocal(local, dir)
	}

	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return nil, errors.Config("payload source has no file name: "+source, nil)
	}
	dest := filepath.Join(dir, name)

	switch u.Scheme {
	case "s3":
		if s.Objects == nil {
			return nil, errors.Config("s3 payloads need an S3 client", nil)
		}
		return s.Objects.Download(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), dest)
	case "http", "https":
		res, err := download.File(ctx, source, dest, s.HTTP)
		if err != nil {
			return nil, err
		}
		return &DownloadResult{LocalPath: res.LocalPath, SHA256: res.SHA256, Size: res.Size}, nil
	}
	return nil, errors.Config("unsupported payload source scheme "+u.Scheme, nil)
}

func (s *Stager) stageLocal(src, dir string) (*DownloadResult, error) {
	slog.Info("stage_local_payload", "src", src, "dir", dir)
	in, err := os.Open(src)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open payload")
	}
	defer in.Close()
	return writeHashed(in, filepath.Join(dir, filepath.Base(src)))
}
