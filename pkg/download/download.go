// Package download fetches files over HTTP on the dispatcher host, retrying
// transient failures with a fixed back-off.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fly-io/boardlab/pkg/errors"
)

// Options controls retries.
type Options struct {
	// Retries is the total number of attempts; values below 1 mean 1.
	Retries int
	// Backoff is the fixed delay between attempts.
	Backoff time.Duration
	Client  *http.Client
}

// Result contains download metadata.
type Result struct {
	LocalPath string
	SHA256    string
	Size      int64
	Attempts  int
}

// ToDir downloads url into dir, naming the file after the last URL path
// element.
func ToDir(ctx context.Context, url, dir string, opts Options) (*Result, error) {
	name := path.Base(url)
	if name == "" || name == "/" || name == "." {
		return nil, errors.Config("cannot derive a file name from "+url, nil)
	}
	return File(ctx, url, filepath.Join(dir, name), opts)
}

// File downloads url to localPath. Server errors and connection failures are
// retried; 4xx responses are not.
func File(ctx context.Context, url, localPath string, opts Options) (*Result, error) {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	retries := opts.Retries
	if retries < 1 {
		retries = 1
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(opts.Backoff)
	b = backoff.WithMaxRetries(b, uint64(retries-1))
	b = backoff.WithContext(b, ctx)

	var res *Result
	attempts := 0
	op := func() error {
		attempts++
		slog.Info("download_start", "url", url, "attempt", attempts)
		r, err := fetch(ctx, client, url, localPath)
		if err != nil {
			return err
		}
		res = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("download_retry", "url", url, "attempt", attempts, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		slog.Error("download_failed", "url", url, "attempts", attempts, "error", err)
		return nil, errors.Wrap(err, fmt.Sprintf("failed to download %s after %d attempts", url, attempts))
	}
	res.Attempts = attempts

	slog.Info("download_complete",
		"url", url,
		"size_mb", res.Size/1024/1024,
		"local_path", localPath,
		"sha256", res.SHA256[:16]+"...",
		"attempts", attempts,
	)
	return res, nil
}

func fetch(ctx context.Context, client *http.Client, url, localPath string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(errors.Config("invalid url "+url, err))
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %s", resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	f, err := os.Create(localPath)
	if err != nil {
		return nil, backoff.Permanent(errors.Wrap(err, "failed to create local file"))
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to download file")
	}

	return &Result{
		LocalPath: localPath,
		SHA256:    hex.EncodeToString(hash.Sum(nil)),
		Size:      size,
	}, nil
}
