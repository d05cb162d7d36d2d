// Package storage stages deployment payloads on the dispatcher host and
// serves them to boards.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fly-io/boardlab/pkg/errors"
)

// Client fetches payload objects from S3.
type Client struct {
	s3Client *s3.Client
	// bucket is used for s3 sources that do not name one.
	bucket string
}

// NewClient creates an S3 client for anonymous access.
func NewClient(ctx context.Context, bucket, region string) (*Client, error) {
	slog.Info("s3_client_init", "bucket", bucket, "region", region)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &Client{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucket,
	}, nil
}

// DownloadResult contains download metadata.
type DownloadResult struct {
	LocalPath string
	SHA256    string
	Size      int64
}

// Download copies an object to localPath and computes its SHA256. An empty
// bucket means the client's default bucket.
func (c *Client) Download(ctx context.Context, bucket, key, localPath string) (*DownloadResult, error) {
	if bucket == "" {
		bucket = c.bucket
	}
	slog.Info("s3_download_start", "bucket", bucket, "s3_key", key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "bucket", bucket, "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	res, err := writeHashed(result.Body, localPath)
	if err != nil {
		slog.Error("s3_download_failed", "s3_key", key, "error", err)
		return nil, err
	}

	slog.Info("s3_download_complete",
		"s3_key", key,
		"size_mb", res.Size/1024/1024,
		"local_path", localPath,
		"sha256", res.SHA256[:16]+"...",
	)
	return res, nil
}

// writeHashed copies r to a new file at localPath.
func writeHashed(r io.Reader, localPath string) (*DownloadResult, error) {
	f, err := os.Create(localPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to copy payload")
	}
	return &DownloadResult{
		LocalPath: localPath,
		SHA256:    hex.EncodeToString(hash.Sum(nil)),
		Size:      size,
	}, nil
}
