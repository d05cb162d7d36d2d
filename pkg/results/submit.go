package results

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fly-io/boardlab/pkg/errors"
)

// Submitter delivers a finished bundle and returns a reference to it.
type Submitter interface {
	Submit(ctx context.Context, b *Bundle, jobName, stream string) (string, error)
}

// FileSubmitter writes bundles under Dir/<stream>/.
type FileSubmitter struct {
	Dir string
}

// Submit writes b as <jobName>-<uuid>.bundle and returns the file path.
func (f *FileSubmitter) Submit(ctx context.Context, b *Bundle, jobName, stream string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := filepath.Join(f.Dir, filepath.Clean("/" + stream))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrap(err, "failed to create results dir")
	}

	name := jobName
	if len(b.TestRuns) > 0 {
		name += "-" + b.TestRuns[len(b.TestRuns)-1].AnalyzerAssignedUUID
	}
	path := filepath.Join(dir, name+".bundle")

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to encode bundle")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		slog.Error("bundle_write_failed", "path", path, "error", err)
		return "", errors.OperationFailed("could not write bundle", err)
	}

	slog.Info("bundle_submitted", "path", path, "test_runs", len(b.TestRuns))
	return path, nil
}
