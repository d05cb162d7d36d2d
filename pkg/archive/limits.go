package archive

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// Limits bound what a host-side extraction may write.
type Limits struct {
	MaxFileSize         int64
	MaxTotalSize        int64
	MaxCompressionRatio float64
}

// DefaultLimits allow large root filesystems while rejecting obvious bombs.
var DefaultLimits = Limits{
	MaxFileSize:         2 * 1024 * 1024 * 1024,
	MaxTotalSize:        20 * 1024 * 1024 * 1024,
	MaxCompressionRatio: 100,
}

// budget tracks one extraction against Limits.
type budget struct {
	limits Limits
	total  int64
}

// checkPath rejects absolute names and names that escape the destination.
func (b *budget) checkPath(name string) error {
	if filepath.IsAbs(name) {
		slog.Error("archive_path_rejected", "path", name, "reason", "absolute_path")
		return fmt.Errorf("absolute path not allowed: %s", name)
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		slog.Error("archive_path_rejected", "path", name, "reason", "path_traversal")
		return fmt.Errorf("path traversal detected: %s", name)
	}
	return nil
}

// checkSymlink rejects relative link targets that resolve above the root.
// Absolute targets are kept as-is; they point inside the board's filesystem,
// not the host's.
func (b *budget) checkSymlink(name, target string) error {
	if filepath.IsAbs(target) {
		return nil
	}
	resolved := filepath.Clean(filepath.Join(filepath.Dir(name), target))

	depth := 0
	for _, part := range strings.Split(resolved, string(filepath.Separator)) {
		switch part {
		case "..":
			depth--
		case "", ".":
		default:
			depth++
		}
		if depth < 0 {
			slog.Error("archive_symlink_rejected", "symlink", name, "target", target, "resolved", resolved)
			return fmt.Errorf("symlink %s -> %s escapes the archive root", name, target)
		}
	}
	return nil
}

// add accounts for one regular file.
func (b *budget) add(name string, size int64) error {
	if b.limits.MaxFileSize > 0 && size > b.limits.MaxFileSize {
		slog.Error("archive_file_too_large", "path", name, "size_mb", size/1024/1024)
		return fmt.Errorf("file %s size %d exceeds max %d", name, size, b.limits.MaxFileSize)
	}
	b.total += size
	if b.limits.MaxTotalSize > 0 && b.total > b.limits.MaxTotalSize {
		slog.Error("archive_total_too_large", "total_mb", b.total/1024/1024)
		return fmt.Errorf("total extracted size %d exceeds max %d", b.total, b.limits.MaxTotalSize)
	}
	return nil
}

// checkRatio compares the archive's size on disk with what it expanded to.
func (b *budget) checkRatio(compressed int64) error {
	if b.limits.MaxCompressionRatio <= 0 || compressed == 0 || b.total == 0 {
		return nil
	}
	ratio := float64(b.total) / float64(compressed)
	if ratio > b.limits.MaxCompressionRatio {
		slog.Error("archive_compression_bomb", "ratio", ratio, "max_ratio", b.limits.MaxCompressionRatio)
		return fmt.Errorf("compression ratio %.2f exceeds max %.2f", ratio, b.limits.MaxCompressionRatio)
	}
	return nil
}
