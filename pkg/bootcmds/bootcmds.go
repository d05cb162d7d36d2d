// Package bootcmds resolves and rewrites the bootloader command lines sent
// to a board when booting the test image.
package bootcmds

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/fly-io/boardlab/pkg/archive"
	"github.com/fly-io/boardlab/pkg/device"
	"github.com/fly-io/boardlab/pkg/errors"
)

var (
	rootUUID = regexp.MustCompile(`root=UUID=\S+`)
	partRef  = regexp.MustCompile(`(\d+):(\d+)`)
)

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\v' || b == '\f'
}

// Rewrite points a boot command blob read from an image at the test
// partitions: root=UUID=... becomes root=LABEL=testrootfs, and every
// whitespace-delimited "<major>:<minor>" becomes "<bootDevice>:<minor+offset>".
// The blob is rewritten as a whole and then split into lines; blank lines
// are dropped.
//
// A minor already above offset is taken to be a test partition and only has
// its major replaced, so rewriting the output again changes nothing.
func Rewrite(blob, bootDevice string, offset int) []string {
	blob = rootUUID.ReplaceAllString(blob, "root=LABEL="+device.LabelTestRootfs)

	var out strings.Builder
	last := 0
	for _, loc := range partRef.FindAllStringSubmatchIndex(blob, -1) {
		start, end := loc[0], loc[1]
		if start > 0 && !isSpace(blob[start-1]) {
			continue
		}
		if end < len(blob) && !isSpace(blob[end]) {
			continue
		}
		minor, err := strconv.Atoi(blob[loc[4]:loc[5]])
		if err != nil {
			continue
		}
		// Assumes images only name partitions up to offset; a minor above it
		// is taken as already rewritten, which keeps Rewrite idempotent.
		if minor <= offset {
			minor += offset
		}
		out.WriteString(blob[last:start])
		out.WriteString(bootDevice + ":" + strconv.Itoa(minor))
		last = end
	}
	out.WriteString(blob[last:])

	var lines []string
	for _, l := range strings.Split(out.String(), "\n") {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// SplitList splits a comma separated command list from a device config.
// Quotes group commas into one entry and are removed; newlines inside an
// entry become spaces.
func SplitList(s string) []string {
	var (
		cmds  []string
		cur   strings.Builder
		quote byte
	)
	flush := func() {
		c := strings.Trim(strings.ReplaceAll(cur.String(), "\n", " "), " ")
		if c != "" {
			cmds = append(cmds, c)
		}
		cur.Reset()
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0 && c == quote:
			quote = 0
		case quote != 0:
			cur.WriteByte(c)
		case c == '\'' || c == '"':
			quote = c
		case c == ',':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return cmds
}

// Source names where boot commands came from.
type Source string

const (
	SourceJob        Source = "job"
	SourceBootOption Source = "boot_option"
	SourceImage      Source = "image"
	SourceDevice     Source = "device"
)

// Sources are the candidate boot command sets in precedence order.
type Sources struct {
	// Job is the interactive list given by the job.
	Job []string
	// BootOption names an entry of Options selected by the job.
	BootOption string
	Options    map[string]string
	// Dynamic is what was read from the deployed image.
	Dynamic []string
	// Default is the device configuration's comma separated list.
	Default string
}

// Resolve picks the boot commands: job commands, then a job boot option,
// then commands read from the image, then the device default.
func Resolve(s Sources) ([]string, Source, error) {
	switch {
	case len(s.Job) > 0:
		slog.Info("boot_cmds_resolved", "source", SourceJob)
		return s.Job, SourceJob, nil
	case s.BootOption != "":
		blob, ok := s.Options[s.BootOption]
		if !ok {
			// viper lowercases map keys when loading device files
			blob, ok = s.Options[strings.ToLower(s.BootOption)]
		}
		if !ok {
			return nil, "", errors.Config("unknown boot option "+s.BootOption, nil)
		}
		slog.Info("boot_cmds_resolved", "source", SourceBootOption, "option", s.BootOption)
		return SplitList(blob), SourceBootOption, nil
	case s.Dynamic != nil:
		slog.Info("boot_cmds_resolved", "source", SourceImage)
		return s.Dynamic, SourceImage, nil
	}
	cmds := SplitList(s.Default)
	if len(cmds) == 0 {
		return nil, "", errors.Config("no boot commands configured", nil)
	}
	slog.Info("boot_cmds_resolved", "source", SourceDevice)
	return cmds, SourceDevice, nil
}

// ReadFromTarball reads the first of bootFiles found in a boot tarball and
// rewrites it for the test partitions. ok is false when none is present.
func ReadFromTarball(path string, bootFiles []string, bootDevice string, offset int, limits archive.Limits) (cmds []string, ok bool, err error) {
	found, err := archive.ReadFiles(path, bootFiles, limits)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to read boot tarball")
	}
	for _, name := range bootFiles {
		if data, exists := found[name]; exists {
			slog.Info("boot_cmds_read_from_image", "tarball", path, "file", name)
			return Rewrite(string(data), bootDevice, offset), true, nil
		}
	}
	slog.Debug("boot_cmds_not_in_image", "tarball", path)
	return nil, false, nil
}

// Cache holds the commands read from one deployment's image. The first Set
// wins; later sets are ignored.
type Cache struct {
	mu   sync.Mutex
	cmds []string
	set  bool
}

// Get returns the cached commands, or nil.
func (c *Cache) Get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmds
}

// Loaded reports whether commands were cached.
func (c *Cache) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set
}

// Set stores cmds unless the cache is already loaded.
func (c *Cache) Set(cmds []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set {
		return
	}
	c.cmds = cmds
	c.set = true
}
