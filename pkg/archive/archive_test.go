package archive

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"

	"github.com/fly-io/boardlab/pkg/errors"
)

func TestCodec(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"root.tgz", "z", false},
		{"boot.tar.gz", "z", false},
		{"system.tar.bz2", "j", false},
		{"image.xz", "", true},
		{"image.tar", "", true},
	}

	for _, tt := range tests {
		got, err := Codec(tt.name)
		if tt.wantErr {
			if !errors.IsConfig(err) {
				t.Errorf("Codec(%q): expected config error, got %v", tt.name, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("Codec(%q) = %q, %v; want %q", tt.name, got, err, tt.want)
		}
	}
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	got := map[string]string{}
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.Mode().IsRegular() {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		data, _ := os.ReadFile(path)
		got[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	return got
}

func TestCreateExtract_RoundTrip(t *testing.T) {
	src := t.TempDir()
	files := map[string]string{
		"results/stdout.log":    "test passed\n",
		"results/nested/a.json": `{"ok":true}`,
		"results/empty":         "",
	}
	writeTree(t, src, files)
	if err := os.Symlink("nested/a.json", filepath.Join(src, "results", "latest")); err != nil {
		t.Fatal(err)
	}

	tgz := filepath.Join(t.TempDir(), "fs.tgz")
	if err := Create(tgz, src); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	dest := t.TempDir()
	extracted, err := Extract(tgz, dest, DefaultLimits)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(extracted) != len(files) {
		t.Errorf("extracted %d files, want %d", len(extracted), len(files))
	}

	if diff := cmp.Diff(files, readTree(t, dest)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if link, err := os.Readlink(filepath.Join(dest, "results", "latest")); err != nil || link != "nested/a.json" {
		t.Errorf("symlink = %q, %v", link, err)
	}
}

func TestCreateExtract_HardLinks(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"tests/a.log": "shared\n"})
	if err := os.Link(filepath.Join(src, "tests", "a.log"), filepath.Join(src, "tests", "b.log")); err != nil {
		t.Skipf("hard links unsupported: %v", err)
	}

	tgz := filepath.Join(t.TempDir(), "fs.tgz")
	if err := Create(tgz, src); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	dest := t.TempDir()
	extracted, err := Extract(tgz, dest, DefaultLimits)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(extracted) != 2 {
		t.Errorf("extracted %v, want both names", extracted)
	}

	want := map[string]string{"tests/a.log": "shared\n", "tests/b.log": "shared\n"}
	if diff := cmp.Diff(want, readTree(t, dest)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	a, errA := os.Stat(filepath.Join(dest, "tests", "a.log"))
	b, errB := os.Stat(filepath.Join(dest, "tests", "b.log"))
	if errA != nil || errB != nil || !os.SameFile(a, b) {
		t.Errorf("a.log and b.log should stay linked: %v %v", errA, errB)
	}
}

func TestExtract_HardLinkFromTar(t *testing.T) {
	src := writeTarball(t,
		[]*tar.Header{
			{Name: "tests/", Typeflag: tar.TypeDir, Mode: 0755},
			{Name: "tests/a.log", Typeflag: tar.TypeReg, Mode: 0644, Size: 3},
			{Name: "tests/b.log", Typeflag: tar.TypeLink, Linkname: "tests/a.log"},
		},
		[]string{"", "abc", ""},
	)

	dest := t.TempDir()
	if _, err := Extract(src, dest, DefaultLimits); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	want := map[string]string{"tests/a.log": "abc", "tests/b.log": "abc"}
	if diff := cmp.Diff(want, readTree(t, dest)); diff != "" {
		t.Errorf("extracted tree mismatch (-want +got):\n%s", diff)
	}
}

func writeTarball(t *testing.T, entries []*tar.Header, bodies []string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for i, hdr := range entries {
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if bodies[i] != "" {
			tw.Write([]byte(bodies[i]))
		}
	}
	tw.Close()
	zw.Close()

	path := filepath.Join(t.TempDir(), "payload.tgz")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtract_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		entry *tar.Header
		body  string
	}{
		{"traversal", &tar.Header{Name: "../etc/passwd", Typeflag: tar.TypeReg, Mode: 0644, Size: 1}, "x"},
		{"absolute", &tar.Header{Name: "/etc/passwd", Typeflag: tar.TypeReg, Mode: 0644, Size: 1}, "x"},
		{"escaping symlink", &tar.Header{Name: "a/link", Typeflag: tar.TypeSymlink, Linkname: "../../etc"}, ""},
		{"too large", &tar.Header{Name: "big", Typeflag: tar.TypeReg, Mode: 0644, Size: 64}, string(make([]byte, 64))},
		{"escaping hard link", &tar.Header{Name: "a/link", Typeflag: tar.TypeLink, Linkname: "../../etc/passwd"}, ""},
		{"fifo", &tar.Header{Name: "pipe", Typeflag: tar.TypeFifo, Mode: 0644}, ""},
		{"char device", &tar.Header{Name: "null", Typeflag: tar.TypeChar, Mode: 0666}, ""},
	}

	limits := Limits{MaxFileSize: 32, MaxTotalSize: 1024, MaxCompressionRatio: 1000}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := writeTarball(t, []*tar.Header{tt.entry}, []string{tt.body})
			if _, err := Extract(src, t.TempDir(), limits); err == nil {
				t.Error("expected extraction to be rejected")
			}
		})
	}
}

func TestReadFiles(t *testing.T) {
	src := writeTarball(t,
		[]*tar.Header{
			{Name: "./boot/", Typeflag: tar.TypeDir, Mode: 0755},
			{Name: "./boot/uEnv.txt", Typeflag: tar.TypeReg, Mode: 0644, Size: 5},
			{Name: "./boot.txt", Typeflag: tar.TypeReg, Mode: 0644, Size: 4},
			{Name: "./other/uEnv.txt", Typeflag: tar.TypeReg, Mode: 0644, Size: 6},
		},
		[]string{"", "uenv1", "boot", "uenv-2"},
	)

	got, err := ReadFiles(src, []string{"boot.txt", "uEnv.txt"}, DefaultLimits)
	if err != nil {
		t.Fatalf("ReadFiles failed: %v", err)
	}
	want := map[string]string{"boot.txt": "boot", "uEnv.txt": "uenv1"}
	gotStr := map[string]string{}
	for k, v := range got {
		gotStr[k] = string(v)
	}
	if diff := cmp.Diff(want, gotStr); diff != "" {
		t.Errorf("ReadFiles mismatch (-want +got):\n%s", diff)
	}
}

func TestOpen_UnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rootfs.xz")
	os.WriteFile(path, []byte("x"), 0644)

	if _, err := Open(path); !errors.IsConfig(err) {
		t.Errorf("expected config error, got %v", err)
	}
}
