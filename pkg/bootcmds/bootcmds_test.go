package bootcmds

import (
	"archive/tar"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"

	"github.com/fly-io/boardlab/pkg/archive"
	"github.com/fly-io/boardlab/pkg/errors"
)

const pandaBootTxt = `setenv bootcmd 'fatload mmc 0:1 0x80200000 uImage; fatload mmc 0:1 0x81600000 uInitrd; bootm 0x80200000 0x81600000'
setenv bootargs 'console=ttyO2,115200n8 root=UUID=6a2ff1d4-7a6e-4ec1-a2b5-a0f5a3b1a6c9 rootwait ro'
boot
`

func TestRewrite(t *testing.T) {
	got := Rewrite(pandaBootTxt, "0", 2)
	want := []string{
		"setenv bootcmd 'fatload mmc 0:3 0x80200000 uImage; fatload mmc 0:3 0x81600000 uInitrd; bootm 0x80200000 0x81600000'",
		"setenv bootargs 'console=ttyO2,115200n8 root=LABEL=testrootfs rootwait ro'",
		"boot",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Rewrite mismatch (-want +got):\n%s", diff)
	}
}

func TestRewrite_BootDeviceAndBoundaries(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"fatload mmc 1:2 0x800", "fatload mmc 7:4 0x800"},
		{"0:1 uImage", "7:3 uImage"},
		{"ext2load mmc 0:1", "ext2load mmc 7:3"},
		{"ip=10.0.0.1:2 keep", "ip=10.0.0.1:2 keep"},
		{"addr=0x1:2 keep", "addr=0x1:2 keep"},
		{"fatload\tmmc\t0:1\tx", "fatload\tmmc\t7:3\tx"},
	}
	for _, tt := range tests {
		got := strings.Join(Rewrite(tt.in, "7", 2), "\n")
		if got != tt.want {
			t.Errorf("Rewrite(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRewrite_Idempotent(t *testing.T) {
	blobs := []string{
		pandaBootTxt,
		"fatload mmc 0:3 0x80200000 uImage\nsetenv bootargs root=LABEL=testrootfs\nbootm",
		"mmc init\nfatload mmc 0:1 0x80000000 uImage\nfatload mmc 0:2 0x81000000 uInitrd",
	}
	for _, blob := range blobs {
		once := Rewrite(blob, "0", 2)
		twice := Rewrite(strings.Join(once, "\n"), "0", 2)
		if diff := cmp.Diff(once, twice); diff != "" {
			t.Errorf("second rewrite changed output (-once +twice):\n%s", diff)
		}
	}
}

func TestSplitList(t *testing.T) {
	in := `mmc init,
    mmc part 0,
    setenv bootcmd "'fatload mmc 0:3 0x80000000 uImage; bootm 0x80000000'",
    setenv bootargs "'console=tty0 console=ttymxc0,115200n8 root=LABEL=testrootfs rootwait ro'",
    boot`
	want := []string{
		"mmc init",
		"mmc part 0",
		"setenv bootcmd 'fatload mmc 0:3 0x80000000 uImage; bootm 0x80000000'",
		"setenv bootargs 'console=tty0 console=ttymxc0,115200n8 root=LABEL=testrootfs rootwait ro'",
		"boot",
	}
	if diff := cmp.Diff(want, SplitList(in)); diff != "" {
		t.Errorf("SplitList mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_Precedence(t *testing.T) {
	dynamic := []string{"from image"}
	options := map[string]string{"boot_cmds_nfs": "nfs one, nfs two"}

	tests := []struct {
		name    string
		src     Sources
		want    []string
		wantSrc Source
	}{
		{
			"job beats everything",
			Sources{Job: []string{"job cmd"}, BootOption: "boot_cmds_nfs", Options: options, Dynamic: dynamic, Default: "default"},
			[]string{"job cmd"}, SourceJob,
		},
		{
			"boot option beats image",
			Sources{BootOption: "boot_cmds_nfs", Options: options, Dynamic: dynamic, Default: "default"},
			[]string{"nfs one", "nfs two"}, SourceBootOption,
		},
		{
			"boot option name is matched lowercased",
			Sources{BootOption: "BOOT_CMDS_NFS", Options: options},
			[]string{"nfs one", "nfs two"}, SourceBootOption,
		},
		{
			"image beats device default",
			Sources{Dynamic: dynamic, Default: "default"},
			dynamic, SourceImage,
		},
		{
			"device default",
			Sources{Default: "mmc init, boot"},
			[]string{"mmc init", "boot"}, SourceDevice,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, src, err := Resolve(tt.src)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if src != tt.wantSrc {
				t.Errorf("source = %s, want %s", src, tt.wantSrc)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("commands mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResolve_Errors(t *testing.T) {
	if _, _, err := Resolve(Sources{BootOption: "missing"}); !errors.IsConfig(err) {
		t.Errorf("expected config error for unknown option, got %v", err)
	}
	if _, _, err := Resolve(Sources{}); !errors.IsConfig(err) {
		t.Errorf("expected config error with no commands, got %v", err)
	}
}

func TestReadFromTarball(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.tgz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := gzip.NewWriter(f)
	tw := tar.NewWriter(zw)
	tw.WriteHeader(&tar.Header{Name: "./boot.txt", Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(pandaBootTxt))})
	tw.Write([]byte(pandaBootTxt))
	tw.Close()
	zw.Close()
	f.Close()

	cmds, ok, err := ReadFromTarball(path, []string{"uEnv.txt", "boot.txt"}, "0", 2, archive.DefaultLimits)
	if err != nil || !ok {
		t.Fatalf("ReadFromTarball = %v, %v", ok, err)
	}
	if len(cmds) != 3 || cmds[2] != "boot" {
		t.Errorf("unexpected commands %q", cmds)
	}

	_, ok, err = ReadFromTarball(path, []string{"uEnv.txt"}, "0", 2, archive.DefaultLimits)
	if err != nil || ok {
		t.Errorf("expected not found, got ok=%v err=%v", ok, err)
	}
}

func TestCache_SetOnce(t *testing.T) {
	var c Cache
	if c.Loaded() || c.Get() != nil {
		t.Fatal("expected empty cache")
	}
	c.Set([]string{"first"})
	c.Set([]string{"second"})
	if got := c.Get(); len(got) != 1 || got[0] != "first" {
		t.Errorf("cache = %v, want [first]", got)
	}
}
