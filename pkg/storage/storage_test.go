package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fly-io/boardlab/pkg/download"
	"github.com/fly-io/boardlab/pkg/errors"
)

type fakeObjects struct {
	bucket, key string
}

func (f *fakeObjects) Download(ctx context.Context, bucket, key, localPath string) (*DownloadResult, error) {
	f.bucket, f.key = bucket, key
	return writeHashed(strings.NewReader("object"), localPath)
}

func TestStage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("from http"))
	}))
	defer srv.Close()

	src := filepath.Join(t.TempDir(), "root.tar.gz")
	if err := os.WriteFile(src, []byte("from disk"), 0644); err != nil {
		t.Fatal(err)
	}

	objects := &fakeObjects{}
	s := &Stager{Objects: objects, HTTP: download.Options{Retries: 2, Backoff: time.Millisecond}}

	tests := []struct {
		source   string
		wantName string
		want     string
	}{
		{src, "root.tar.gz", "from disk"},
		{"file://" + src, "root.tar.gz", "from disk"},
		{srv.URL + "/releases/boot.tar.bz2", "boot.tar.bz2", "from http"},
		{"s3://lab-images/panda/system.tar.bz2", "system.tar.bz2", "object"},
	}
	for _, tt := range tests {
		dir := t.TempDir()
		res, err := s.Stage(context.Background(), tt.source, dir)
		if err != nil {
			t.Errorf("Stage(%s) failed: %v", tt.source, err)
			continue
		}
		if res.LocalPath != filepath.Join(dir, tt.wantName) {
			t.Errorf("Stage(%s) path = %s", tt.source, res.LocalPath)
		}
		data, _ := os.ReadFile(res.LocalPath)
		if string(data) != tt.want {
			t.Errorf("Stage(%s) content = %q, want %q", tt.source, data, tt.want)
		}
	}
	if objects.bucket != "lab-images" || objects.key != "panda/system.tar.bz2" {
		t.Errorf("s3 request = %s/%s", objects.bucket, objects.key)
	}
}

func TestStage_Rejects(t *testing.T) {
	s := &Stager{}
	for _, source := range []string{"", "s3://bucket/key.tgz", "ftp://host/x.tgz"} {
		if _, err := s.Stage(context.Background(), source, t.TempDir()); !errors.IsConfig(err) {
			t.Errorf("Stage(%q) = %v, want config error", source, err)
		}
	}
}

func TestImageServer(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "job1"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "job1", "boot.tgz"), []byte("boot"), 0644); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(NewImageServer(dir, "", "/images/").Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/images/job1/boot.tgz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "boot" {
		t.Errorf("got %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(srv.URL + "/other/boot.tgz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestImageServer_RunStopsOnCancel(t *testing.T) {
	s := NewImageServer(t.TempDir(), "127.0.0.1:0", "/images/")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
