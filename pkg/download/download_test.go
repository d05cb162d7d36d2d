package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestFile_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "fs.tgz")
	res, err := File(context.Background(), srv.URL+"/fs.tgz", dest, Options{Retries: 5, Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("File failed: %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
	data, err := os.ReadFile(dest)
	if err != nil || string(data) != "payload" {
		t.Errorf("content = %q, %v", data, err)
	}
	if res.Size != 7 || len(res.SHA256) != 64 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestFile_GivesUpAfterRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := File(context.Background(), srv.URL+"/x", filepath.Join(t.TempDir(), "x"), Options{Retries: 4, Backoff: time.Millisecond})
	if err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 4 {
		t.Errorf("hits = %d, want 4", hits.Load())
	}
}

func TestFile_NotFoundIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := File(context.Background(), srv.URL+"/x", filepath.Join(t.TempDir(), "x"), Options{Retries: 5, Backoff: time.Millisecond})
	if err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

func TestToDir(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	dir := t.TempDir()
	res, err := ToDir(context.Background(), srv.URL+"/images/boot.tar.gz", dir, Options{})
	if err != nil {
		t.Fatalf("ToDir failed: %v", err)
	}
	if res.LocalPath != filepath.Join(dir, "boot.tar.gz") {
		t.Errorf("local path = %s", res.LocalPath)
	}
}
