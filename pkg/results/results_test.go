package results

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewRun(t *testing.T) {
	r := NewRun("boardlab")
	r.AddResult("deploy_image", nil)
	r.AddResult("boot_image", fmt.Errorf("test prompt not seen"))

	if r.AnalyzerAssignedUUID == "" {
		t.Error("expected a UUID")
	}
	if !strings.HasSuffix(r.AnalyzerAssignedDate, "Z") {
		t.Errorf("date = %q, want UTC", r.AnalyzerAssignedDate)
	}
	want := []TestResult{
		{TestCaseID: "deploy_image", Result: Pass},
		{TestCaseID: "boot_image", Result: Fail, Message: "test prompt not seen"},
	}
	if diff := cmp.Diff(want, r.TestResults); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestCombine(t *testing.T) {
	run := NewRun("boardlab")
	meta := map[string]string{"target": "panda01"}

	empty := Combine(nil, run, meta)
	if empty.Format != Format || len(empty.TestRuns) != 1 {
		t.Fatalf("unexpected bundle: %+v", empty)
	}

	a := &Bundle{Format: Format, TestRuns: []*TestRun{{TestID: "ltp", Attributes: map[string]string{"x": "1"}}}}
	b := &Bundle{Format: Format, TestRuns: []*TestRun{{TestID: "stream"}}}
	got := Combine([]*Bundle{a, b}, run, meta)

	var ids []string
	for _, tr := range got.TestRuns {
		ids = append(ids, tr.TestID)
		if tr.Attributes["target"] != "panda01" {
			t.Errorf("run %s missing metadata: %v", tr.TestID, tr.Attributes)
		}
	}
	if diff := cmp.Diff([]string{"ltp", "stream", "boardlab"}, ids); diff != "" {
		t.Errorf("test runs mismatch (-want +got):\n%s", diff)
	}
	if got.TestRuns[0].Attributes["x"] != "1" {
		t.Error("existing attributes should be kept")
	}
}

func TestLoadBundles(t *testing.T) {
	dir := t.TempDir()
	good, _ := json.Marshal(&Bundle{Format: Format, TestRuns: []*TestRun{{TestID: "ltp"}}})
	files := map[string]string{
		"a.bundle":  string(good),
		"b.bundle":  "{not json",
		"notes.txt": "ignored",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	bundles, err := LoadBundles(dir)
	if err == nil || !strings.Contains(err.Error(), "b.bundle") {
		t.Errorf("expected an error naming b.bundle, got %v", err)
	}
	if len(bundles) != 1 || bundles[0].TestRuns[0].TestID != "ltp" {
		t.Errorf("unexpected bundles: %+v", bundles)
	}
}

func TestFileSubmitter(t *testing.T) {
	run := NewRun("boardlab")
	run.Attach("serial.log", "text/plain", []byte("U-Boot 2011.09\n"))
	b := Combine(nil, run, map[string]string{"target": "panda01"})

	s := &FileSubmitter{Dir: t.TempDir()}
	path, err := s.Submit(context.Background(), b, "smoke", "/anonymous/lab/")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if filepath.Dir(path) != filepath.Join(s.Dir, "anonymous", "lab") {
		t.Errorf("path = %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got Bundle
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("bundle does not parse: %v", err)
	}
	if diff := cmp.Diff(b, &got); diff != "" {
		t.Errorf("bundle mismatch (-want +got):\n%s", diff)
	}
}
