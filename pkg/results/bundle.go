// Package results builds the result document for a job: a bundle of test
// runs with the job's outcome, metadata and serial transcript attached.
package results

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/fly-io/boardlab/pkg/errors"
)

// Format is the bundle format understood by the results dashboard.
const Format = "Dashboard Bundle Format 1.6"

// Result values
const (
	Pass = "pass"
	Fail = "fail"
)

// Bundle is a result document.
type Bundle struct {
	TestRuns []*TestRun `json:"test_runs"`
	Format   string     `json:"format"`
}

// TestRun is one run of results inside a bundle.
type TestRun struct {
	AnalyzerAssignedUUID string            `json:"analyzer_assigned_uuid"`
	AnalyzerAssignedDate string            `json:"analyzer_assigned_date"`
	TimeCheckPerformed   bool              `json:"time_check_performed"`
	TestID               string            `json:"test_id"`
	TestResults          []TestResult      `json:"test_results"`
	Attachments          []Attachment      `json:"attachments,omitempty"`
	Attributes           map[string]string `json:"attributes,omitempty"`
}

// TestResult is the outcome of one step.
type TestResult struct {
	TestCaseID string `json:"test_case_id"`
	Result     string `json:"result"`
	Message    string `json:"message,omitempty"`
}

// Attachment is a file carried in a test run. Content is base64 in JSON.
type Attachment struct {
	Pathname string `json:"pathname"`
	MimeType string `json:"mime_type"`
	Content  []byte `json:"content"`
}

// NewRun starts a test run stamped with a fresh UUID and the current time.
func NewRun(testID string) *TestRun {
	return &TestRun{
		AnalyzerAssignedUUID: uuid.NewString(),
		AnalyzerAssignedDate: time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		TestID:               testID,
		TestResults:          []TestResult{},
		Attributes:           map[string]string{},
	}
}

// AddResult records the outcome of a step; a non-nil err fails it.
func (r *TestRun) AddResult(testCase string, err error) {
	res := TestResult{TestCaseID: testCase, Result: Pass}
	if err != nil {
		res.Result = Fail
		res.Message = err.Error()
	}
	r.TestResults = append(r.TestResults, res)
}

// Attach adds a file to the run.
func (r *TestRun) Attach(pathname, mimeType string, content []byte) {
	r.Attachments = append(r.Attachments, Attachment{Pathname: pathname, MimeType: mimeType, Content: content})
}

// LoadBundles reads every *.bundle file in dir. Bundles that fail to parse
// are skipped and reported in the returned error next to the good ones.
func LoadBundles(dir string) ([]*Bundle, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.bundle"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list bundles")
	}
	sort.Strings(paths)

	var bundles []*Bundle
	var result *multierror.Error
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to read bundle "+p))
			continue
		}
		var b Bundle
		if err := json.Unmarshal(data, &b); err != nil {
			slog.Error("bundle_parse_failed", "path", p, "error", err)
			result = multierror.Append(result, errors.Wrap(err, "error adding result bundle "+p))
			continue
		}
		bundles = append(bundles, &b)
	}
	slog.Info("bundles_loaded", "dir", dir, "count", len(bundles))
	return bundles, result.ErrorOrNil()
}

// Combine merges the test runs of bundles into one bundle, appends run and
// copies metadata onto every test run's attributes.
func Combine(bundles []*Bundle, run *TestRun, metadata map[string]string) *Bundle {
	main := &Bundle{TestRuns: []*TestRun{}, Format: Format}
	if len(bundles) > 0 {
		main = &Bundle{Format: bundles[0].Format}
		for _, b := range bundles {
			main.TestRuns = append(main.TestRuns, b.TestRuns...)
		}
	}
	if run != nil {
		main.TestRuns = append(main.TestRuns, run)
	}
	for _, tr := range main.TestRuns {
		if tr.Attributes == nil {
			tr.Attributes = map[string]string{}
		}
		for k, v := range metadata {
			tr.Attributes[k] = v
		}
	}
	return main
}
