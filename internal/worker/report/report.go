// Package report reads the engine's html report data and turns it into result entries.
package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cuongbtq/visualdiff-farm/internal/worker/domain"
)

// FileName is the report data file inside the html report directory
const FileName = "config.js"

// ErrReportMissing is returned when the engine left no report data behind
var ErrReportMissing = errors.New("report file not found")

// Report is the data the engine writes as report({...});
type Report struct {
	TestSuite string `json:"testSuite"`
	Tests     []Test `json:"tests"`
}

// Test is one scenario/viewport pair in the report
type Test struct {
	Pair   Pair   `json:"pair"`
	Status string `json:"status"`
}

// Pair holds the image paths of a test, relative to the html report directory
type Pair struct {
	Reference     string `json:"reference"`
	Test          string `json:"test"`
	DiffImage     string `json:"diffImage"`
	Label         string `json:"label"`
	ViewportLabel string `json:"viewportLabel"`
	Diff          *Diff  `json:"diff"`
	Error         Text   `json:"error"`
}

// Diff is the comparison summary of a pair
type Diff struct {
	MisMatchPercentage *Percentage `json:"misMatchPercentage"`
}

// Percentage accepts both "1.23" and 1.23
type Percentage float64

func (p *Percentage) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*p = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid percentage %s: %w", data, err)
	}
	*p = Percentage(v)
	return nil
}

// Text holds a string field the engine sometimes writes as an object
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = Text(s)
		return nil
	}
	if string(data) == "null" {
		*t = ""
		return nil
	}
	*t = Text(data)
	return nil
}

// Load reads {dir}/config.js and strips the report(...) wrapper
func Load(dir string) (*Report, error) {
	path := filepath.Join(dir, FileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrReportMissing, path)
		}
		return nil, fmt.Errorf("failed to read report: %w", err)
	}

	payload := unwrap(data)

	var report Report
	if err := json.Unmarshal(payload, &report); err != nil {
		return nil, fmt.Errorf("failed to parse report %s: %w", path, err)
	}

	return &report, nil
}

func unwrap(data []byte) []byte {
	data = bytes.TrimSpace(data)
	if i := bytes.Index(data, []byte("report(")); i >= 0 {
		data = data[i+len("report("):]
	}
	data = bytes.TrimSuffix(data, []byte(";"))
	data = bytes.TrimSpace(data)
	data = bytes.TrimSuffix(data, []byte(")"))
	return data
}

// Summary is the outcome of a run as counted from its report
type Summary struct {
	PassedCount int
	FailedCount int
	TestCount   int
	PassRate    float64
	Success     bool
	Results     []domain.TestResult
}

// Summarize counts the report's tests and resolves image urls against baseURL.
// A run succeeds only when no test failed and every expected test was reported.
func Summarize(r *Report, expectedTestCount int, baseURL string) Summary {
	var s Summary
	if r == nil {
		return s
	}

	base := strings.TrimRight(baseURL, "/")
	for _, test := range r.Tests {
		ok := test.Status == domain.TestStatusPass
		if ok {
			s.PassedCount++
		} else {
			s.FailedCount++
		}

		result := domain.TestResult{
			ScenarioLabel: test.Pair.Label,
			ViewportLabel: test.Pair.ViewportLabel,
			Success:       ok,
			ReferenceURL:  resolve(base, test.Pair.Reference),
			TestURL:       resolve(base, test.Pair.Test),
			DiffURL:       resolve(base, test.Pair.DiffImage),
			Error:         string(test.Pair.Error),
		}
		if test.Pair.Diff != nil && test.Pair.Diff.MisMatchPercentage != nil {
			v := float64(*test.Pair.Diff.MisMatchPercentage)
			result.MisMatchPercentage = &v
		}

		s.Results = append(s.Results, result)
	}

	s.TestCount = s.PassedCount + s.FailedCount
	if s.TestCount > 0 {
		s.PassRate = float64(s.PassedCount) / float64(s.TestCount)
	}
	s.Success = s.FailedCount == 0 && s.TestCount > 0 && s.TestCount == expectedTestCount

	return s
}

// resolve turns a path relative to the html report directory into a url under base
func resolve(base, rel string) string {
	if rel == "" {
		return ""
	}
	rel = filepath.ToSlash(rel)
	for strings.HasPrefix(rel, "../") {
		rel = strings.TrimPrefix(rel, "../")
	}
	rel = strings.TrimPrefix(rel, "./")
	return base + "/" + rel
}
