package domain

import "time"

// Envelope is the result of one job as submitted to the result sink
type Envelope struct {
	UUID            string       `json:"uuid"`
	Metadata        Metadata     `json:"metadata"`
	Results         []TestResult `json:"results"`
	ResultsURL      string       `json:"resultsUrl,omitempty"`
	Errors          []string     `json:"errors"`
	OriginalRequest *JobMessage  `json:"originalRequest"`
}

// Metadata summarizes a run
type Metadata struct {
	ID            string                  `json:"id"`
	Mode          string                  `json:"mode"`
	Browser       string                  `json:"browser"`
	Engine        string                  `json:"engine"`
	ViewportCount int                     `json:"viewportCount"`
	ScenarioCount int                     `json:"scenarioCount"`
	TestCount     int                     `json:"testCount"`
	PassedCount   int                     `json:"passedCount"`
	FailedCount   int                     `json:"failedCount"`
	PassRate      float64                 `json:"passRate"`
	Success       bool                    `json:"success"`
	Duration      map[string]*StageMetric `json:"duration"`
}

// StageMetric records the wall time of one stage
type StageMetric struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Duration   float64   `json:"duration"`
	MetricType string    `json:"metricType"`
}

// Finish sets the end time and the duration in seconds
func (m *StageMetric) Finish(end time.Time) {
	m.End = end
	m.Duration = end.Sub(m.Start).Seconds()
	m.MetricType = MetricTypeSeconds
}

// TestResult is the outcome of one scenario at one viewport
type TestResult struct {
	ScenarioLabel      string   `json:"scenarioLabel"`
	ViewportLabel      string   `json:"viewportLabel"`
	Success            bool     `json:"success"`
	ReferenceURL       string   `json:"referenceUrl,omitempty"`
	TestURL            string   `json:"testUrl,omitempty"`
	DiffURL            string   `json:"diffUrl,omitempty"`
	MisMatchPercentage *float64 `json:"misMatchPercentage"`
	Error              string   `json:"error,omitempty"`
}

// AddError appends a processing error to the envelope
func (e *Envelope) AddError(err error) {
	e.Errors = append(e.Errors, err.Error())
}
