package domain

import (
	"fmt"
	"regexp"
)

// IDPattern is the allowed shape of a job id. The id becomes a directory name.
var IDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Viewport is one screen size the scenarios are captured at
type Viewport struct {
	Label  string `json:"label"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Scenario is one page to capture. Keys other than label and url are passed to the engine unchanged.
type Scenario map[string]any

// Label returns the scenario label
func (s Scenario) Label() string {
	label, _ := s["label"].(string)
	return label
}

// URL returns the scenario url
func (s Scenario) URL() string {
	url, _ := s["url"].(string)
	return url
}

// JobMessage is the job as it travels through the queue
type JobMessage struct {
	ID             string         `json:"id"`
	Browser        string         `json:"browser,omitempty"`
	Viewports      []Viewport     `json:"viewports"`
	Scenarios      []Scenario     `json:"scenarios"`
	EngineOptions  map[string]any `json:"engineOptions,omitempty"`
	Origin         string         `json:"origin,omitempty"`
	OriginCallback string         `json:"originCallback,omitempty"`
	CorrelationID  string         `json:"correlationId,omitempty"`
}

// Validate checks the job and returns a *ValidationError listing every problem
func (j *JobMessage) Validate() error {
	var problems []string

	switch {
	case j.ID == "":
		problems = append(problems, "id is required")
	case !IDPattern.MatchString(j.ID):
		problems = append(problems, fmt.Sprintf("id must match %s", IDPattern.String()))
	}

	if len(j.Viewports) == 0 {
		problems = append(problems, "viewports must not be empty")
	}
	for i, vp := range j.Viewports {
		if vp.Width <= 0 || vp.Height <= 0 {
			problems = append(problems, fmt.Sprintf("viewports[%d] width and height must be positive", i))
		}
	}

	if len(j.Scenarios) == 0 {
		problems = append(problems, "scenarios must not be empty")
	}
	for i, sc := range j.Scenarios {
		if sc.URL() == "" {
			problems = append(problems, fmt.Sprintf("scenarios[%d].url is required", i))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ExpectedTestCount is the number of tests a complete run produces
func (j *JobMessage) ExpectedTestCount() int {
	return len(j.Viewports) * len(j.Scenarios)
}
