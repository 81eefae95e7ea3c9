package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validJob() *JobMessage {
	return &JobMessage{
		ID:        "abc",
		Viewports: []Viewport{{Label: "desktop", Width: 1280, Height: 800}},
		Scenarios: []Scenario{{"label": "home", "url": "https://example.com"}},
	}
}

func TestJobMessage_Validate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(j *JobMessage)
		problems []string
	}{
		{
			name:   "valid job",
			mutate: func(j *JobMessage) {},
		},
		{
			name:     "missing id",
			mutate:   func(j *JobMessage) { j.ID = "" },
			problems: []string{"id is required"},
		},
		{
			name:     "id with path separator",
			mutate:   func(j *JobMessage) { j.ID = "../abc" },
			problems: []string{"id must match ^[A-Za-z0-9_-]+$"},
		},
		{
			name: "empty viewports and scenarios",
			mutate: func(j *JobMessage) {
				j.Viewports = nil
				j.Scenarios = nil
			},
			problems: []string{"viewports must not be empty", "scenarios must not be empty"},
		},
		{
			name: "incomplete entries",
			mutate: func(j *JobMessage) {
				j.Viewports = []Viewport{{Width: 0, Height: 10}}
				j.Scenarios = []Scenario{{"delay": 100}}
			},
			problems: []string{
				"viewports[0] width and height must be positive",
				"scenarios[0].url is required",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := validJob()
			tt.mutate(job)

			err := job.Validate()
			if tt.problems == nil {
				require.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidJob)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.problems, verr.Problems)
		})
	}
}

func TestJobMessage_ValidateWithoutLabels(t *testing.T) {
	raw := `{"id":"abc","viewports":[{"width":800,"height":600}],
		"scenarios":[{"url":"http://a"},{"url":"http://b"}]}`

	var job JobMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &job))

	require.NoError(t, job.Validate())
	assert.Equal(t, 2, job.ExpectedTestCount())
}

func TestJobMessage_ScenarioPassthrough(t *testing.T) {
	raw := `{"id":"abc","viewports":[{"label":"phone","width":320,"height":480}],
		"scenarios":[{"label":"home","url":"https://example.com","selectors":["header"],"misMatchThreshold":0.1}]}`

	var job JobMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &job))

	assert.Equal(t, "home", job.Scenarios[0].Label())
	assert.Equal(t, "https://example.com", job.Scenarios[0].URL())
	assert.Equal(t, []any{"header"}, job.Scenarios[0]["selectors"])
	assert.Equal(t, 0.1, job.Scenarios[0]["misMatchThreshold"])
	assert.Equal(t, 1, job.ExpectedTestCount())
}

func TestStageMetric_Finish(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	metric := &StageMetric{Start: start}
	metric.Finish(start.Add(1500 * time.Millisecond))

	assert.Equal(t, 1.5, metric.Duration)
	assert.Equal(t, MetricTypeSeconds, metric.MetricType)
}

func TestIsRetryable(t *testing.T) {
	base := errors.New("connection reset")
	assert.True(t, IsRetryable(NewRetryableError(base)))
	assert.ErrorIs(t, NewRetryableError(base), base)
	assert.False(t, IsRetryable(base))
}
