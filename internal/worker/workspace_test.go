package worker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/visualdiff-farm/internal/worker/domain"
)

func testJob() *domain.JobMessage {
	return &domain.JobMessage{
		ID:        "abc",
		Viewports: []domain.Viewport{{Label: "desktop", Width: 1280, Height: 800}},
		Scenarios: []domain.Scenario{
			{"label": "home", "url": "http://site/", "delay": 500},
			{"label": "about", "url": "http://site/about"},
		},
		Origin:         "drupal",
		OriginCallback: "http://drupal/api/v1/result/add",
	}
}

func TestWorkspace_Prepare(t *testing.T) {
	ws := NewWorkspace(t.TempDir(), "chrome", "abc")

	require.NoError(t, ws.Prepare())
	require.NoError(t, ws.Prepare())

	for _, dir := range []string{ReferenceDir, TestDir, HTMLReportDir, CIReportDir} {
		info, err := os.Stat(ws.Path(dir))
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir(), dir)
	}
	assert.Equal(t, "abc", filepath.Base(ws.Root))
	assert.Equal(t, "chrome", filepath.Base(filepath.Dir(ws.Root)))
}

func TestWorkspace_WriteConfig(t *testing.T) {
	ws := NewWorkspace(t.TempDir(), "chrome", "abc")
	require.NoError(t, ws.Prepare())

	caps := Capabilities{Engine: "puppeteer", ScriptsFolder: "puppeteer_scripts"}
	require.NoError(t, ws.WriteConfig(BuildEngineConfig(caps, testJob(), ws, "/opt/scripts")))

	data, err := os.ReadFile(ws.ConfigPath())
	require.NoError(t, err)

	var written map[string]any
	require.NoError(t, json.Unmarshal(data, &written))

	assert.Equal(t, "abc", written["id"])
	assert.Equal(t, "puppeteer", written["engine"])
	assert.Equal(t, false, written["openReport"])
	assert.Len(t, written["scenarios"], 2)

	paths := written["paths"].(map[string]any)
	assert.Equal(t, "/opt/scripts/puppeteer_scripts", paths["engine_scripts"])
	assert.Equal(t, ws.Path(HTMLReportDir), paths["html_report"])
	assert.Equal(t, ws.Path(ReferenceDir), paths["bitmaps_reference"])
}

func TestBuildEngineConfig_EngineOptions(t *testing.T) {
	tests := []struct {
		name       string
		caps       Capabilities
		jobOptions map[string]any
		key        string
		want       any
	}{
		{
			name: "capability keys win over job keys",
			caps: Capabilities{
				Engine:           "puppeteer",
				EngineOptionsKey: "engineOptions",
				EngineOptions:    map[string]any{"waitTimeout": 120000, "ignoreHTTPSErrors": true},
			},
			jobOptions: map[string]any{"waitTimeout": 5, "headless": "new"},
			key:        "engineOptions",
			want:       map[string]any{"waitTimeout": 120000, "ignoreHTTPSErrors": true, "headless": "new"},
		},
		{
			name:       "job options pass through without capability options",
			caps:       Capabilities{Engine: "puppeteer"},
			jobOptions: map[string]any{"headless": "new"},
			key:        "engineOptions",
			want:       map[string]any{"headless": "new"},
		},
		{
			name: "yaml decoded capability map is normalized",
			caps: Capabilities{
				Engine:        "puppeteer",
				EngineOptions: map[any]any{"args": []any{"--no-sandbox"}},
			},
			key:  "engineOptions",
			want: map[string]any{"args": []any{"--no-sandbox"}},
		},
		{
			name: "array options under a custom key",
			caps: Capabilities{
				Engine:           "slimerjs",
				EngineOptionsKey: "casperFlags",
				EngineOptions:    []any{"--engine=slimerjs", "--ignore-ssl-errors=true"},
			},
			jobOptions: map[string]any{"headless": "new"},
			key:        "casperFlags",
			want:       []any{"--engine=slimerjs", "--ignore-ssl-errors=true"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := testJob()
			job.EngineOptions = tt.jobOptions

			config := BuildEngineConfig(tt.caps, job, NewWorkspace("/runtime", "chrome", job.ID), "/scripts")
			assert.Equal(t, tt.want, config[tt.key])
		})
	}
}

func TestBuildEngineConfig_DoesNotMutateInputs(t *testing.T) {
	capOptions := map[string]any{"waitTimeout": 1}
	job := testJob()
	job.EngineOptions = map[string]any{"headless": "new"}

	caps := Capabilities{Engine: "puppeteer", EngineOptions: capOptions}
	BuildEngineConfig(caps, job, NewWorkspace("/runtime", "chrome", job.ID), "/scripts")

	assert.Equal(t, map[string]any{"headless": "new"}, job.EngineOptions)
	assert.Equal(t, map[string]any{"waitTimeout": 1}, capOptions)
}

func TestBuildEngineConfig_DefaultLabels(t *testing.T) {
	job := &domain.JobMessage{
		ID:        "abc",
		Viewports: []domain.Viewport{{Width: 800, Height: 600}, {Label: "phone", Width: 320, Height: 480}},
		Scenarios: []domain.Scenario{{"url": "http://a"}, {"label": "b", "url": "http://b"}},
	}

	config := BuildEngineConfig(Capabilities{Engine: "puppeteer"}, job, NewWorkspace("/runtime", "chrome", job.ID), "/scripts")

	viewports := config["viewports"].([]domain.Viewport)
	assert.Equal(t, "viewport-1", viewports[0].Label)
	assert.Equal(t, "phone", viewports[1].Label)

	scenarios := config["scenarios"].([]domain.Scenario)
	assert.Equal(t, "scenario-1", scenarios[0].Label())
	assert.Equal(t, "http://a", scenarios[0].URL())
	assert.Equal(t, "b", scenarios[1].Label())

	assert.Empty(t, job.Viewports[0].Label)
	assert.NotContains(t, job.Scenarios[0], "label")
}

func TestBuildEngineConfig_AsyncLimits(t *testing.T) {
	caps := Capabilities{Engine: "puppeteer", AsyncCaptureLimit: 3}
	config := BuildEngineConfig(caps, testJob(), NewWorkspace("/runtime", "chrome", "abc"), "/scripts")

	assert.Equal(t, 3, config["asyncCaptureLimit"])
	assert.NotContains(t, config, "asyncCompareLimit")
}
