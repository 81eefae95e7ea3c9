package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuongbtq/visualdiff-farm/internal/worker/domain"
)

// Engine config file and workspace subdirectories
const (
	ConfigFileName = "backstop.json"
	ReferenceDir   = "reference"
	TestDir        = "test"
	HTMLReportDir  = "html_report"
	CIReportDir    = "ci_report"
)

// Capabilities describes the engine installation of this worker.
// Its keys take precedence over the job's when the engine config is built.
type Capabilities struct {
	Engine            string
	EngineOptionsKey  string
	EngineOptions     any
	ScriptsFolder     string
	AsyncCaptureLimit int
	AsyncCompareLimit int
	Debug             bool
	DebugWindow       bool
}

// Workspace is the per-job directory tree {runtimeRoot}/{browser}/{jobID}
type Workspace struct {
	Root string
}

// NewWorkspace returns the workspace for a job without touching the disk
func NewWorkspace(runtimeRoot, browser, jobID string) Workspace {
	return Workspace{Root: filepath.Join(runtimeRoot, browser, jobID)}
}

// Path joins elem onto the workspace root
func (w Workspace) Path(elem ...string) string {
	return filepath.Join(append([]string{w.Root}, elem...)...)
}

// ConfigPath is the engine config file location
func (w Workspace) ConfigPath() string {
	return w.Path(ConfigFileName)
}

// Prepare creates the workspace and its subdirectories. It is safe to call again for the same job.
func (w Workspace) Prepare() error {
	for _, dir := range []string{ReferenceDir, TestDir, HTMLReportDir, CIReportDir} {
		if err := os.MkdirAll(w.Path(dir), 0o775); err != nil {
			return fmt.Errorf("failed to create workspace directory %s: %w", dir, err)
		}
	}
	return nil
}

// WriteConfig writes the engine config as JSON into the workspace
func (w Workspace) WriteConfig(config map[string]any) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal engine config: %w", err)
	}
	if err := os.WriteFile(w.ConfigPath(), data, 0o664); err != nil {
		return fmt.Errorf("failed to write engine config: %w", err)
	}
	return nil
}

// BuildEngineConfig merges the job into the worker capabilities.
//
// The job contributes id, viewports, scenarios and engine options. Capability keys
// always win: job engine options only fill keys the capability profile leaves unset.
func BuildEngineConfig(caps Capabilities, job *domain.JobMessage, ws Workspace, scriptsRoot string) map[string]any {
	paths := map[string]string{
		"engine_scripts":    filepath.Join(scriptsRoot, caps.ScriptsFolder),
		"bitmaps_reference": ws.Path(ReferenceDir),
		"bitmaps_test":      ws.Path(TestDir),
		"html_report":       ws.Path(HTMLReportDir),
		"ci_report":         ws.Path(CIReportDir),
	}

	config := map[string]any{
		"id":          job.ID,
		"viewports":   labeledViewports(job.Viewports),
		"scenarios":   labeledScenarios(job.Scenarios),
		"paths":       paths,
		"report":      []string{"browser", "CI"},
		"openReport":  false,
		"engine":      caps.Engine,
		"debug":       caps.Debug,
		"debugWindow": caps.DebugWindow,
	}

	if caps.AsyncCaptureLimit > 0 {
		config["asyncCaptureLimit"] = caps.AsyncCaptureLimit
	}
	if caps.AsyncCompareLimit > 0 {
		config["asyncCompareLimit"] = caps.AsyncCompareLimit
	}

	key := caps.EngineOptionsKey
	if key == "" {
		key = "engineOptions"
	}

	if len(job.EngineOptions) > 0 {
		config["engineOptions"] = copyMap(job.EngineOptions)
	}

	if caps.EngineOptions != nil {
		existing, isMap := config[key].(map[string]any)
		capOptions, capIsMap := toStringMap(caps.EngineOptions)
		switch {
		case capIsMap && isMap:
			for k, v := range capOptions {
				existing[k] = v
			}
		case capIsMap:
			config[key] = copyMap(capOptions)
		default:
			config[key] = caps.EngineOptions
		}
	}

	return config
}

// labeledViewports names unlabeled viewports viewport-<n>
func labeledViewports(in []domain.Viewport) []domain.Viewport {
	out := make([]domain.Viewport, len(in))
	for i, vp := range in {
		if vp.Label == "" {
			vp.Label = fmt.Sprintf("viewport-%d", i+1)
		}
		out[i] = vp
	}
	return out
}

// labeledScenarios names unlabeled scenarios scenario-<n>
func labeledScenarios(in []domain.Scenario) []domain.Scenario {
	out := make([]domain.Scenario, len(in))
	for i, sc := range in {
		if sc.Label() == "" {
			sc = domain.Scenario(copyMap(sc))
			sc["label"] = fmt.Sprintf("scenario-%d", i+1)
		}
		out[i] = sc
	}
	return out
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// toStringMap normalizes option maps decoded from YAML
func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}
