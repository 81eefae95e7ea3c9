package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/visualdiff-farm/internal/worker/domain"
	"github.com/cuongbtq/visualdiff-farm/internal/worker/engine"
	"github.com/cuongbtq/visualdiff-farm/internal/worker/report"
	"github.com/cuongbtq/visualdiff-farm/shared/metrics"
)

// Submitter hands a finished envelope to the result sink
type Submitter interface {
	Submit(ctx context.Context, env *domain.Envelope) error
}

// Archiver copies report artifacts to long-term storage
type Archiver interface {
	UploadJob(ctx context.Context, browser, id, workspace string, dirs ...string) (int, error)
	BaseURL(browser, id string) string
}

// ProcessorConfig holds processor dependencies
type ProcessorConfig struct {
	Logger         *slog.Logger
	Browser        string
	RuntimeRoot    string
	ScriptsRoot    string
	ResultsBaseURL string
	Capabilities   Capabilities
	Runner         engine.Runner
	Sink           Submitter
	// DeliverTimeout bounds result submission once the job context is canceled
	DeliverTimeout time.Duration
	// Archiver is optional
	Archiver Archiver
}

const defaultDeliverTimeout = 2 * time.Minute

// Processor runs one job through prepare, reference, test, collect and deliver
type Processor struct {
	logger         *slog.Logger
	browser        string
	runtimeRoot    string
	scriptsRoot    string
	resultsBaseURL string
	caps           Capabilities
	runner         engine.Runner
	sink           Submitter
	deliverTimeout time.Duration
	archiver       Archiver

	now     func() time.Time
	newUUID func() string
}

// NewProcessor creates a new processor
func NewProcessor(cfg *ProcessorConfig) *Processor {
	deliverTimeout := cfg.DeliverTimeout
	if deliverTimeout <= 0 {
		deliverTimeout = defaultDeliverTimeout
	}

	return &Processor{
		logger:         cfg.Logger,
		browser:        cfg.Browser,
		runtimeRoot:    cfg.RuntimeRoot,
		scriptsRoot:    cfg.ScriptsRoot,
		resultsBaseURL: strings.TrimRight(cfg.ResultsBaseURL, "/"),
		caps:           cfg.Capabilities,
		runner:         cfg.Runner,
		sink:           cfg.Sink,
		deliverTimeout: deliverTimeout,
		archiver:       cfg.Archiver,
		now:            time.Now,
		newUUID:        uuid.NewString,
	}
}

// Process runs the job and delivers its envelope. It never fails: every problem is
// recorded in the envelope's errors and the envelope is still delivered.
func (p *Processor) Process(ctx context.Context, job *domain.JobMessage) *domain.Envelope {
	logger := p.logger.With(slog.String("job_id", job.ID))
	env := p.newEnvelope(job)

	logger.Info("Processing job",
		slog.String("uuid", env.UUID),
		slog.Int("viewports", len(job.Viewports)),
		slog.Int("scenarios", len(job.Scenarios)),
	)

	if job.Browser != "" && job.Browser != p.browser {
		logger.Warn("Job was routed to a different worker class",
			slog.String("job_browser", job.Browser),
			slog.String("worker_browser", p.browser),
		)
	}

	endFull := p.stage(env, domain.StageFull)

	if err := job.Validate(); err != nil {
		logger.Error("Rejecting invalid job", slog.Any("error", err))
		env.AddError(err)
		endFull()
		p.deliver(ctx, logger, env)
		return env
	}

	ws := NewWorkspace(p.runtimeRoot, p.browser, job.ID)

	endPrepare := p.stage(env, domain.StagePrepare)
	err := p.prepare(ws, job)
	endPrepare()
	if err != nil {
		logger.Error("Failed to prepare workspace", slog.Any("error", err))
		env.AddError(err)
		endFull()
		p.deliver(ctx, logger, env)
		return env
	}

	p.execute(ctx, logger, env, engine.CommandReference, domain.StageReference, ws)
	p.execute(ctx, logger, env, engine.CommandTest, domain.StageTest, ws)

	endCollect := p.stage(env, domain.StageCollect)
	p.collect(ctx, logger, env, ws, job)
	endCollect()

	endFull()

	outcome := "failure"
	if env.Metadata.Success {
		outcome = "success"
	}
	metrics.JobsProcessed.WithLabelValues(p.browser, outcome).Inc()

	logger.Info("Job finished",
		slog.Bool("success", env.Metadata.Success),
		slog.Int("test_count", env.Metadata.TestCount),
		slog.Int("passed", env.Metadata.PassedCount),
		slog.Int("failed", env.Metadata.FailedCount),
		slog.Float64("pass_rate", env.Metadata.PassRate),
		slog.Int("errors", len(env.Errors)),
	)

	p.deliver(ctx, logger, env)
	return env
}

func (p *Processor) newEnvelope(job *domain.JobMessage) *domain.Envelope {
	return &domain.Envelope{
		UUID: p.newUUID(),
		Metadata: domain.Metadata{
			ID:            job.ID,
			Mode:          domain.ModeAB,
			Browser:       p.browser,
			Engine:        p.caps.Engine,
			ViewportCount: len(job.Viewports),
			ScenarioCount: len(job.Scenarios),
			Duration:      make(map[string]*domain.StageMetric),
		},
		Results:         []domain.TestResult{},
		Errors:          []string{},
		OriginalRequest: job,
	}
}

// stage starts the named stage metric and returns the function that ends it
func (p *Processor) stage(env *domain.Envelope, name string) func() {
	metric := &domain.StageMetric{Start: p.now()}
	env.Metadata.Duration[name] = metric

	return func() {
		metric.Finish(p.now())
		metrics.StageDuration.WithLabelValues(p.browser, name).Observe(metric.Duration)
	}
}

func (p *Processor) prepare(ws Workspace, job *domain.JobMessage) error {
	if err := ws.Prepare(); err != nil {
		return err
	}
	return ws.WriteConfig(BuildEngineConfig(p.caps, job, ws, p.scriptsRoot))
}

func (p *Processor) execute(ctx context.Context, logger *slog.Logger, env *domain.Envelope, command engine.Command, stageName string, ws Workspace) {
	end := p.stage(env, stageName)
	defer end()

	if err := p.runner.Run(ctx, command, ws.ConfigPath()); err != nil {
		logger.Error("Engine command failed",
			slog.String("command", string(command)),
			slog.Any("error", err),
		)
		env.AddError(fmt.Errorf("%s: %w", command, err))
	}
}

func (p *Processor) collect(ctx context.Context, logger *slog.Logger, env *domain.Envelope, ws Workspace, job *domain.JobMessage) {
	rep, err := report.Load(ws.Path(HTMLReportDir))
	if err != nil {
		logger.Error("Failed to load report", slog.Any("error", err))
		env.AddError(err)
	}

	baseURL := fmt.Sprintf("%s/reports/%s/%s", p.resultsBaseURL, p.browser, job.ID)

	if p.archiver != nil && rep != nil {
		if _, err := p.archiver.UploadJob(ctx, p.browser, job.ID, ws.Root, HTMLReportDir, ReferenceDir, TestDir); err != nil {
			logger.Warn("Failed to archive report, keeping local urls", slog.Any("error", err))
		} else {
			baseURL = p.archiver.BaseURL(p.browser, job.ID)
		}
	}

	summary := report.Summarize(rep, job.ExpectedTestCount(), baseURL)

	env.Metadata.TestCount = summary.TestCount
	env.Metadata.PassedCount = summary.PassedCount
	env.Metadata.FailedCount = summary.FailedCount
	env.Metadata.PassRate = summary.PassRate
	env.Metadata.Success = summary.Success
	if summary.Results != nil {
		env.Results = summary.Results
	}
	env.ResultsURL = baseURL + "/" + HTMLReportDir
}

// deliver submits the envelope even when the job context was canceled by shutdown,
// so the requester still learns how the job ended.
func (p *Processor) deliver(ctx context.Context, logger *slog.Logger, env *domain.Envelope) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.deliverTimeout)
	defer cancel()

	if err := p.sink.Submit(ctx, env); err != nil {
		logger.Error("Failed to deliver result",
			slog.String("uuid", env.UUID),
			slog.Any("error", err),
		)
	}
}
