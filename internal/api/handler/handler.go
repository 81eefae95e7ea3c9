package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Publisher sends a message to a named queue channel
type Publisher interface {
	Write(ctx context.Context, channelName string, v any) error
}

// DuplicateGuard claims job ids so each is enqueued once
type DuplicateGuard interface {
	Claim(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger            *slog.Logger
	Publisher         Publisher
	Guard             DuplicateGuard
	DefaultBrowser    string
	SupportedBrowsers []string
	RuntimeRoot       string
	ResultServiceURL  string
	ProxyTimeout      time.Duration
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger            *slog.Logger
	publisher         Publisher
	guard             DuplicateGuard
	defaultBrowser    string
	supportedBrowsers []string
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:            deps.Logger,
		publisher:         deps.Publisher,
		guard:             deps.Guard,
		defaultBrowser:    deps.DefaultBrowser,
		supportedBrowsers: deps.SupportedBrowsers,
	}
}

// ResultHandler proxies result requests to the result-service
type ResultHandler struct {
	logger     *slog.Logger
	baseURL    string
	httpClient *http.Client
}

// NewResultHandler creates a new ResultHandler instance
func NewResultHandler(deps *Dependencies) *ResultHandler {
	return &ResultHandler{
		logger:     deps.Logger,
		baseURL:    strings.TrimRight(deps.ResultServiceURL, "/"),
		httpClient: &http.Client{Timeout: deps.ProxyTimeout},
	}
}

// ReportHandler serves the html reports of finished jobs
type ReportHandler struct {
	logger            *slog.Logger
	runtimeRoot       string
	supportedBrowsers []string
}

// NewReportHandler creates a new ReportHandler instance
func NewReportHandler(deps *Dependencies) *ReportHandler {
	return &ReportHandler{
		logger:            deps.Logger,
		runtimeRoot:       deps.RuntimeRoot,
		supportedBrowsers: deps.SupportedBrowsers,
	}
}
