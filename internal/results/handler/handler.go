package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/visualdiff-farm/internal/results/model"
)

// ResultStore is the part of the results storage the handlers need
type ResultStore interface {
	Create(ctx context.Context, result *model.Result) error
	FetchForOrigin(ctx context.Context, origin string, correlationIDs []string, limit int, now time.Time) ([]model.Result, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	Store      ResultStore
	FetchLimit int
}

// ResultHandler handles result-related HTTP requests
type ResultHandler struct {
	logger     *slog.Logger
	store      ResultStore
	fetchLimit int
	now        func() time.Time
}

// NewResultHandler creates a new ResultHandler instance
func NewResultHandler(deps *Dependencies) *ResultHandler {
	return &ResultHandler{
		logger:     deps.Logger,
		store:      deps.Store,
		fetchLimit: deps.FetchLimit,
		now:        time.Now,
	}
}
