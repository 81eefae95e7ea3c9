package dto

import (
	"github.com/cuongbtq/visualdiff-farm/internal/worker/domain"
)

// CreateJobRequest is the job message as submitted by a client
type CreateJobRequest = domain.JobMessage

type ErrorsResponse struct {
	Errors []string `json:"errors"`
}
