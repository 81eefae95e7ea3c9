package dto

import (
	"encoding/json"
	"time"
)

// AddResultRequest is the envelope a worker submits. Only the fields the
// result-service indexes are decoded; the full body is stored as is.
type AddResultRequest struct {
	UUID            string           `json:"uuid" binding:"required"`
	OriginalRequest *OriginalRequest `json:"originalRequest"`
}

type OriginalRequest struct {
	ID             string `json:"id"`
	Origin         string `json:"origin"`
	OriginCallback string `json:"originCallback"`
	CorrelationID  string `json:"correlationId"`
}

type AddResultResponse struct {
	Message string    `json:"message"`
	Data    ResultDTO `json:"data"`
}

type ResultDTO struct {
	ID            int64           `json:"id"`
	UUID          string          `json:"uuid"`
	CorrelationID string          `json:"correlationId"`
	Origin        string          `json:"origin"`
	CallbackURL   string          `json:"callbackUrl"`
	Status        string          `json:"status"`
	StatusMessage string          `json:"statusMessage"`
	CreatedAt     time.Time       `json:"createdAt"`
	RawPayload    json.RawMessage `json:"rawPayload"`
}

type FetchResultsRequest struct {
	Origin    string   `json:"origin"`
	TestUUIDs []string `json:"testUuids"`
}

type FetchResultsResponse struct {
	Results map[string]FetchedResult `json:"results"`
}

type FetchedResult struct {
	CreatedAt time.Time       `json:"createdAt"`
	SentAt    *time.Time      `json:"sentAt"`
	Data      json.RawMessage `json:"data"`
}
