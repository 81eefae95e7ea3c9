package model

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Result is a row of the results table
type Result struct {
	ID            int64           `db:"id"`
	UUID          string          `db:"uuid"`
	CorrelationID string          `db:"correlation_id"`
	Origin        string          `db:"origin"`
	CallbackURL   string          `db:"callback_url"`
	Status        string          `db:"status"`
	StatusMessage string          `db:"status_message"`
	WaitUntil     sql.NullTime    `db:"wait_until"`
	SentAt        sql.NullTime    `db:"sent_at"`
	RawPayload    json.RawMessage `db:"raw_payload"`
	CreatedAt     time.Time       `db:"created_at"`
}
