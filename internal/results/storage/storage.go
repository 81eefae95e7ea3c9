package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/visualdiff-farm/internal/results/domain"
	"github.com/cuongbtq/visualdiff-farm/internal/results/model"
	"github.com/cuongbtq/visualdiff-farm/shared/postgresql"
)

var (
	// ErrRecordNotFound is returned when no row matches, including a guarded update on an ok row
	ErrRecordNotFound = errors.New("result not found")

	// ErrDuplicateRecord is returned when a result with the same uuid is already stored
	ErrDuplicateRecord = errors.New("result already exists")
)

const uniqueViolation = "23505"

//go:embed migrations/*.sql
var migrations embed.FS

// Migrations returns the schema files for postgresql.Client.Migrate
func Migrations() fs.FS {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

const resultColumns = `id, uuid, correlation_id, origin, callback_url, status,
	status_message, wait_until, sent_at, raw_payload, created_at`

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

// Create inserts a waiting result and fills in the generated columns
func (s *Storage) Create(ctx context.Context, result *model.Result) error {
	query := `
		INSERT INTO results (
			uuid, correlation_id, origin, callback_url,
			status, status_message, raw_payload
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7
		)
		RETURNING id, created_at
	`

	result.Status = domain.StatusWaiting
	result.StatusMessage = domain.MessageWaiting

	err := s.db.QueryRowxContext(
		ctx,
		query,
		result.UUID,
		result.CorrelationID,
		result.Origin,
		result.CallbackURL,
		result.Status,
		result.StatusMessage,
		// lib/pq sends []byte as bytea, which jsonb rejects
		string(result.RawPayload),
	).Scan(&result.ID, &result.CreatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateRecord, result.UUID)
		}
		return fmt.Errorf("failed to create result: %w", err)
	}

	return nil
}

// NextEligible returns the oldest result that is not ok and whose wait_until has passed
func (s *Storage) NextEligible(ctx context.Context, now time.Time) (*model.Result, error) {
	query := `
		SELECT ` + resultColumns + `
		FROM results
		WHERE status <> $1
		  AND (wait_until IS NULL OR wait_until < $2)
		ORDER BY created_at, id
		LIMIT 1
	`

	var result model.Result
	err := s.db.GetContext(ctx, &result, query, domain.StatusOK, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to select next result: %w", err)
	}

	return &result, nil
}

// MarkSent moves a result to ok. A result that is already ok is left untouched and
// ErrRecordNotFound is returned.
func (s *Storage) MarkSent(ctx context.Context, id int64, sentAt time.Time) error {
	query := `
		UPDATE results
		SET status = $2, status_message = $3, sent_at = $4, wait_until = NULL
		WHERE id = $1 AND status <> $2
	`

	res, err := s.db.ExecContext(ctx, query, id, domain.StatusOK, domain.MessageSent, sentAt)
	if err != nil {
		return fmt.Errorf("failed to mark result sent: %w", err)
	}
	return expectOneRow(res, id)
}

// MarkFailed moves a result to error with the next attempt at waitUntil.
// The guard keeps an ok result from reverting.
func (s *Storage) MarkFailed(ctx context.Context, id int64, message string, waitUntil time.Time) error {
	query := `
		UPDATE results
		SET status = $2, status_message = $3, wait_until = $4
		WHERE id = $1 AND status <> $5
	`

	res, err := s.db.ExecContext(ctx, query, id, domain.StatusError, message, waitUntil, domain.StatusOK)
	if err != nil {
		return fmt.Errorf("failed to mark result failed: %w", err)
	}
	return expectOneRow(res, id)
}

// FetchForOrigin hands out up to limit pending results of origin whose correlation id
// is in correlationIDs, marking them ok in the same statement.
func (s *Storage) FetchForOrigin(ctx context.Context, origin string, correlationIDs []string, limit int, now time.Time) ([]model.Result, error) {
	if limit <= 0 {
		limit = domain.DefaultFetchLimit
	}

	query := `
		UPDATE results
		SET status = $3, status_message = $4, sent_at = $5, wait_until = NULL
		WHERE id IN (
			SELECT id FROM results
			WHERE origin = $1
			  AND correlation_id = ANY($2)
			  AND status <> $3
			ORDER BY created_at, id
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		)
		AND status <> $3
		RETURNING ` + resultColumns

	var results []model.Result
	err := s.db.SelectContext(
		ctx,
		&results,
		query,
		origin,
		pq.Array(correlationIDs),
		domain.StatusOK,
		domain.FetchedMessage(origin),
		now,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch results: %w", err)
	}

	return results, nil
}

func expectOneRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", ErrRecordNotFound, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
