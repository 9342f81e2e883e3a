package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/AnuragDani/affiliate-engine/internal/models"
)

const postbackColumns = `id, conversion_id, network_name, postback_url, attempts, status,
	last_attempt_at, COALESCE(error_message, ''), created_at, updated_at`

func scanPostback(row rowScanner) (*models.NetworkPostback, error) {
	var (
		p           models.NetworkPostback
		lastAttempt sql.NullTime
	)
	err := row.Scan(&p.ID, &p.ConversionID, &p.NetworkName, &p.PostbackURL, &p.Attempts, &p.Status,
		&lastAttempt, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastAttempt.Valid {
		p.LastAttemptAt = &lastAttempt.Time
	}
	return &p, nil
}

func (s *Store) queryPostbacks(ctx context.Context, query string, args ...interface{}) ([]models.NetworkPostback, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.NetworkPostback
	for rows.Next() {
		p, err := scanPostback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// CreatePostback inserts a pending postback
func (s *Store) CreatePostback(ctx context.Context, p *models.NetworkPostback) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO network_postbacks (id, conversion_id, network_name, postback_url, attempts,
			status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		p.ID, p.ConversionID, p.NetworkName, p.PostbackURL, p.Attempts, p.Status, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert network postback: %w", err)
	}
	return nil
}

// GetPostback loads a postback by id
func (s *Store) GetPostback(ctx context.Context, id string) (*models.NetworkPostback, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postbackColumns+` FROM network_postbacks WHERE id = $1`, id)
	p, err := scanPostback(row)
	if err != nil && !errors.Is(err, models.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get network postback: %w", err)
	}
	return p, err
}

// ListPostbacksByConversion returns every postback of a conversion
func (s *Store) ListPostbacksByConversion(ctx context.Context, conversionID string) ([]models.NetworkPostback, error) {
	out, err := s.queryPostbacks(ctx, `SELECT `+postbackColumns+` FROM network_postbacks
		WHERE conversion_id = $1 ORDER BY created_at ASC`, conversionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list postbacks for conversion: %w", err)
	}
	return out, nil
}

// claimablePredicate mirrors models.NetworkPostback.Claimable: the first
// placeholder holds the states that may move to retrying, the second the
// staleness cutoff for rows already retrying.
const claimablePredicate = `status = ANY(%[1]s) AND (status <> 'retrying' OR last_attempt_at < %[2]s)`

// ClaimPostback moves a dispatchable postback to retrying so only one worker
// attempts it. A retrying row whose last attempt is older than staleBefore is
// treated as abandoned and may be claimed again.
func (s *Store) ClaimPostback(ctx context.Context, id string, maxAttempts int, staleBefore, now time.Time) (*models.NetworkPostback, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE network_postbacks SET status = 'retrying', last_attempt_at = $3, updated_at = $3
		WHERE id = $1 AND attempts < $2 AND `+fmt.Sprintf(claimablePredicate, "$5", "$4")+`
		RETURNING `+postbackColumns,
		id, maxAttempts, now, staleBefore, pq.Array(models.PostbackSourcesOf(models.PostbackRetrying)))
	p, err := scanPostback(row)
	if errors.Is(err, models.ErrRecordNotFound) {
		found, existsErr := s.exists(ctx, "network_postbacks", id)
		if existsErr != nil {
			return nil, fmt.Errorf("failed to check network postback: %w", existsErr)
		}
		if found {
			return nil, models.ErrStaleWrite
		}
		return nil, models.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim network postback: %w", err)
	}
	return p, nil
}

// FinishPostbackAttempt records the outcome of a claimed attempt. countAttempt
// is false when the attempt never reached the network.
func (s *Store) FinishPostbackAttempt(ctx context.Context, id string, status models.PostbackStatus, errMsg string, countAttempt bool, at time.Time) (*models.NetworkPostback, error) {
	increment := 0
	if countAttempt {
		increment = 1
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE network_postbacks SET
			status = $2, error_message = $3, attempts = attempts + $4,
			last_attempt_at = $5, updated_at = $5
		WHERE id = $1 AND status = ANY($6)
		RETURNING `+postbackColumns, id, string(status), nullString(errMsg), increment, at,
		pq.Array(models.PostbackSourcesOf(status)))
	p, err := scanPostback(row)
	if errors.Is(err, models.ErrRecordNotFound) {
		return nil, models.ErrStaleWrite
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record postback attempt: %w", err)
	}
	return p, nil
}

// ListOutstandingPostbacks returns postbacks that may still be attempted
func (s *Store) ListOutstandingPostbacks(ctx context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]models.NetworkPostback, error) {
	out, err := s.queryPostbacks(ctx, `SELECT `+postbackColumns+` FROM network_postbacks
		WHERE attempts < $1 AND `+fmt.Sprintf(claimablePredicate, "$4", "$2")+`
		ORDER BY created_at ASC
		LIMIT $3`, maxAttempts, staleBefore, limit, pq.Array(models.PostbackSourcesOf(models.PostbackRetrying)))
	if err != nil {
		return nil, fmt.Errorf("failed to list outstanding postbacks: %w", err)
	}
	return out, nil
}
