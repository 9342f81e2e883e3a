package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/AnuragDani/affiliate-engine/internal/models"
)

const batchColumns = `id, affiliate_id, conversion_ids, total_amount, fee_amount, COALESCE(payout_method, ''),
	checklist, COALESCE(verification_notes, ''), status, COALESCE(disbursement_id, ''),
	COALESCE(failure_reason, ''), created_at, updated_at, processed_at`

func scanBatch(row rowScanner) (*models.PayoutBatch, error) {
	var (
		b           models.PayoutBatch
		checklist   []byte
		processedAt sql.NullTime
	)
	err := row.Scan(&b.ID, &b.AffiliateID, pq.Array(&b.ConversionIDs), &b.TotalAmount, &b.FeeAmount,
		&b.PayoutMethod, &checklist, &b.VerificationNotes, &b.Status, &b.DisbursementID,
		&b.FailureReason, &b.CreatedAt, &b.UpdatedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(checklist) > 0 {
		if err := json.Unmarshal(checklist, &b.Checklist); err != nil {
			return nil, fmt.Errorf("failed to decode checklist: %w", err)
		}
	}
	if processedAt.Valid {
		b.ProcessedAt = &processedAt.Time
	}
	return &b, nil
}

// CreateBatch inserts a draft batch and attaches its conversions in one
// transaction. If any conversion is no longer cleared and unbatched the whole
// batch is rolled back with models.ErrStaleWrite.
func (s *Store) CreateBatch(ctx context.Context, b *models.PayoutBatch) error {
	checklist, err := marshalJSON(b.Checklist)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payout_batches (id, affiliate_id, conversion_ids, total_amount, fee_amount,
			payout_method, checklist, verification_notes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		b.ID, b.AffiliateID, pq.Array(b.ConversionIDs), b.TotalAmount, b.FeeAmount,
		nullString(string(b.PayoutMethod)), checklist, nullString(b.VerificationNotes), b.Status, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payout batch: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE conversions SET payout_batch_id = $1, updated_at = $4
		WHERE id = ANY($2) AND affiliate_id = $3 AND status = 'cleared' AND payout_batch_id IS NULL`,
		b.ID, pq.Array(b.ConversionIDs), b.AffiliateID, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to attach conversions to batch: %w", err)
	}
	attached, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read attached rows: %w", err)
	}
	if int(attached) != len(b.ConversionIDs) {
		return models.ErrStaleWrite
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit payout batch: %w", err)
	}
	return nil
}

// GetBatch loads a batch by id
func (s *Store) GetBatch(ctx context.Context, id string) (*models.PayoutBatch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM payout_batches WHERE id = $1`, id)
	b, err := scanBatch(row)
	if err != nil && !errors.Is(err, models.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get payout batch: %w", err)
	}
	return b, err
}

// GetBatchByDisbursementID loads the batch an external disbursement belongs to
func (s *Store) GetBatchByDisbursementID(ctx context.Context, disbursementID string) (*models.PayoutBatch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM payout_batches WHERE disbursement_id = $1`, disbursementID)
	b, err := scanBatch(row)
	if err != nil && !errors.Is(err, models.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get payout batch by disbursement: %w", err)
	}
	return b, err
}

// UpdateBatch writes the mutable batch fields while the stored status still
// equals expected
func (s *Store) UpdateBatch(ctx context.Context, b *models.PayoutBatch, expected models.BatchStatus) error {
	checklist, err := marshalJSON(b.Checklist)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE payout_batches SET
			checklist = $2, verification_notes = $3, status = $4, disbursement_id = $5,
			failure_reason = $6, fee_amount = $7, processed_at = $8, updated_at = $9
		WHERE id = $1 AND status = $10`,
		b.ID, checklist, nullString(b.VerificationNotes), string(b.Status), nullString(b.DisbursementID),
		nullString(b.FailureReason), b.FeeAmount, b.ProcessedAt, b.UpdatedAt, string(expected))
	if err != nil {
		return fmt.Errorf("failed to update payout batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read updated rows: %w", err)
	}
	if n == 0 {
		found, err := s.exists(ctx, "payout_batches", b.ID)
		if err != nil {
			return fmt.Errorf("failed to check payout batch: %w", err)
		}
		if !found {
			return models.ErrRecordNotFound
		}
		return models.ErrStaleWrite
	}
	return nil
}

// ReleaseBatchConversions detaches every unpaid conversion from a batch
func (s *Store) ReleaseBatchConversions(ctx context.Context, batchID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversions SET payout_batch_id = NULL, updated_at = NOW()
		WHERE payout_batch_id = $1 AND status <> 'paid'`, batchID)
	if err != nil {
		return 0, fmt.Errorf("failed to release batch conversions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read released rows: %w", err)
	}
	return int(n), nil
}

// ListBatches returns batches in status, newest first. An empty status lists all.
func (s *Store) ListBatches(ctx context.Context, status models.BatchStatus, limit int) ([]models.PayoutBatch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+batchColumns+` FROM payout_batches
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payout batches: %w", err)
	}
	defer rows.Close()

	var out []models.PayoutBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payout batch: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}
