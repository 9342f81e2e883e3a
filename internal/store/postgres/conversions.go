package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AnuragDani/affiliate-engine/internal/models"
)

const (
	conversionOrderConstraint = "conversions_order_id_key"
	conversionClickConstraint = "conversions_click_id_fkey"
)

const conversionColumns = `id, affiliate_id, click_id, order_id, customer_id, COALESCE(product_id, ''),
	gmv, commission_amount, level, sub_id, status, status_history, fraud_flag, payout_batch_id,
	cleared_at, paid_at, created_at, updated_at`

func scanConversion(row rowScanner) (*models.Conversion, error) {
	var (
		c                                   models.Conversion
		clickID, customerID, subID, batchID sql.NullString
		history, flag                       []byte
		clearedAt, paidAt                   sql.NullTime
	)
	err := row.Scan(&c.ID, &c.AffiliateID, &clickID, &c.OrderID, &customerID, &c.ProductID,
		&c.GMV, &c.CommissionAmount, &c.Level, &subID, &c.Status, &history, &flag, &batchID,
		&clearedAt, &paidAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	c.ClickID = stringPtr(clickID)
	c.CustomerID = stringPtr(customerID)
	c.SubID = stringPtr(subID)
	c.PayoutBatchID = stringPtr(batchID)
	if clearedAt.Valid {
		c.ClearedAt = &clearedAt.Time
	}
	if paidAt.Valid {
		c.PaidAt = &paidAt.Time
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &c.StatusHistory); err != nil {
			return nil, fmt.Errorf("failed to decode status history: %w", err)
		}
	}
	if len(flag) > 0 && string(flag) != "null" {
		c.FraudFlag = &models.FraudFlag{}
		if err := json.Unmarshal(flag, c.FraudFlag); err != nil {
			return nil, fmt.Errorf("failed to decode fraud flag: %w", err)
		}
	}
	return &c, nil
}

func (s *Store) queryConversions(ctx context.Context, query string, args ...interface{}) ([]models.Conversion, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Conversion
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// InsertConversion inserts a new conversion. A concurrent insert for the
// same order id surfaces as models.ErrDuplicateOrder and a click id with no
// click row as models.ErrUnknownClick.
func (s *Store) InsertConversion(ctx context.Context, c *models.Conversion) error {
	history, err := marshalJSON(c.StatusHistory)
	if err != nil {
		return err
	}
	if c.StatusHistory == nil {
		history = []byte("[]")
	}

	query := `
		INSERT INTO conversions (id, affiliate_id, click_id, order_id, customer_id, product_id,
			gmv, commission_amount, level, sub_id, status, status_history, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`

	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.AffiliateID, nullStringPtr(c.ClickID), c.OrderID, nullStringPtr(c.CustomerID),
		nullString(c.ProductID), c.GMV, c.CommissionAmount, c.Level, nullStringPtr(c.SubID),
		c.Status, history, c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, conversionOrderConstraint) {
			return models.ErrDuplicateOrder
		}
		if isForeignKeyViolation(err, conversionClickConstraint) {
			return models.ErrUnknownClick
		}
		return fmt.Errorf("failed to insert conversion: %w", err)
	}
	return nil
}

// GetConversion loads a conversion by id
func (s *Store) GetConversion(ctx context.Context, id string) (*models.Conversion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversionColumns+` FROM conversions WHERE id = $1`, id)
	c, err := scanConversion(row)
	if err != nil && !errors.Is(err, models.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get conversion: %w", err)
	}
	return c, err
}

// GetConversionByOrderID loads the conversion recorded for an order
func (s *Store) GetConversionByOrderID(ctx context.Context, orderID string) (*models.Conversion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversionColumns+` FROM conversions WHERE order_id = $1`, orderID)
	c, err := scanConversion(row)
	if err != nil && !errors.Is(err, models.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get conversion by order: %w", err)
	}
	return c, err
}

// ApplyStatusChange sets the new status and appends the history entry in one
// statement. The update only applies while the stored history still has
// expectedLen entries; otherwise models.ErrStaleWrite is returned. A non-nil
// flag replaces the stored fraud flag. Leaving paid clears the paid marker
// and batch link so the conversion can be paid again.
func (s *Store) ApplyStatusChange(ctx context.Context, id string, expectedLen int, change models.StatusChange, flag *models.FraudFlag) (*models.Conversion, error) {
	entry, err := marshalJSON([]models.StatusChange{change})
	if err != nil {
		return nil, err
	}
	flagJSON, err := nullJSON(flag, flag == nil)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE conversions SET
			status = $2::text,
			status_history = status_history || $3::jsonb,
			fraud_flag = COALESCE($4::jsonb, fraud_flag),
			cleared_at = CASE WHEN $2::text = 'cleared' THEN $5::timestamptz ELSE cleared_at END,
			paid_at = CASE WHEN $2::text = 'paid' THEN $5::timestamptz WHEN status = 'paid' THEN NULL ELSE paid_at END,
			payout_batch_id = CASE WHEN status = 'paid' AND $2::text <> 'paid' THEN NULL ELSE payout_batch_id END,
			updated_at = $5::timestamptz
		WHERE id = $1 AND jsonb_array_length(status_history) = $6
		RETURNING ` + conversionColumns

	row := s.db.QueryRowContext(ctx, query, id, string(change.NewStatus), entry, flagJSON, change.Timestamp, expectedLen)
	c, err := scanConversion(row)
	if errors.Is(err, models.ErrRecordNotFound) {
		found, existsErr := s.exists(ctx, "conversions", id)
		if existsErr != nil {
			return nil, fmt.Errorf("failed to check conversion: %w", existsErr)
		}
		if found {
			return nil, models.ErrStaleWrite
		}
		return nil, models.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply status change: %w", err)
	}
	return c, nil
}

// ListConversionsByStatus returns conversions in status created in
// [createdAfter, createdBefore), oldest first
func (s *Store) ListConversionsByStatus(ctx context.Context, status models.ConversionStatus, createdAfter, createdBefore time.Time, limit int) ([]models.Conversion, error) {
	query := `SELECT ` + conversionColumns + ` FROM conversions
		WHERE status = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at ASC
		LIMIT $4`
	out, err := s.queryConversions(ctx, query, string(status), createdAfter, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversions by status: %w", err)
	}
	return out, nil
}

// CountConversionsBetween counts an affiliate's conversions created in [from, to]
func (s *Store) CountConversionsBetween(ctx context.Context, affiliateID string, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversions WHERE affiliate_id = $1 AND created_at >= $2 AND created_at <= $3`,
		affiliateID, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count conversions: %w", err)
	}
	return n, nil
}

// CountMatchingConversions counts other conversions with the same affiliate,
// gmv and customer created at or after since
func (s *Store) CountMatchingConversions(ctx context.Context, affiliateID string, gmv decimal.Decimal, customerID string, since time.Time, excludeID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversions
		WHERE affiliate_id = $1 AND gmv = $2 AND customer_id = $3 AND created_at >= $4 AND id <> $5`,
		affiliateID, gmv, customerID, since, excludeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count matching conversions: %w", err)
	}
	return n, nil
}

// ListPayableConversions returns cleared conversions not attached to a
// batch. An empty affiliateID lists every affiliate.
func (s *Store) ListPayableConversions(ctx context.Context, affiliateID string) ([]models.Conversion, error) {
	query := `SELECT ` + conversionColumns + ` FROM conversions
		WHERE status = 'cleared' AND payout_batch_id IS NULL AND ($1::text = '' OR affiliate_id = $1::text)
		ORDER BY affiliate_id, created_at ASC`
	out, err := s.queryConversions(ctx, query, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payable conversions: %w", err)
	}
	return out, nil
}

// CountFlaggedConversions counts an affiliate's conversions currently flagged
func (s *Store) CountFlaggedConversions(ctx context.Context, affiliateID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversions WHERE affiliate_id = $1 AND status = 'flagged'`,
		affiliateID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count flagged conversions: %w", err)
	}
	return n, nil
}

// ListBatchConversions returns the conversions attached to a batch
func (s *Store) ListBatchConversions(ctx context.Context, batchID string) ([]models.Conversion, error) {
	query := `SELECT ` + conversionColumns + ` FROM conversions WHERE payout_batch_id = $1 ORDER BY created_at ASC`
	out, err := s.queryConversions(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch conversions: %w", err)
	}
	return out, nil
}
