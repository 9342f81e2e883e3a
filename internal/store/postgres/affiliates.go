package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AnuragDani/affiliate-engine/internal/models"
)

const affiliateColumns = `id, slug, status, commission_rate, COALESCE(payout_method, ''),
	COALESCE(bank_name, ''), COALESCE(account_number, ''), COALESCE(account_holder_name, ''),
	bank_verified, COALESCE(gcash_number, ''), gcash_verified, created_at, updated_at`

func scanAffiliate(row rowScanner) (*models.Affiliate, error) {
	var a models.Affiliate
	err := row.Scan(&a.ID, &a.Slug, &a.Status, &a.CommissionRate, &a.PayoutMethod,
		&a.BankName, &a.AccountNumber, &a.AccountHolderName,
		&a.BankVerified, &a.GCashNumber, &a.GCashVerified, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAffiliate inserts an affiliate
func (s *Store) CreateAffiliate(ctx context.Context, a *models.Affiliate) error {
	query := `
		INSERT INTO affiliates (id, slug, status, commission_rate, payout_method, bank_name,
			account_number, account_holder_name, bank_verified, gcash_number, gcash_verified,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`

	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.Slug, a.Status, a.CommissionRate, nullString(string(a.PayoutMethod)), nullString(a.BankName),
		nullString(a.AccountNumber), nullString(a.AccountHolderName), a.BankVerified,
		nullString(a.GCashNumber), a.GCashVerified, a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return models.Conflict("SLUG_TAKEN", fmt.Sprintf("affiliate slug %q already exists", a.Slug))
		}
		return fmt.Errorf("failed to insert affiliate: %w", err)
	}
	return nil
}

// GetAffiliate loads an affiliate by id
func (s *Store) GetAffiliate(ctx context.Context, id string) (*models.Affiliate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+affiliateColumns+` FROM affiliates WHERE id = $1`, id)
	a, err := scanAffiliate(row)
	if err != nil && !errors.Is(err, models.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get affiliate: %w", err)
	}
	return a, err
}

// GetAffiliateBySlug loads an affiliate by its public slug
func (s *Store) GetAffiliateBySlug(ctx context.Context, slug string) (*models.Affiliate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+affiliateColumns+` FROM affiliates WHERE slug = $1`, slug)
	a, err := scanAffiliate(row)
	if err != nil && !errors.Is(err, models.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get affiliate by slug: %w", err)
	}
	return a, err
}

// UpdateAffiliateStatus sets an affiliate's status and returns the updated row
func (s *Store) UpdateAffiliateStatus(ctx context.Context, id string, status models.AffiliateStatus, at time.Time) (*models.Affiliate, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE affiliates SET status = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+affiliateColumns, id, string(status), at)
	a, err := scanAffiliate(row)
	if err != nil && !errors.Is(err, models.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to update affiliate status: %w", err)
	}
	return a, err
}
