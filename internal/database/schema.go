package database

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS affiliates (
		id VARCHAR(36) PRIMARY KEY,
		slug VARCHAR(100) NOT NULL UNIQUE,
		status VARCHAR(20) NOT NULL DEFAULT 'pending'
			CHECK (status IN ('active', 'pending', 'suspended', 'flagged', 'inactive')),
		commission_rate NUMERIC(6,4) NOT NULL DEFAULT 0,
		payout_method VARCHAR(20),
		bank_name VARCHAR(100),
		account_number VARCHAR(64),
		account_holder_name VARCHAR(200),
		bank_verified BOOLEAN NOT NULL DEFAULT FALSE,
		gcash_number VARCHAR(32),
		gcash_verified BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS clicks (
		id VARCHAR(36) PRIMARY KEY,
		affiliate_id VARCHAR(36) NOT NULL REFERENCES affiliates(id),
		visitor_id VARCHAR(64) NOT NULL,
		ip_address VARCHAR(64),
		user_agent JSONB NOT NULL DEFAULT '{}'::jsonb,
		referrer_url TEXT,
		landing_page_url TEXT,
		sub_id VARCHAR(100),
		utm_params JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_clicks_attribution ON clicks(affiliate_id, visitor_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS payout_batches (
		id VARCHAR(36) PRIMARY KEY,
		affiliate_id VARCHAR(36) NOT NULL REFERENCES affiliates(id),
		conversion_ids TEXT[] NOT NULL DEFAULT '{}',
		total_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
		fee_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
		payout_method VARCHAR(20),
		checklist JSONB NOT NULL DEFAULT '{}'::jsonb,
		verification_notes TEXT,
		status VARCHAR(20) NOT NULL DEFAULT 'draft'
			CHECK (status IN ('draft', 'verified', 'processing', 'paid', 'failed')),
		disbursement_id VARCHAR(100),
		failure_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_payout_batches_disbursement ON payout_batches(disbursement_id) WHERE disbursement_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS conversions (
		id VARCHAR(36) PRIMARY KEY,
		affiliate_id VARCHAR(36) NOT NULL REFERENCES affiliates(id),
		click_id VARCHAR(36) CONSTRAINT conversions_click_id_fkey REFERENCES clicks(id),
		order_id VARCHAR(100) NOT NULL,
		customer_id VARCHAR(100),
		product_id VARCHAR(100),
		gmv NUMERIC(14,2) NOT NULL,
		commission_amount NUMERIC(14,2) NOT NULL,
		level INTEGER NOT NULL DEFAULT 1,
		sub_id VARCHAR(100),
		status VARCHAR(20) NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'cleared', 'paid', 'flagged')),
		status_history JSONB NOT NULL DEFAULT '[]'::jsonb,
		fraud_flag JSONB,
		payout_batch_id VARCHAR(36) REFERENCES payout_batches(id),
		cleared_at TIMESTAMPTZ,
		paid_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT conversions_order_id_key UNIQUE (order_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversions_affiliate_created ON conversions(affiliate_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_conversions_status_created ON conversions(status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_conversions_payout_batch ON conversions(payout_batch_id)`,
	`CREATE TABLE IF NOT EXISTS network_postbacks (
		id VARCHAR(36) PRIMARY KEY,
		conversion_id VARCHAR(36) NOT NULL REFERENCES conversions(id),
		network_name VARCHAR(100) NOT NULL,
		postback_url TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0 CHECK (attempts >= 0 AND attempts <= 5),
		status VARCHAR(20) NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'sent', 'failed', 'retrying')),
		last_attempt_at TIMESTAMPTZ,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_network_postbacks_conversion ON network_postbacks(conversion_id)`,
	`CREATE INDEX IF NOT EXISTS idx_network_postbacks_outstanding ON network_postbacks(status, attempts) WHERE status <> 'sent'`,
}

// EnsureSchema creates the engine tables if they do not exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.Conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
