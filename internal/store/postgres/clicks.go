package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AnuragDani/affiliate-engine/internal/models"
)

// InsertClick writes an immutable click record
func (s *Store) InsertClick(ctx context.Context, c *models.Click) error {
	ua, err := marshalJSON(c.UserAgent)
	if err != nil {
		return err
	}
	utm, err := nullJSON(c.UTMParams, len(c.UTMParams) == 0)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO clicks (id, affiliate_id, visitor_id, ip_address, user_agent, referrer_url,
			landing_page_url, sub_id, utm_params, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.AffiliateID, c.VisitorID, nullString(c.IPAddress), ua, nullString(c.ReferrerURL),
		nullString(c.LandingPageURL), nullString(c.SubID), utm, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert click: %w", err)
	}
	return nil
}

// FindLatestClick returns the most recent click for the affiliate and visitor
// created at or after since
func (s *Store) FindLatestClick(ctx context.Context, affiliateID, visitorID string, since time.Time) (*models.Click, error) {
	query := `
		SELECT id, affiliate_id, visitor_id, COALESCE(ip_address, ''), user_agent,
			COALESCE(referrer_url, ''), COALESCE(landing_page_url, ''), COALESCE(sub_id, ''),
			utm_params, created_at
		FROM clicks
		WHERE affiliate_id = $1 AND visitor_id = $2 AND created_at >= $3
		ORDER BY created_at DESC
		LIMIT 1`

	var (
		c       models.Click
		ua, utm []byte
	)
	err := s.db.QueryRowContext(ctx, query, affiliateID, visitorID, since).Scan(
		&c.ID, &c.AffiliateID, &c.VisitorID, &c.IPAddress, &ua,
		&c.ReferrerURL, &c.LandingPageURL, &c.SubID, &utm, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest click: %w", err)
	}

	if len(ua) > 0 {
		if err := json.Unmarshal(ua, &c.UserAgent); err != nil {
			return nil, fmt.Errorf("failed to decode click user agent: %w", err)
		}
	}
	if len(utm) > 0 {
		if err := json.Unmarshal(utm, &c.UTMParams); err != nil {
			return nil, fmt.Errorf("failed to decode click utm params: %w", err)
		}
	}
	return &c, nil
}
