// Package store names the full persistence contract shared by the
// PostgreSQL and in-memory implementations.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AnuragDani/affiliate-engine/internal/models"
)

// Store is the union of the repositories the services wire together.
// Domain packages depend on narrower interfaces of their own.
type Store interface {
	Ping(ctx context.Context) error

	CreateAffiliate(ctx context.Context, a *models.Affiliate) error
	GetAffiliate(ctx context.Context, id string) (*models.Affiliate, error)
	GetAffiliateBySlug(ctx context.Context, slug string) (*models.Affiliate, error)
	UpdateAffiliateStatus(ctx context.Context, id string, status models.AffiliateStatus, at time.Time) (*models.Affiliate, error)

	InsertClick(ctx context.Context, c *models.Click) error
	FindLatestClick(ctx context.Context, affiliateID, visitorID string, since time.Time) (*models.Click, error)

	InsertConversion(ctx context.Context, c *models.Conversion) error
	GetConversion(ctx context.Context, id string) (*models.Conversion, error)
	GetConversionByOrderID(ctx context.Context, orderID string) (*models.Conversion, error)
	ApplyStatusChange(ctx context.Context, id string, expectedLen int, change models.StatusChange, flag *models.FraudFlag) (*models.Conversion, error)
	ListConversionsByStatus(ctx context.Context, status models.ConversionStatus, createdAfter, createdBefore time.Time, limit int) ([]models.Conversion, error)
	CountConversionsBetween(ctx context.Context, affiliateID string, from, to time.Time) (int, error)
	CountMatchingConversions(ctx context.Context, affiliateID string, gmv decimal.Decimal, customerID string, since time.Time, excludeID string) (int, error)
	ListPayableConversions(ctx context.Context, affiliateID string) ([]models.Conversion, error)
	CountFlaggedConversions(ctx context.Context, affiliateID string) (int, error)
	ListBatchConversions(ctx context.Context, batchID string) ([]models.Conversion, error)

	CreateBatch(ctx context.Context, b *models.PayoutBatch) error
	GetBatch(ctx context.Context, id string) (*models.PayoutBatch, error)
	GetBatchByDisbursementID(ctx context.Context, disbursementID string) (*models.PayoutBatch, error)
	UpdateBatch(ctx context.Context, b *models.PayoutBatch, expected models.BatchStatus) error
	ReleaseBatchConversions(ctx context.Context, batchID string) (int, error)
	ListBatches(ctx context.Context, status models.BatchStatus, limit int) ([]models.PayoutBatch, error)

	CreatePostback(ctx context.Context, p *models.NetworkPostback) error
	GetPostback(ctx context.Context, id string) (*models.NetworkPostback, error)
	ListPostbacksByConversion(ctx context.Context, conversionID string) ([]models.NetworkPostback, error)
	ClaimPostback(ctx context.Context, id string, maxAttempts int, staleBefore, now time.Time) (*models.NetworkPostback, error)
	FinishPostbackAttempt(ctx context.Context, id string, status models.PostbackStatus, errMsg string, countAttempt bool, at time.Time) (*models.NetworkPostback, error)
	ListOutstandingPostbacks(ctx context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]models.NetworkPostback, error)
}
