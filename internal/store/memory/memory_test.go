package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AnuragDani/affiliate-engine/internal/models"
)

func seedConversion(t *testing.T, s *Store, id, affiliateID, orderID string, status models.ConversionStatus, at time.Time) {
	t.Helper()
	err := s.InsertConversion(context.Background(), &models.Conversion{
		ID: id, AffiliateID: affiliateID, OrderID: orderID,
		GMV: decimal.NewFromInt(350), CommissionAmount: decimal.NewFromInt(87),
		Level: 1, Status: status, CreatedAt: at, UpdatedAt: at,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestInsertConversionRejectsDuplicateOrder(t *testing.T) {
	s := New()
	now := time.Now()
	seedConversion(t, s, "c-1", "aff-1", "ORD-1", models.ConversionPending, now)

	err := s.InsertConversion(context.Background(), &models.Conversion{ID: "c-2", AffiliateID: "aff-1", OrderID: "ORD-1"})
	if !errors.Is(err, models.ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}
	c, err := s.GetConversionByOrderID(context.Background(), "ORD-1")
	if err != nil || c.ID != "c-1" {
		t.Fatalf("order should still map to c-1, got %v %v", c, err)
	}
}

func TestInsertConversionRequiresKnownClick(t *testing.T) {
	s := New()
	ctx := context.Background()

	missing := "k-missing"
	err := s.InsertConversion(ctx, &models.Conversion{ID: "c-1", AffiliateID: "aff-1", OrderID: "ORD-1", ClickID: &missing})
	if !errors.Is(err, models.ErrUnknownClick) {
		t.Fatalf("expected ErrUnknownClick, got %v", err)
	}

	if err := s.InsertClick(ctx, &models.Click{ID: "k-1", AffiliateID: "aff-1", VisitorID: "v-1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("insert click: %v", err)
	}
	known := "k-1"
	if err := s.InsertConversion(ctx, &models.Conversion{ID: "c-1", AffiliateID: "aff-1", OrderID: "ORD-1", ClickID: &known}); err != nil {
		t.Fatalf("insert with known click: %v", err)
	}
}

func TestApplyStatusChangeChecksHistoryLength(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	seedConversion(t, s, "c-1", "aff-1", "ORD-1", models.ConversionPending, now)

	change := models.StatusChange{Timestamp: now, OldStatus: models.ConversionPending, NewStatus: models.ConversionCleared}
	c, err := s.ApplyStatusChange(ctx, "c-1", 0, change, nil)
	if err != nil {
		t.Fatalf("first change: %v", err)
	}
	if c.ClearedAt == nil || len(c.StatusHistory) != 1 {
		t.Fatalf("expected cleared_at and one history entry, got %+v", c)
	}

	if _, err := s.ApplyStatusChange(ctx, "c-1", 0, change, nil); !errors.Is(err, models.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite on stale length, got %v", err)
	}
	if _, err := s.ApplyStatusChange(ctx, "nope", 0, change, nil); !errors.Is(err, models.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestLeavingPaidClearsPayoutLink(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	seedConversion(t, s, "c-1", "aff-1", "ORD-1", models.ConversionCleared, now)

	if err := s.CreateBatch(ctx, &models.PayoutBatch{ID: "b-1", AffiliateID: "aff-1", ConversionIDs: []string{"c-1"}, Status: models.BatchDraft, CreatedAt: now}); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if _, err := s.ApplyStatusChange(ctx, "c-1", 0, models.StatusChange{Timestamp: now, OldStatus: models.ConversionCleared, NewStatus: models.ConversionPaid}, nil); err != nil {
		t.Fatalf("to paid: %v", err)
	}
	c, err := s.ApplyStatusChange(ctx, "c-1", 1, models.StatusChange{Timestamp: now, OldStatus: models.ConversionPaid, NewStatus: models.ConversionCleared}, nil)
	if err != nil {
		t.Fatalf("back to cleared: %v", err)
	}
	if c.PaidAt != nil || c.PayoutBatchID != nil {
		t.Fatalf("paid marker and batch link should be cleared, got %+v", c)
	}
}

func TestCreateBatchIsAllOrNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	seedConversion(t, s, "c-1", "aff-1", "ORD-1", models.ConversionCleared, now)
	seedConversion(t, s, "c-2", "aff-1", "ORD-2", models.ConversionPending, now)

	err := s.CreateBatch(ctx, &models.PayoutBatch{ID: "b-1", AffiliateID: "aff-1", ConversionIDs: []string{"c-1", "c-2"}, CreatedAt: now})
	if !errors.Is(err, models.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
	c, _ := s.GetConversion(ctx, "c-1")
	if c.PayoutBatchID != nil {
		t.Fatal("c-1 must not be attached after a failed batch")
	}
	if _, err := s.GetBatch(ctx, "b-1"); !errors.Is(err, models.ErrRecordNotFound) {
		t.Fatalf("batch must not exist, got %v", err)
	}
}

func TestCreateBatchCannotClaimTwice(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	seedConversion(t, s, "c-1", "aff-1", "ORD-1", models.ConversionCleared, now)

	if err := s.CreateBatch(ctx, &models.PayoutBatch{ID: "b-1", AffiliateID: "aff-1", ConversionIDs: []string{"c-1"}, CreatedAt: now}); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	err := s.CreateBatch(ctx, &models.PayoutBatch{ID: "b-2", AffiliateID: "aff-1", ConversionIDs: []string{"c-1"}, CreatedAt: now})
	if !errors.Is(err, models.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
	payable, _ := s.ListPayableConversions(ctx, "")
	if len(payable) != 0 {
		t.Fatalf("expected no payable conversions, got %d", len(payable))
	}

	released, err := s.ReleaseBatchConversions(ctx, "b-1")
	if err != nil || released != 1 {
		t.Fatalf("release = %d, %v", released, err)
	}
	payable, _ = s.ListPayableConversions(ctx, "aff-1")
	if len(payable) != 1 {
		t.Fatalf("expected c-1 payable again, got %d", len(payable))
	}
}

func TestUpdateBatchExpectsStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	seedConversion(t, s, "c-1", "aff-1", "ORD-1", models.ConversionCleared, now)
	if err := s.CreateBatch(ctx, &models.PayoutBatch{ID: "b-1", AffiliateID: "aff-1", ConversionIDs: []string{"c-1"}, Status: models.BatchDraft, CreatedAt: now}); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	b, _ := s.GetBatch(ctx, "b-1")
	b.Status = models.BatchVerified
	if err := s.UpdateBatch(ctx, b, models.BatchVerified); !errors.Is(err, models.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
	if err := s.UpdateBatch(ctx, b, models.BatchDraft); err != nil {
		t.Fatalf("UpdateBatch: %v", err)
	}
	got, _ := s.GetBatch(ctx, "b-1")
	if got.Status != models.BatchVerified {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestPostbackClaimLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	if err := s.CreatePostback(ctx, &models.NetworkPostback{ID: "pb-1", ConversionID: "c-1", Status: models.PostbackPending, CreatedAt: now}); err != nil {
		t.Fatalf("CreatePostback: %v", err)
	}

	stale := now.Add(-5 * time.Minute)
	if _, err := s.ClaimPostback(ctx, "pb-1", models.MaxPostbackAttempts, stale, now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.ClaimPostback(ctx, "pb-1", models.MaxPostbackAttempts, stale, now); !errors.Is(err, models.ErrStaleWrite) {
		t.Fatalf("second claim should fail, got %v", err)
	}

	p, err := s.FinishPostbackAttempt(ctx, "pb-1", models.PostbackFailed, "boom", true, now)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if p.Attempts != 1 || p.Status != models.PostbackFailed {
		t.Fatalf("unexpected postback %+v", p)
	}

	outstanding, _ := s.ListOutstandingPostbacks(ctx, models.MaxPostbackAttempts, stale, 10)
	if len(outstanding) != 1 {
		t.Fatalf("failed postback should be outstanding, got %d", len(outstanding))
	}
}

func TestFinishRequiresClaimedPostback(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	if err := s.CreatePostback(ctx, &models.NetworkPostback{ID: "pb-1", Status: models.PostbackPending, CreatedAt: now}); err != nil {
		t.Fatalf("CreatePostback: %v", err)
	}
	if _, err := s.FinishPostbackAttempt(ctx, "pb-1", models.PostbackSent, "", true, now); !errors.Is(err, models.ErrStaleWrite) {
		t.Fatalf("pending -> sent must be refused, got %v", err)
	}
	got, _ := s.GetPostback(ctx, "pb-1")
	if got.Status != models.PostbackPending || got.Attempts != 0 {
		t.Fatalf("postback changed: %+v", got)
	}
}

func TestAbandonedRetryingPostbackIsReclaimable(t *testing.T) {
	s := New()
	ctx := context.Background()
	then := time.Now().Add(-10 * time.Minute)
	if err := s.CreatePostback(ctx, &models.NetworkPostback{ID: "pb-1", Status: models.PostbackRetrying, LastAttemptAt: &then, CreatedAt: then}); err != nil {
		t.Fatalf("CreatePostback: %v", err)
	}
	now := time.Now()
	if _, err := s.ClaimPostback(ctx, "pb-1", models.MaxPostbackAttempts, now.Add(-5*time.Minute), now); err != nil {
		t.Fatalf("stale retrying row should be claimable: %v", err)
	}
}

func TestFindLatestClickRespectsWindow(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	old := &models.Click{ID: "k-old", AffiliateID: "aff-1", VisitorID: "v-1", CreatedAt: now.Add(-40 * 24 * time.Hour)}
	recent := &models.Click{ID: "k-new", AffiliateID: "aff-1", VisitorID: "v-1", CreatedAt: now.Add(-time.Hour)}
	other := &models.Click{ID: "k-other", AffiliateID: "aff-2", VisitorID: "v-1", CreatedAt: now}
	for _, c := range []*models.Click{old, recent, other} {
		if err := s.InsertClick(ctx, c); err != nil {
			t.Fatalf("InsertClick: %v", err)
		}
	}

	c, err := s.FindLatestClick(ctx, "aff-1", "v-1", now.Add(-30*24*time.Hour))
	if err != nil || c.ID != "k-new" {
		t.Fatalf("expected k-new, got %v %v", c, err)
	}
	if _, err := s.FindLatestClick(ctx, "aff-1", "v-2", now.Add(-30*24*time.Hour)); !errors.Is(err, models.ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
