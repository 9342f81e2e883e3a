package payout

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AnuragDani/affiliate-engine/internal/config"
	"github.com/AnuragDani/affiliate-engine/internal/conversion"
	"github.com/AnuragDani/affiliate-engine/internal/disbursement"
	"github.com/AnuragDani/affiliate-engine/internal/logger"
	"github.com/AnuragDani/affiliate-engine/internal/models"
	"github.com/AnuragDani/affiliate-engine/internal/store/memory"
)

type fakeDisburser struct {
	calls int
	err   error
}

func (f *fakeDisburser) Disburse(ctx context.Context, req *disbursement.Request) (*disbursement.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &disbursement.Response{Success: true, DisbursementID: "dsb-" + req.Reference, Status: disbursement.StatusPending}, nil
}

func (f *fakeDisburser) Health(ctx context.Context) (*disbursement.HealthResponse, error) {
	return &disbursement.HealthResponse{Status: "healthy"}, nil
}

func (f *fakeDisburser) Name() string { return "fake" }

type fixture struct {
	store     *memory.Store
	manager   *Manager
	disburser *fakeDisburser
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	ctx := context.Background()
	affs := []*models.Affiliate{
		{ID: "aff-ok", Slug: "ok", Status: models.AffiliateStatusActive, CommissionRate: decimal.RequireFromString("0.25"),
			PayoutMethod: models.PayoutMethodBankTransfer, AccountNumber: "001234567890", BankVerified: true},
		{ID: "aff-unverified", Slug: "unverified", Status: models.AffiliateStatusActive, CommissionRate: decimal.RequireFromString("0.25"),
			PayoutMethod: models.PayoutMethodGCash, GCashNumber: "09171234567"},
		{ID: "aff-small", Slug: "small", Status: models.AffiliateStatusActive, CommissionRate: decimal.RequireFromString("0.25"),
			PayoutMethod: models.PayoutMethodBankTransfer, AccountNumber: "99887766", BankVerified: true},
	}
	for _, a := range affs {
		if err := st.CreateAffiliate(ctx, a); err != nil {
			t.Fatalf("seed affiliate: %v", err)
		}
	}
	seed := func(aff string, n int, commission string) {
		for i := 0; i < n; i++ {
			now := time.Now().UTC().Add(time.Duration(i) * time.Second)
			err := st.InsertConversion(ctx, &models.Conversion{
				ID:               fmt.Sprintf("%s-c%d", aff, i),
				AffiliateID:      aff,
				OrderID:          fmt.Sprintf("%s-o%d", aff, i),
				GMV:              decimal.RequireFromString(commission).Mul(decimal.NewFromInt(4)),
				CommissionAmount: decimal.RequireFromString(commission),
				Status:           models.ConversionCleared,
				CreatedAt:        now,
				UpdatedAt:        now,
			})
			if err != nil {
				t.Fatalf("seed conversion: %v", err)
			}
		}
	}
	seed("aff-ok", 3, "750")
	seed("aff-unverified", 3, "750")
	seed("aff-small", 2, "100")

	log := logger.Nop()
	machine := conversion.NewStatusMachine(st, log, nil, nil)
	d := &fakeDisburser{}
	reg := disbursement.NewRegistry()
	reg.Register(models.PayoutMethodBankTransfer, d)
	reg.Register(models.PayoutMethodGCash, d)
	m := NewManager(st, machine, reg, config.DefaultRules().Payout, "http://localhost/webhooks/disbursement", log, nil, nil)
	return &fixture{store: st, manager: m, disburser: d}
}

func TestFeeSchedule(t *testing.T) {
	m := newFixture(t).manager
	tests := []struct {
		method models.PayoutMethod
		amount string
		want   string
	}{
		{models.PayoutMethodBankTransfer, "2250", "10"},
		{models.PayoutMethodBankTransfer, "15000", "15"},
		{models.PayoutMethodBankTransfer, "100000", "25"},
		{models.PayoutMethodGCash, "500", "5"},
		{models.PayoutMethodGCash, "2000", "14"},
		{"", "2000", "0"},
	}
	for _, tt := range tests {
		got := m.Fee(tt.method, decimal.RequireFromString(tt.amount))
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("Fee(%s, %s) = %s, want %s", tt.method, tt.amount, got, tt.want)
		}
	}
}

func TestPreviewEligibility(t *testing.T) {
	f := newFixture(t)
	p, err := f.manager.Preview(context.Background(), "")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if len(p.Affiliates) != 3 || p.EligibleCount != 1 {
		t.Fatalf("preview = %+v", p)
	}
	byID := map[string]AffiliatePreview{}
	for _, a := range p.Affiliates {
		byID[a.AffiliateID] = a
	}

	ok := byID["aff-ok"]
	if !ok.Eligible || !ok.TotalAmount.Equal(decimal.NewFromInt(2250)) || ok.Destination != "****7890" {
		t.Fatalf("aff-ok = %+v", ok)
	}
	if !ok.NetAmount.Equal(decimal.NewFromInt(2240)) {
		t.Fatalf("net = %s", ok.NetAmount)
	}
	if u := byID["aff-unverified"]; u.Eligible || len(u.RejectionReasons) != 1 || u.RejectionReasons[0] != "GCash number not verified" {
		t.Fatalf("aff-unverified = %+v", u)
	}
	if s := byID["aff-small"]; s.Eligible || len(s.RejectionReasons) != 1 {
		t.Fatalf("aff-small = %+v", s)
	}

	if _, err := f.manager.Preview(context.Background(), "nobody"); models.KindOf(err) != models.KindNotFound {
		t.Fatalf("unknown affiliate: %v", err)
	}
}

func TestCreateBatchesForAllEligible(t *testing.T) {
	f := newFixture(t)
	res, err := f.manager.CreateBatches(context.Background(), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(res.Batches) != 1 || len(res.Skipped) != 2 {
		t.Fatalf("batches %d skipped %d", len(res.Batches), len(res.Skipped))
	}
	b := res.Batches[0]
	if b.Status != models.BatchDraft || len(b.ConversionIDs) != 3 || b.Checklist.Complete() {
		t.Fatalf("batch = %+v", b)
	}

	again, err := f.manager.CreateBatches(context.Background(), "")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if len(again.Batches) != 0 {
		t.Fatal("batched conversions must not be batched again")
	}
}

func TestListBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.manager.CreateBatches(ctx, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	tests := []struct {
		name   string
		status models.BatchStatus
		limit  int
		want   int
		code   string
	}{
		{"all", "", 0, 1, ""},
		{"draft", models.BatchDraft, 10, 1, ""},
		{"paid", models.BatchPaid, 10, 0, ""},
		{"unknown status", "settled", 10, 0, "INVALID_STATUS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.manager.ListBatches(ctx, tt.status, tt.limit)
			if tt.code != "" {
				if models.CodeOf(err) != tt.code {
					t.Fatalf("expected %s, got %v", tt.code, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if got == nil || len(got) != tt.want {
				t.Fatalf("got %d batches, want %d", len(got), tt.want)
			}
		})
	}
}

func TestCreateBatchForIneligibleAffiliate(t *testing.T) {
	f := newFixture(t)
	if _, err := f.manager.CreateBatches(context.Background(), "aff-small"); models.CodeOf(err) != "NOT_ELIGIBLE" {
		t.Fatalf("expected NOT_ELIGIBLE, got %v", err)
	}
}

func verifiedBatch(t *testing.T, f *fixture) *models.PayoutBatch {
	t.Helper()
	res, err := f.manager.CreateBatches(context.Background(), "aff-ok")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	yes := true
	b, err := f.manager.UpdateChecklist(context.Background(), res.Batches[0].ID, ChecklistUpdate{
		BankVerified: &yes, AmountsConfirmed: &yes, ComplianceChecked: &yes, FraudChecksPassed: &yes,
	})
	if err != nil {
		t.Fatalf("checklist: %v", err)
	}
	return b
}

func TestChecklistGatesProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.manager.CreateBatches(ctx, "aff-ok")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := res.Batches[0].ID
	yes := true

	b, err := f.manager.UpdateChecklist(ctx, id, ChecklistUpdate{BankVerified: &yes, AmountsConfirmed: &yes, ComplianceChecked: &yes})
	if err != nil {
		t.Fatalf("checklist: %v", err)
	}
	if b.Status != models.BatchDraft {
		t.Fatalf("incomplete checklist moved batch to %s", b.Status)
	}
	if _, err := f.manager.Approve(ctx, id); models.CodeOf(err) != "CHECKLIST_INCOMPLETE" {
		t.Fatalf("approve with open item: %v", err)
	}
	if f.disburser.calls != 0 {
		t.Fatal("processor must not be called")
	}

	b, err = f.manager.UpdateChecklist(ctx, id, ChecklistUpdate{FraudChecksPassed: &yes, Notes: "all good"})
	if err != nil {
		t.Fatalf("checklist: %v", err)
	}
	if b.Status != models.BatchVerified || b.VerificationNotes != "all good" {
		t.Fatalf("batch = %+v", b)
	}

	b, err = f.manager.Approve(ctx, id)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if b.Status != models.BatchProcessing || b.DisbursementID != "dsb-"+id {
		t.Fatalf("approved batch = %+v", b)
	}
}

func TestUncheckingReturnsToDraft(t *testing.T) {
	f := newFixture(t)
	b := verifiedBatch(t, f)
	no := false
	b, err := f.manager.UpdateChecklist(context.Background(), b.ID, ChecklistUpdate{ComplianceChecked: &no})
	if err != nil {
		t.Fatalf("checklist: %v", err)
	}
	if b.Status != models.BatchDraft {
		t.Fatalf("status = %s", b.Status)
	}
}

func TestCompletedCallbackPaysConversions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := verifiedBatch(t, f)
	b, err := f.manager.Approve(ctx, b.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	res, err := f.manager.HandleCallback(ctx, disbursement.Callback{DisbursementID: b.DisbursementID, Status: "COMPLETED"})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if res.Status != models.BatchPaid || res.Converted != 3 {
		t.Fatalf("callback result = %+v", res)
	}
	for _, id := range b.ConversionIDs {
		c, _ := f.store.GetConversion(ctx, id)
		if c.Status != models.ConversionPaid || c.PaidAt == nil {
			t.Fatalf("conversion %s = %s", id, c.Status)
		}
	}

	dup, err := f.manager.HandleCallback(ctx, disbursement.Callback{DisbursementID: b.DisbursementID, Status: "FAILED"})
	if err != nil || !dup.Ignored {
		t.Fatalf("late callback must be ignored, got %+v %v", dup, err)
	}
}

func TestFailedCallbackReleasesConversions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := verifiedBatch(t, f)
	b, err := f.manager.Approve(ctx, b.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	// one conversion was already marked paid before the failure arrived
	machine := conversion.NewStatusMachine(f.store, logger.Nop(), nil, nil)
	if _, err := machine.Transition(ctx, b.ConversionIDs[0], models.ConversionPaid, "early"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	res, err := f.manager.HandleCallback(ctx, disbursement.Callback{DisbursementID: b.DisbursementID, Status: "FAILED", FailureReason: "account closed"})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if res.Status != models.BatchFailed || res.RolledBack != 3 {
		t.Fatalf("callback result = %+v", res)
	}

	stored, _ := f.store.GetBatch(ctx, b.ID)
	if stored.FailureReason != "account closed" {
		t.Fatalf("failure reason = %q", stored.FailureReason)
	}
	for _, id := range b.ConversionIDs {
		c, _ := f.store.GetConversion(ctx, id)
		if c.Status != models.ConversionCleared || c.PayoutBatchID != nil || c.PaidAt != nil {
			t.Fatalf("conversion %s not released: %+v", id, c)
		}
	}

	p, _ := f.manager.Preview(ctx, "aff-ok")
	if len(p.Affiliates) != 1 || p.Affiliates[0].ConversionCount != 3 {
		t.Fatalf("released conversions should be payable again: %+v", p)
	}
}

func TestUnknownDisbursementIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	res, err := f.manager.HandleCallback(context.Background(), disbursement.Callback{DisbursementID: "nope", Status: "COMPLETED"})
	if err != nil || !res.Received || !res.UnknownID {
		t.Fatalf("got %+v %v", res, err)
	}
}

func TestRetryableSubmissionReturnsToVerified(t *testing.T) {
	f := newFixture(t)
	b := verifiedBatch(t, f)
	f.disburser.err = &disbursement.Error{Code: "PROCESSOR_UNAVAILABLE", Retryable: true}

	if _, err := f.manager.Approve(context.Background(), b.ID); models.KindOf(err) != models.KindUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
	stored, _ := f.store.GetBatch(context.Background(), b.ID)
	if stored.Status != models.BatchVerified {
		t.Fatalf("status = %s", stored.Status)
	}
}

func TestPermanentSubmissionFailureFailsBatch(t *testing.T) {
	f := newFixture(t)
	b := verifiedBatch(t, f)
	f.disburser.err = &disbursement.Error{Code: "INVALID_ACCOUNT", Message: "closed", Provider: "fake"}

	if _, err := f.manager.Approve(context.Background(), b.ID); err == nil {
		t.Fatal("expected an error")
	}
	stored, _ := f.store.GetBatch(context.Background(), b.ID)
	if stored.Status != models.BatchFailed {
		t.Fatalf("status = %s", stored.Status)
	}
	convs, _ := f.store.ListBatchConversions(context.Background(), b.ID)
	if len(convs) != 0 {
		t.Fatalf("%d conversions still attached", len(convs))
	}
}

func TestAutoBatchDue(t *testing.T) {
	m := newFixture(t).manager
	tests := []struct {
		day  time.Time
		want bool
	}{
		{time.Date(2026, 1, 26, 9, 0, 0, 0, time.UTC), true},
		{time.Date(2026, 1, 25, 9, 0, 0, 0, time.UTC), false},
		{time.Date(2026, 2, 23, 9, 0, 0, 0, time.UTC), true},
		{time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		if got := m.AutoBatchDue(tt.day); got != tt.want {
			t.Errorf("AutoBatchDue(%s) = %v", tt.day.Format("2006-01-02"), got)
		}
	}
}
