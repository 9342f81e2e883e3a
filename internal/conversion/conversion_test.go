package conversion

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AnuragDani/affiliate-engine/internal/config"
	"github.com/AnuragDani/affiliate-engine/internal/fraud"
	"github.com/AnuragDani/affiliate-engine/internal/logger"
	"github.com/AnuragDani/affiliate-engine/internal/models"
	"github.com/AnuragDani/affiliate-engine/internal/store/memory"
)

type recordingNotifier struct {
	mu    sync.Mutex
	convs []string
}

func (n *recordingNotifier) NotifyConversion(ctx context.Context, conv *models.Conversion) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.convs = append(n.convs, conv.ID)
	return nil
}

type fixture struct {
	store    *memory.Store
	machine  *StatusMachine
	recorder *Recorder
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	ctx := context.Background()
	affs := []*models.Affiliate{
		{ID: "aff-alice", Slug: "alice", Status: models.AffiliateStatusActive, CommissionRate: decimal.RequireFromString("0.25"), CreatedAt: time.Now().AddDate(0, -6, 0)},
		{ID: "aff-bob", Slug: "bob", Status: models.AffiliateStatusSuspended, CommissionRate: decimal.RequireFromString("0.25"), CreatedAt: time.Now().AddDate(-1, 0, 0)},
	}
	for _, a := range affs {
		if err := st.CreateAffiliate(ctx, a); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	rules := config.DefaultRules()
	log := logger.Nop()
	machine := NewStatusMachine(st, log, nil, nil)
	screener := fraud.NewScreener(rules.Fraud, st, log, nil)
	notifier := &recordingNotifier{}
	rec := NewRecorder(st, st, screener, machine, rules, log, RecorderOptions{Notifier: notifier})
	return &fixture{store: st, machine: machine, recorder: rec, notifier: notifier}
}

func gmv(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ptr(s string) *string { return &s }

func TestCommissionRounding(t *testing.T) {
	tests := []struct {
		gmv, rate, want string
	}{
		{"100.00", "0.25", "25"},
		{"100.005", "0.25", "25"},
		{"0.10", "0.25", "0.03"},
		{"350", "0.25", "87.5"},
		{"199.99", "0.1", "20"},
	}
	for _, tt := range tests {
		got := Commission(gmv(tt.gmv), gmv(tt.rate))
		if !got.Equal(gmv(tt.want)) {
			t.Errorf("Commission(%s, %s) = %s, want %s", tt.gmv, tt.rate, got, tt.want)
		}
	}
}

func TestRecordIsIdempotentPerOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.recorder.Record(ctx, Request{AffiliateID: "aff-alice", OrderID: "ORD-1", GMV: gmv("350")})
	if err != nil {
		t.Fatalf("first record: %v", err)
	}
	second, err := f.recorder.Record(ctx, Request{AffiliateID: "aff-alice", OrderID: "ORD-1", GMV: gmv("350")})
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if !second.Duplicate || second.ConversionID != first.ConversionID {
		t.Fatalf("second call should return %s as duplicate, got %+v", first.ConversionID, second)
	}
	n, _ := f.store.CountConversionsBetween(ctx, "aff-alice", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if n != 1 {
		t.Fatalf("expected exactly one stored conversion, got %d", n)
	}
}

func TestConcurrentDuplicatesResolveToOneConversion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := make([]string, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.recorder.Record(ctx, Request{AffiliateID: "aff-alice", OrderID: "ORD-RACE", GMV: gmv("300")})
			if err != nil {
				t.Errorf("record: %v", err)
				return
			}
			ids[i] = res.ConversionID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("expected one conversion id, got %v", ids)
		}
	}
}

func TestEndToEndAttribution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	click := &models.Click{ID: "click-1", AffiliateID: "aff-alice", VisitorID: "v-1", CreatedAt: time.Now().AddDate(0, 0, -3)}
	if err := f.store.InsertClick(ctx, click); err != nil {
		t.Fatalf("insert click: %v", err)
	}

	res, err := f.recorder.Record(ctx, Request{AffiliateID: "aff-alice", OrderID: "ORD-1", GMV: gmv("350"), VisitorID: "v-1"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if res.ClickID == nil || *res.ClickID != "click-1" {
		t.Fatalf("expected click-1 attribution, got %v", res.ClickID)
	}
	if res.Status != models.ConversionPending || res.FraudFlag != nil {
		t.Fatalf("expected clean pending conversion, got %+v", res)
	}
	if !res.CommissionAmount.Equal(gmv("87.50")) {
		t.Fatalf("commission = %s", res.CommissionAmount)
	}
}

func TestAttributionFallsBackToNoClick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := &models.Click{ID: "click-old", AffiliateID: "aff-alice", VisitorID: "v-1", CreatedAt: time.Now().AddDate(0, 0, -40)}
	if err := f.store.InsertClick(ctx, old); err != nil {
		t.Fatalf("insert click: %v", err)
	}
	res, err := f.recorder.Record(ctx, Request{AffiliateID: "aff-alice", OrderID: "ORD-2", GMV: gmv("350"), VisitorID: "v-1"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if res.ClickID != nil {
		t.Fatalf("click outside the lookback must not be used, got %s", *res.ClickID)
	}
}

func TestVelocityFlagsSixthConversion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		res, err := f.recorder.Record(ctx, Request{AffiliateID: "aff-alice", OrderID: "ORD-V" + string(rune('0'+i)), GMV: gmv("350")})
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if i <= 5 && res.Status != models.ConversionPending {
			t.Fatalf("conversion %d should be pending, got %s", i, res.Status)
		}
		if i == 6 {
			if res.Status != models.ConversionFlagged || res.FraudFlag == nil {
				t.Fatalf("6th conversion should be flagged, got %+v", res)
			}
			if res.FraudFlag.RiskLevel != models.RiskHigh || res.FraudFlag.Factors[0] != fraud.FactorVelocityExceeded {
				t.Fatalf("unexpected flag %+v", res.FraudFlag)
			}
		}
	}
}

func TestOutOfBandAmountIsFlaggedWithHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.recorder.Record(ctx, Request{AffiliateID: "aff-alice", OrderID: "ORD-BIG", GMV: gmv("2000")})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if res.Status != models.ConversionFlagged {
		t.Fatalf("status = %s", res.Status)
	}
	conv, err := f.store.GetConversion(ctx, res.ConversionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(conv.StatusHistory) != 1 || conv.StatusHistory[0].OldStatus != models.ConversionPending {
		t.Fatalf("history = %+v", conv.StatusHistory)
	}
	if conv.FraudFlag == nil || conv.FraudFlag.Factors[0] != fraud.FactorAmountOutOfBand {
		t.Fatalf("flag = %+v", conv.FraudFlag)
	}
}

func TestRecordRejections(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		req  Request
		kind models.ErrorKind
	}{
		{"unknown affiliate", Request{AffiliateID: "nobody", OrderID: "O-1", GMV: gmv("10")}, models.KindNotFound},
		{"inactive affiliate", Request{AffiliateID: "aff-bob", OrderID: "O-2", GMV: gmv("10")}, models.KindForbidden},
		{"missing order", Request{AffiliateID: "aff-alice", GMV: gmv("10")}, models.KindValidation},
		{"zero gmv", Request{AffiliateID: "aff-alice", OrderID: "O-3"}, models.KindValidation},
		{"gmv rounds to zero", Request{AffiliateID: "aff-alice", OrderID: "O-4", GMV: gmv("0.004")}, models.KindValidation},
		{"order id too long", Request{AffiliateID: "aff-alice", OrderID: strings.Repeat("o", 101), GMV: gmv("10")}, models.KindValidation},
		{"customer id too long", Request{AffiliateID: "aff-alice", OrderID: "O-5", GMV: gmv("10"), CustomerID: ptr(strings.Repeat("c", 101))}, models.KindValidation},
		{"product id too long", Request{AffiliateID: "aff-alice", OrderID: "O-6", GMV: gmv("10"), ProductID: strings.Repeat("p", 101)}, models.KindValidation},
		{"sub id too long", Request{AffiliateID: "aff-alice", OrderID: "O-7", GMV: gmv("10"), SubID: ptr(strings.Repeat("s", 101))}, models.KindValidation},
		{"click id too long", Request{AffiliateID: "aff-alice", OrderID: "O-8", GMV: gmv("10"), ClickID: ptr(strings.Repeat("k", 37))}, models.KindValidation},
		{"unknown click id", Request{AffiliateID: "aff-alice", OrderID: "O-9", GMV: gmv("10"), ClickID: ptr("no-such-click")}, models.KindValidation},
	}
	for _, tt := range tests {
		_, err := f.recorder.Record(context.Background(), tt.req)
		if models.KindOf(err) != tt.kind {
			t.Errorf("%s: kind = %s, want %s (%v)", tt.name, models.KindOf(err), tt.kind, err)
		}
	}
	for _, order := range []string{"O-5", "O-9"} {
		if _, err := f.store.GetConversionByOrderID(context.Background(), order); !errors.Is(err, models.ErrRecordNotFound) {
			t.Errorf("rejected order %s was written: %v", order, err)
		}
	}
}

func TestValidationNamesTheField(t *testing.T) {
	req := Request{AffiliateID: "aff-alice", OrderID: strings.Repeat("o", 101), GMV: gmv("10")}
	err := req.Validate()
	if models.CodeOf(err) != "INVALID_ORDER_ID" || models.DetailsOf(err)["order_id"] == "" {
		t.Fatalf("err = %v, details = %v", err, models.DetailsOf(err))
	}

	ok := Request{AffiliateID: "aff-alice", OrderID: strings.Repeat("o", 100), GMV: gmv("10")}
	if err := ok.Validate(); err != nil {
		t.Fatalf("100 character order id should pass: %v", err)
	}
}

func TestGMVIsRoundedToCents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.recorder.Record(ctx, Request{AffiliateID: "aff-alice", OrderID: "ORD-CENTS", GMV: gmv("300.005"), CustomerID: ptr("cust-1")})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	conv, err := f.store.GetConversion(ctx, res.ConversionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !conv.GMV.Equal(gmv("300.01")) {
		t.Fatalf("gmv = %s, want 300.01", conv.GMV)
	}
	n, err := f.store.CountMatchingConversions(ctx, "aff-alice", gmv("300.01"), "cust-1", time.Now().Add(-time.Hour), "")
	if err != nil || n != 1 {
		t.Fatalf("matching conversions = %d (%v)", n, err)
	}
}

func TestTierRateForSecondLevel(t *testing.T) {
	f := newFixture(t)
	res, err := f.recorder.Record(context.Background(), Request{AffiliateID: "aff-alice", OrderID: "ORD-T2", GMV: gmv("300"), Level: 2})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !res.CommissionAmount.Equal(gmv("30")) {
		t.Fatalf("level 2 commission = %s, want 30", res.CommissionAmount)
	}
}

func TestSubIDQueuesPostbacks(t *testing.T) {
	f := newFixture(t)
	sub := "net-123"
	res, err := f.recorder.Record(context.Background(), Request{AffiliateID: "aff-alice", OrderID: "ORD-S", GMV: gmv("300"), SubID: &sub})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(f.notifier.convs) != 1 || f.notifier.convs[0] != res.ConversionID {
		t.Fatalf("notifier calls = %v", f.notifier.convs)
	}

	if _, err := f.recorder.Record(context.Background(), Request{AffiliateID: "aff-alice", OrderID: "ORD-NS", GMV: gmv("300")}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(f.notifier.convs) != 1 {
		t.Fatal("conversions without sub_id must not notify networks")
	}
}

type fakeOrders struct {
	ids map[string]string
}

func (o *fakeOrders) Lookup(ctx context.Context, orderID string) (string, bool, error) {
	id, ok := o.ids[orderID]
	return id, ok, nil
}

func (o *fakeOrders) Remember(ctx context.Context, orderID, conversionID string) error {
	if _, ok := o.ids[orderID]; !ok {
		o.ids[orderID] = conversionID
	}
	return nil
}

func TestOrderIndexIsConsultedFirst(t *testing.T) {
	f := newFixture(t)
	orders := &fakeOrders{ids: map[string]string{}}
	f.recorder.orders = orders

	first, err := f.recorder.Record(context.Background(), Request{AffiliateID: "aff-alice", OrderID: "ORD-C", GMV: gmv("300")})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if orders.ids["ORD-C"] != first.ConversionID {
		t.Fatalf("order index not populated: %v", orders.ids)
	}
	second, err := f.recorder.Record(context.Background(), Request{AffiliateID: "aff-alice", OrderID: "ORD-C", GMV: gmv("300")})
	if err != nil || !second.Duplicate || second.ConversionID != first.ConversionID {
		t.Fatalf("expected cached duplicate, got %+v, %v", second, err)
	}
}

func TestRescreenFlagsPendingConversion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.recorder.Record(ctx, Request{AffiliateID: "aff-alice", OrderID: "ORD-R", GMV: gmv("300")})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	f.recorder.screener = fraud.NewScreener(config.FraudRules{AmountMin: 500, AmountMax: 900}, f.store, logger.Nop(), nil)
	out, err := f.recorder.Rescreen(ctx, res.ConversionID)
	if err != nil {
		t.Fatalf("rescreen: %v", err)
	}
	if !out.Flagged || out.Status != models.ConversionFlagged {
		t.Fatalf("expected flagged rescreen, got %+v", out)
	}
}
