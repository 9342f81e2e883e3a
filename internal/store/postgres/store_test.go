package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/AnuragDani/affiliate-engine/internal/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewFromConn(conn), mock
}

var conversionRowColumns = []string{"id", "affiliate_id", "click_id", "order_id", "customer_id", "product_id",
	"gmv", "commission_amount", "level", "sub_id", "status", "status_history", "fraud_flag", "payout_batch_id",
	"cleared_at", "paid_at", "created_at", "updated_at"}

func conversionRow(id string, status string, history string, now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(conversionRowColumns).AddRow(
		id, "aff-1", nil, "ORD-1", "cust-1", "",
		"350.00", "87.50", 1, nil, status, []byte(history), nil, nil,
		nil, nil, now, now)
}

func TestInsertConversionMapsUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversions")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "conversions_order_id_key"})

	err := s.InsertConversion(context.Background(), &models.Conversion{
		ID: "c-1", AffiliateID: "aff-1", OrderID: "ORD-1",
		GMV: decimal.NewFromInt(350), CommissionAmount: decimal.RequireFromString("87.50"),
		Level: 1, Status: models.ConversionPending, CreatedAt: time.Now(),
	})
	if !errors.Is(err, models.ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}
}

func TestInsertConversionOtherUniqueViolationIsNotDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversions")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "conversions_pkey"})

	err := s.InsertConversion(context.Background(), &models.Conversion{ID: "c-1", OrderID: "ORD-1"})
	if err == nil || errors.Is(err, models.ErrDuplicateOrder) {
		t.Fatalf("primary key clash must not look like a duplicate order, got %v", err)
	}
}

func TestGetConversionDecodesHistory(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	history := `[{"timestamp":"2026-03-01T12:00:00Z","old_status":"pending","new_status":"cleared","notes":"ok"}]`
	mock.ExpectQuery(regexp.QuoteMeta("FROM conversions WHERE id = $1")).
		WithArgs("c-1").
		WillReturnRows(conversionRow("c-1", "cleared", history, now))

	c, err := s.GetConversion(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("GetConversion: %v", err)
	}
	if c.Status != models.ConversionCleared {
		t.Errorf("status = %s", c.Status)
	}
	if len(c.StatusHistory) != 1 || c.StatusHistory[0].Notes != "ok" {
		t.Errorf("history = %+v", c.StatusHistory)
	}
	if !c.CommissionAmount.Equal(decimal.RequireFromString("87.5")) {
		t.Errorf("commission = %s", c.CommissionAmount)
	}
	if c.CustomerID == nil || *c.CustomerID != "cust-1" {
		t.Errorf("customer = %v", c.CustomerID)
	}
	if c.ClickID != nil {
		t.Errorf("click id should be nil, got %v", *c.ClickID)
	}
}

func TestGetConversionNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM conversions WHERE id = $1")).
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetConversion(context.Background(), "missing")
	if !errors.Is(err, models.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestApplyStatusChangeStaleWrite(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE conversions SET")).
		WillReturnRows(sqlmock.NewRows(conversionRowColumns))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM conversions WHERE id = $1")).
		WithArgs("c-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	_, err := s.ApplyStatusChange(context.Background(), "c-1", 0, models.StatusChange{
		Timestamp: time.Now(), OldStatus: models.ConversionPending, NewStatus: models.ConversionCleared,
	}, nil)
	if !errors.Is(err, models.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestApplyStatusChangeMissingRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE conversions SET")).
		WillReturnRows(sqlmock.NewRows(conversionRowColumns))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM conversions WHERE id = $1")).
		WillReturnError(sql.ErrNoRows)

	_, err := s.ApplyStatusChange(context.Background(), "gone", 0, models.StatusChange{
		Timestamp: time.Now(), NewStatus: models.ConversionCleared,
	}, nil)
	if !errors.Is(err, models.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestApplyStatusChangeReturnsUpdatedRow(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	history := `[{"timestamp":"2026-03-01T12:00:00Z","old_status":"pending","new_status":"flagged"}]`
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE conversions SET")).
		WithArgs("c-1", "flagged", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), 0).
		WillReturnRows(conversionRow("c-1", "flagged", history, now))

	c, err := s.ApplyStatusChange(context.Background(), "c-1", 0, models.StatusChange{
		Timestamp: now, OldStatus: models.ConversionPending, NewStatus: models.ConversionFlagged,
	}, &models.FraudFlag{RiskLevel: models.RiskHigh, Score: 1, Factors: []string{"velocity_exceeded"}})
	if err != nil {
		t.Fatalf("ApplyStatusChange: %v", err)
	}
	if c.Status != models.ConversionFlagged || len(c.StatusHistory) != 1 {
		t.Errorf("unexpected conversion %+v", c)
	}
}

func TestCreateBatchRollsBackWhenConversionsMoved(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payout_batches")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE conversions SET payout_batch_id = $1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := s.CreateBatch(context.Background(), &models.PayoutBatch{
		ID: "b-1", AffiliateID: "aff-1", ConversionIDs: []string{"c-1", "c-2"},
		Status: models.BatchDraft, CreatedAt: time.Now(),
	})
	if !errors.Is(err, models.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateBatchCommits(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payout_batches")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE conversions SET payout_batch_id = $1")).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := s.CreateBatch(context.Background(), &models.PayoutBatch{
		ID: "b-1", AffiliateID: "aff-1", ConversionIDs: []string{"c-1", "c-2"},
		Status: models.BatchDraft, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpdateBatchStatusMismatch(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE payout_batches SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM payout_batches WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	err := s.UpdateBatch(context.Background(), &models.PayoutBatch{ID: "b-1", Status: models.BatchProcessing}, models.BatchVerified)
	if !errors.Is(err, models.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
}

func TestClaimPostbackAtCeiling(t *testing.T) {
	s, mock := newMockStore(t)

	postbackCols := []string{"id", "conversion_id", "network_name", "postback_url", "attempts", "status",
		"last_attempt_at", "error_message", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE network_postbacks SET status = 'retrying'")).
		WithArgs("pb-1", models.MaxPostbackAttempts, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(postbackCols))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM network_postbacks WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	now := time.Now()
	_, err := s.ClaimPostback(context.Background(), "pb-1", models.MaxPostbackAttempts, now.Add(-5*time.Minute), now)
	if !errors.Is(err, models.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
}

func TestCreateAffiliateDuplicateSlug(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO affiliates")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "affiliates_slug_key"})

	err := s.CreateAffiliate(context.Background(), &models.Affiliate{ID: "a", Slug: "alice", CreatedAt: time.Now()})
	if models.KindOf(err) != models.KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

// sqlNull matches an argument the driver sends as SQL NULL
type sqlNull struct{}

func (sqlNull) Match(v driver.Value) bool { return v == nil }

// textContaining matches a text argument containing want
type textContaining struct{ want string }

func (j textContaining) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && strings.Contains(s, j.want)
}

func TestApplyStatusChangeWithoutFlagBindsNull(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	history := `[{"timestamp":"2026-03-01T12:00:00Z","old_status":"pending","new_status":"cleared"}]`
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE conversions SET")).
		WithArgs("c-1", "cleared", sqlmock.AnyArg(), sqlNull{}, sqlmock.AnyArg(), 0).
		WillReturnRows(conversionRow("c-1", "cleared", history, now))

	_, err := s.ApplyStatusChange(context.Background(), "c-1", 0, models.StatusChange{
		Timestamp: now, OldStatus: models.ConversionPending, NewStatus: models.ConversionCleared,
	}, nil)
	if err != nil {
		t.Fatalf("ApplyStatusChange: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestApplyStatusChangeWithFlagBindsJSON(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	history := `[{"timestamp":"2026-03-01T12:00:00Z","old_status":"pending","new_status":"flagged"}]`
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE conversions SET")).
		WithArgs("c-1", "flagged", sqlmock.AnyArg(), textContaining{`"velocity_exceeded"`}, sqlmock.AnyArg(), 0).
		WillReturnRows(conversionRow("c-1", "flagged", history, now))

	_, err := s.ApplyStatusChange(context.Background(), "c-1", 0, models.StatusChange{
		Timestamp: now, OldStatus: models.ConversionPending, NewStatus: models.ConversionFlagged,
	}, &models.FraudFlag{RiskLevel: models.RiskHigh, Score: 1, Factors: []string{"velocity_exceeded"}})
	if err != nil {
		t.Fatalf("ApplyStatusChange: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestInsertClickUTMParams(t *testing.T) {
	tests := []struct {
		name string
		utm  map[string]string
		arg  sqlmock.Argument
	}{
		{"no utm is null", nil, sqlNull{}},
		{"empty utm is null", map[string]string{}, sqlNull{}},
		{"utm is json", map[string]string{"utm_source": "newsletter"}, textContaining{`"utm_source":"newsletter"`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			arg := sqlmock.AnyArg()
			mock.ExpectExec(regexp.QuoteMeta("INSERT INTO clicks")).
				WithArgs(arg, arg, arg, arg, arg, arg, arg, arg, tt.arg, arg).
				WillReturnResult(sqlmock.NewResult(0, 1))

			err := s.InsertClick(context.Background(), &models.Click{
				ID: "k-1", AffiliateID: "aff-1", VisitorID: "v-1", UTMParams: tt.utm, CreatedAt: time.Now(),
			})
			if err != nil {
				t.Fatalf("InsertClick: %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestInsertConversionMapsUnknownClick(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversions")).
		WillReturnError(&pq.Error{Code: "23503", Constraint: "conversions_click_id_fkey"})

	click := "no-such-click"
	err := s.InsertConversion(context.Background(), &models.Conversion{ID: "c-1", OrderID: "ORD-1", ClickID: &click})
	if !errors.Is(err, models.ErrUnknownClick) {
		t.Fatalf("expected ErrUnknownClick, got %v", err)
	}
}

func TestFinishPostbackAttemptRequiresClaim(t *testing.T) {
	s, mock := newMockStore(t)

	postbackCols := []string{"id", "conversion_id", "network_name", "postback_url", "attempts", "status",
		"last_attempt_at", "error_message", "created_at", "updated_at"}
	arg := sqlmock.AnyArg()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE network_postbacks SET")).
		WithArgs("pb-1", "sent", arg, 1, arg, textContaining{"retrying"}).
		WillReturnRows(sqlmock.NewRows(postbackCols))

	_, err := s.FinishPostbackAttempt(context.Background(), "pb-1", models.PostbackSent, "", true, time.Now())
	if !errors.Is(err, models.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
