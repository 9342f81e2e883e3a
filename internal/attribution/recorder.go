// Package attribution records affiliate link clicks and issues the cookies
// that later tie a purchase back to the affiliate.
package attribution

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/AnuragDani/affiliate-engine/internal/config"
	"github.com/AnuragDani/affiliate-engine/internal/events"
	"github.com/AnuragDani/affiliate-engine/internal/logger"
	"github.com/AnuragDani/affiliate-engine/internal/metrics"
	"github.com/AnuragDani/affiliate-engine/internal/models"
)

// Cookie names shared with the storefront scripts
const (
	CookieAffiliate = "gh_aff"
	CookieVisitor   = "gh_vid"
)

const maxVisitorIDLength = 64

// ClickStore is the persistence the recorder needs
type ClickStore interface {
	GetAffiliateBySlug(ctx context.Context, slug string) (*models.Affiliate, error)
	InsertClick(ctx context.Context, c *models.Click) error
}

// ClickRequest is everything the recorder reads from an inbound click
type ClickRequest struct {
	Slug           string
	VisitorID      string
	IPAddress      string
	UserAgent      string
	ReferrerURL    string
	LandingPageURL string
	SubID          string
	UTMParams      map[string]string
}

// CookieSpec is a cookie the transport must set on the response
type CookieSpec struct {
	Name     string
	Value    string
	MaxAge   time.Duration
	Domain   string
	HTTPOnly bool
	SameSite http.SameSite
}

// HTTPCookie renders the cookie for net/http
func (c CookieSpec) HTTPCookie(now time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   int(c.MaxAge.Seconds()),
		Expires:  now.Add(c.MaxAge),
		HttpOnly: c.HTTPOnly,
		SameSite: c.SameSite,
	}
}

// ClickResult is the outcome of one click. Cookies are only populated when
// the click was recorded; Err is for logging and never reaches the browser.
type ClickResult struct {
	ClickID     string
	AffiliateID string
	VisitorID   string
	Cookies     []CookieSpec
	Err         error
}

type Recorder struct {
	store        ClickStore
	rules        config.AttributionRules
	timeout      time.Duration
	cookieDomain string
	log          *logger.Logger
	metrics      *metrics.Metrics
	events       events.Sink
}

func NewRecorder(store ClickStore, rules config.AttributionRules, timeout time.Duration, cookieDomain string,
	log *logger.Logger, m *metrics.Metrics, sink events.Sink) *Recorder {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Recorder{
		store:        store,
		rules:        rules,
		timeout:      timeout,
		cookieDomain: cookieDomain,
		log:          log,
		metrics:      m,
		events:       sink,
	}
}

// Track records the click on a separate goroutine bounded by the recorder's
// timeout. It always returns by the deadline; a click still in flight is
// abandoned through its cancelled context.
func (r *Recorder) Track(ctx context.Context, req ClickRequest) ClickResult {
	visitorID := req.VisitorID
	if visitorID == "" || len(visitorID) > maxVisitorIDLength {
		visitorID = uuid.NewString()
	}
	req.VisitorID = visitorID

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan ClickResult, 1)
	go func() {
		done <- r.Record(ctx, req)
	}()

	var res ClickResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = ClickResult{VisitorID: visitorID, Err: fmt.Errorf("click recording timed out: %w", ctx.Err())}
	}

	if res.Err != nil {
		result := "failed"
		if k := models.KindOf(res.Err); k == models.KindNotFound || k == models.KindForbidden || k == models.KindValidation {
			result = "rejected"
		}
		r.metrics.Click(result)
		r.log.Warn("Click not recorded", "slug", req.Slug, "visitor_id", visitorID, "error", res.Err)
		return res
	}
	r.metrics.Click("recorded")
	return res
}

// Record validates the slug, writes the click and plans the cookies. The
// request's VisitorID must already be set.
func (r *Recorder) Record(ctx context.Context, req ClickRequest) ClickResult {
	res := ClickResult{VisitorID: req.VisitorID}
	if req.Slug == "" {
		res.Err = models.Validation("MISSING_SLUG", "affiliate slug is required")
		return res
	}

	aff, err := r.store.GetAffiliateBySlug(ctx, req.Slug)
	if err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			res.Err = models.NotFound("AFFILIATE_NOT_FOUND", fmt.Sprintf("no affiliate with slug %q", req.Slug))
		} else {
			res.Err = models.Upstream("AFFILIATE_LOOKUP_FAILED", "failed to resolve affiliate", err)
		}
		return res
	}
	if !aff.IsActive() {
		res.Err = models.Forbidden("AFFILIATE_INACTIVE", fmt.Sprintf("affiliate %q is %s", req.Slug, aff.Status))
		return res
	}

	click := &models.Click{
		ID:             uuid.NewString(),
		AffiliateID:    aff.ID,
		VisitorID:      req.VisitorID,
		IPAddress:      req.IPAddress,
		UserAgent:      ParseUserAgent(req.UserAgent),
		ReferrerURL:    req.ReferrerURL,
		LandingPageURL: req.LandingPageURL,
		SubID:          req.SubID,
		UTMParams:      req.UTMParams,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.store.InsertClick(ctx, click); err != nil {
		res.Err = models.Upstream("CLICK_WRITE_FAILED", "failed to record click", err)
		return res
	}

	res.ClickID = click.ID
	res.AffiliateID = aff.ID
	res.Cookies = []CookieSpec{
		{
			Name:     CookieAffiliate,
			Value:    aff.Slug,
			MaxAge:   days(r.rules.AffiliateCookieDays),
			Domain:   r.cookieDomain,
			SameSite: http.SameSiteLaxMode,
		},
		{
			Name:     CookieVisitor,
			Value:    req.VisitorID,
			MaxAge:   days(r.rules.VisitorCookieDays),
			Domain:   r.cookieDomain,
			SameSite: http.SameSiteLaxMode,
		},
	}

	r.events.Emit(events.TypeClick, events.ClickRecorded, map[string]string{
		"click_id":     click.ID,
		"affiliate_id": aff.ID,
		"visitor_id":   req.VisitorID,
	})
	return res
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
