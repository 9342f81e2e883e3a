// Package postback notifies affiliate networks of conversions with capped,
// per-network circuit-broken delivery attempts.
package postback

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/AnuragDani/affiliate-engine/internal/config"
	"github.com/AnuragDani/affiliate-engine/internal/events"
	"github.com/AnuragDani/affiliate-engine/internal/logger"
	"github.com/AnuragDani/affiliate-engine/internal/metrics"
	"github.com/AnuragDani/affiliate-engine/internal/models"
)

// staleClaim is how long a retrying postback may sit before another worker
// may take it over
const staleClaim = 5 * time.Minute

const sweepConcurrency = 4

// Store is the persistence the dispatcher needs
type Store interface {
	CreatePostback(ctx context.Context, p *models.NetworkPostback) error
	GetPostback(ctx context.Context, id string) (*models.NetworkPostback, error)
	ListPostbacksByConversion(ctx context.Context, conversionID string) ([]models.NetworkPostback, error)
	ClaimPostback(ctx context.Context, id string, maxAttempts int, staleBefore, now time.Time) (*models.NetworkPostback, error)
	FinishPostbackAttempt(ctx context.Context, id string, status models.PostbackStatus, errMsg string, countAttempt bool, at time.Time) (*models.NetworkPostback, error)
	ListOutstandingPostbacks(ctx context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]models.NetworkPostback, error)
}

// Fetcher issues the outbound GET and reports the status code
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (int, error)
}

// Outcome is the result of one dispatch request
type Outcome struct {
	PostbackID  string                `json:"postback_id"`
	NetworkName string                `json:"network_name"`
	Success     bool                  `json:"success"`
	Status      models.PostbackStatus `json:"status"`
	Attempts    int                   `json:"attempts"`
	Message     string                `json:"message"`
}

// SweepResult summarises a pass over outstanding postbacks
type SweepResult struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

type Dispatcher struct {
	store    Store
	fetcher  Fetcher
	networks []config.NetworkRule
	timeout  time.Duration
	log      *logger.Logger
	metrics  *metrics.Metrics
	events   events.Sink
	now      func() time.Time

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	inflight sync.WaitGroup
}

func NewDispatcher(store Store, fetcher Fetcher, networks []config.NetworkRule, timeout time.Duration,
	log *logger.Logger, m *metrics.Metrics, sink events.Sink) *Dispatcher {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Dispatcher{
		store:    store,
		fetcher:  fetcher,
		networks: networks,
		timeout:  timeout,
		log:      log,
		metrics:  m,
		events:   sink,
		now:      func() time.Time { return time.Now().UTC() },
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// ExpandURL fills a network URL template with conversion values
func ExpandURL(template string, conv *models.Conversion) string {
	subID := ""
	if conv.SubID != nil {
		subID = *conv.SubID
	}
	r := strings.NewReplacer(
		"{conversion_id}", url.QueryEscape(conv.ID),
		"{order_id}", url.QueryEscape(conv.OrderID),
		"{sub_id}", url.QueryEscape(subID),
		"{gmv}", conv.GMV.StringFixed(2),
		"{commission}", conv.CommissionAmount.StringFixed(2),
	)
	return r.Replace(template)
}

// NotifyConversion creates one pending postback per enabled network and
// dispatches them in the background
func (d *Dispatcher) NotifyConversion(ctx context.Context, conv *models.Conversion) error {
	if len(d.networks) == 0 {
		return nil
	}
	var ids []string
	for _, n := range d.networks {
		now := d.now()
		p := &models.NetworkPostback{
			ID:           uuid.NewString(),
			ConversionID: conv.ID,
			NetworkName:  n.Name,
			PostbackURL:  ExpandURL(n.URLTemplate, conv),
			Status:       models.PostbackPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := d.store.CreatePostback(ctx, p); err != nil {
			return fmt.Errorf("failed to create postback for %s: %w", n.Name, err)
		}
		ids = append(ids, p.ID)
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		bg := context.Background()
		for _, id := range ids {
			if _, err := d.Dispatch(bg, id); err != nil {
				d.log.Warn("Background postback dispatch failed", "postback_id", id, "error", err)
			}
		}
	}()
	return nil
}

// Wait blocks until background dispatches started by NotifyConversion finish
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

func (d *Dispatcher) breaker(network string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[network]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        network,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.log.Warn("Postback circuit changed state", "network", name, "from", from.String(), "to", to.String())
		},
	})
	d.breakers[network] = cb
	return cb
}

// BreakerStates reports the circuit state of every network seen so far
func (d *Dispatcher) BreakerStates() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.breakers))
	for name, cb := range d.breakers {
		out[name] = cb.State().String()
	}
	return out
}

// Dispatch makes one delivery attempt. A sent postback, or one at the attempt
// ceiling, is reported without another attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, id string) (*Outcome, error) {
	p, err := d.store.GetPostback(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			return nil, models.NotFound("POSTBACK_NOT_FOUND", fmt.Sprintf("postback %s not found", id))
		}
		return nil, models.Upstream("DATABASE_ERROR", "failed to load postback", err)
	}
	if out := settled(p); out != nil {
		return out, nil
	}
	if err := models.ValidatePostbackTransition(p.Status, models.PostbackRetrying); err != nil {
		return outcome(p, false, models.MessageOf(err)), nil
	}

	now := d.now()
	claimed, err := d.store.ClaimPostback(ctx, id, models.MaxPostbackAttempts, now.Add(-staleClaim), now)
	if errors.Is(err, models.ErrStaleWrite) {
		current, getErr := d.store.GetPostback(ctx, id)
		if getErr == nil {
			if out := settled(current); out != nil {
				return out, nil
			}
			return outcome(current, false, "postback is already being delivered"), nil
		}
		return nil, models.Upstream("DATABASE_ERROR", "failed to reload postback", getErr)
	}
	if err != nil {
		return nil, models.Upstream("DATABASE_ERROR", "failed to claim postback", err)
	}

	_, sendErr := d.breaker(claimed.NetworkName).Execute(func() (interface{}, error) {
		return nil, d.send(ctx, claimed.PostbackURL)
	})

	if errors.Is(sendErr, gobreaker.ErrOpenState) || errors.Is(sendErr, gobreaker.ErrTooManyRequests) {
		prior := p.Status
		if prior == models.PostbackRetrying {
			prior = models.PostbackPending
		}
		if err := models.ValidatePostbackTransition(claimed.Status, prior); err != nil {
			return nil, err
		}
		finished, err := d.store.FinishPostbackAttempt(ctx, id, prior, "network circuit open", false, d.now())
		if err != nil {
			return nil, models.Upstream("DATABASE_ERROR", "failed to release postback", err)
		}
		d.metrics.Postback(claimed.NetworkName, "circuit_open")
		return outcome(finished, false, "network circuit open, attempt not counted"), nil
	}

	status, msg := models.PostbackSent, ""
	if sendErr != nil {
		status, msg = models.PostbackFailed, sendErr.Error()
	}
	if err := models.ValidatePostbackTransition(claimed.Status, status); err != nil {
		return nil, err
	}
	finished, err := d.store.FinishPostbackAttempt(ctx, id, status, msg, true, d.now())
	if err != nil {
		return nil, models.Upstream("DATABASE_ERROR", "failed to record postback attempt", err)
	}

	d.events.Emit(events.TypePostback, eventFor(status), events.PostbackEventData{
		PostbackID:   finished.ID,
		ConversionID: finished.ConversionID,
		NetworkName:  finished.NetworkName,
		Attempts:     finished.Attempts,
		Status:       string(finished.Status),
		ErrorMessage: finished.ErrorMessage,
	})
	if status == models.PostbackSent {
		d.metrics.Postback(finished.NetworkName, "sent")
		d.log.Info("Postback sent", "postback_id", id, "network", finished.NetworkName, "attempts", finished.Attempts)
		return outcome(finished, true, "postback sent"), nil
	}

	d.metrics.Postback(finished.NetworkName, "failed")
	if finished.Attempts >= models.MaxPostbackAttempts {
		d.log.Error("Postback failed permanently", "postback_id", id, "network", finished.NetworkName, "error", msg)
		return outcome(finished, false, fmt.Sprintf("failed after %d attempts, no further retries: %s", finished.Attempts, msg)), nil
	}
	d.log.Warn("Postback attempt failed", "postback_id", id, "network", finished.NetworkName, "attempts", finished.Attempts, "error", msg)
	return outcome(finished, false, msg), nil
}

func (d *Dispatcher) send(ctx context.Context, rawURL string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	code, err := d.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return err
	}
	if code < 200 || code > 299 {
		return fmt.Errorf("network responded with HTTP %d", code)
	}
	return nil
}

func settled(p *models.NetworkPostback) *Outcome {
	switch {
	case p.Status == models.PostbackSent:
		return outcome(p, true, "postback already sent")
	case p.Attempts >= models.MaxPostbackAttempts:
		return outcome(p, false, "retry limit reached")
	}
	return nil
}

func outcome(p *models.NetworkPostback, ok bool, msg string) *Outcome {
	return &Outcome{
		PostbackID:  p.ID,
		NetworkName: p.NetworkName,
		Success:     ok,
		Status:      p.Status,
		Attempts:    p.Attempts,
		Message:     msg,
	}
}

func eventFor(status models.PostbackStatus) string {
	if status == models.PostbackSent {
		return events.PostbackSent
	}
	return events.PostbackFailed
}

// RetryConversion dispatches every postback of a conversion concurrently
func (d *Dispatcher) RetryConversion(ctx context.Context, conversionID string) ([]*Outcome, error) {
	postbacks, err := d.store.ListPostbacksByConversion(ctx, conversionID)
	if err != nil {
		return nil, models.Upstream("DATABASE_ERROR", "failed to list postbacks", err)
	}
	if len(postbacks) == 0 {
		return nil, models.NotFound("NO_POSTBACKS", fmt.Sprintf("conversion %s has no postbacks", conversionID))
	}

	outcomes := make([]*Outcome, len(postbacks))
	var g errgroup.Group
	for i := range postbacks {
		i, p := i, postbacks[i]
		g.Go(func() error {
			out, err := d.Dispatch(ctx, p.ID)
			if err != nil {
				out = &Outcome{PostbackID: p.ID, NetworkName: p.NetworkName, Status: p.Status, Attempts: p.Attempts, Message: models.MessageOf(err)}
			}
			outcomes[i] = out
			return nil
		})
	}
	g.Wait()
	return outcomes, nil
}

// Sweep attempts outstanding postbacks with bounded concurrency
func (d *Dispatcher) Sweep(ctx context.Context, limit int) (*SweepResult, error) {
	pending, err := d.store.ListOutstandingPostbacks(ctx, models.MaxPostbackAttempts, d.now().Add(-staleClaim), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outstanding postbacks: %w", err)
	}

	var (
		mu  sync.Mutex
		res SweepResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, p := range pending {
		id := p.ID
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := d.Dispatch(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			res.Processed++
			switch {
			case err != nil:
				res.Failed++
				d.log.Warn("Postback sweep dispatch failed", "postback_id", id, "error", err)
			case out.Success:
				res.Sent++
			default:
				res.Failed++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return &res, err
	}
	return &res, nil
}
