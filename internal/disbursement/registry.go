package disbursement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AnuragDani/affiliate-engine/internal/models"
)

// Registry maps payout methods to the disburser that handles them
type Registry struct {
	mu         sync.RWMutex
	disbursers map[models.PayoutMethod]Disburser
}

func NewRegistry() *Registry {
	return &Registry{disbursers: make(map[models.PayoutMethod]Disburser)}
}

// Register routes a payout method to d
func (r *Registry) Register(method models.PayoutMethod, d Disburser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disbursers[method] = d
}

// For returns the disburser for a payout method
func (r *Registry) For(method models.PayoutMethod) (Disburser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.disbursers[method]
	if !ok {
		return nil, fmt.Errorf("no disburser configured for payout method %q", method)
	}
	return d, nil
}

// Methods lists the registered payout methods
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.disbursers))
	for m := range r.disbursers {
		out = append(out, string(m))
	}
	sort.Strings(out)
	return out
}

// CheckAllHealth asks every registered disburser for its health
func (r *Registry) CheckAllHealth(ctx context.Context) map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.disbursers))
	for method, d := range r.disbursers {
		h, err := d.Health(ctx)
		out[string(method)] = err == nil && h.Status == "healthy"
	}
	return out
}

// FromConfig registers both payout methods against one processor URL
func FromConfig(baseURL string, timeout time.Duration) *Registry {
	r := NewRegistry()
	if baseURL == "" {
		return r
	}
	r.Register(models.PayoutMethodBankTransfer, NewClient("bank_transfer", baseURL, timeout))
	r.Register(models.PayoutMethodGCash, NewClient("gcash", baseURL, timeout))
	return r
}
