package meteractor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unprice/entitlements/internal/entitlement/domain"
	obsmetrics "github.com/unprice/entitlements/internal/observability/metrics"
)

// Pool hands out the single logical Actor instance for a
// (projectId, customerId) pair, constructing it lazily on first access.
// The routing layer that pins a customer to one process is outside this
// core; Pool only guarantees that within one process, repeated lookups
// for the same customer return the same Actor.
type Pool struct {
	mu      sync.Mutex
	actors  map[string]*Actor
	svc     domain.Service
	log     *zap.Logger
	metrics *obsmetrics.EntitlementMetrics
	ttl     time.Duration
}

func NewPool(svc domain.Service, log *zap.Logger, metrics *obsmetrics.EntitlementMetrics, ttl time.Duration) *Pool {
	return &Pool{
		actors:  make(map[string]*Actor),
		svc:     svc,
		log:     log,
		metrics: metrics,
		ttl:     ttl,
	}
}

// Get returns the actor for (projectID, customerID), constructing it on
// first access.
func (p *Pool) Get(projectID, customerID string) *Actor {
	key := projectID + ":" + customerID

	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.actors[key]; ok {
		return a
	}
	a := New(projectID, customerID, p.svc, p.log, p.metrics, p.ttl)
	p.actors[key] = a
	return a
}

// Evict stops and removes the actor for (projectID, customerID), if one
// exists. Used after resetEntitlements so a fresh actor picks up a clean
// hub rather than replaying stale subscriber state.
func (p *Pool) Evict(projectID, customerID string) {
	key := projectID + ":" + customerID

	p.mu.Lock()
	a, ok := p.actors[key]
	if ok {
		delete(p.actors, key)
	}
	p.mu.Unlock()

	if ok {
		a.Stop()
	}
}

// Shutdown stops every actor the pool has constructed.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	actors := p.actors
	p.actors = make(map[string]*Actor)
	p.mu.Unlock()

	for _, a := range actors {
		a.Stop()
	}
}
