// Package registry tracks the set of known engine instances and their
// health. Instances come from the YAML file at startup; health is refreshed
// by polling each instance's /health endpoint on a fixed interval.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"trading-dashboard/internal/metrics"
	"trading-dashboard/internal/model"
	"trading-dashboard/internal/notification"
)

// probeRate bounds how fast health probes are issued within one poll
// cycle so a long instance list does not burst-connect every engine at once.
const probeRate = 5

// HealthChecker probes one engine instance. *engine.Client implements it.
type HealthChecker interface {
	Health(ctx context.Context, inst model.InstanceRef) (model.InstanceHealth, string, error)
}

// Registry holds the instance list. Refs are rebuilt on every poll cycle;
// readers always get a copy.
type Registry struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	checker  HealthChecker
	limiter  *rate.Limiter
	interval time.Duration
	notifier notification.Notifier

	mu        sync.RWMutex
	instances []model.InstanceRef
}

// New builds a registry seeded with refs. Health starts as whatever the
// refs carry (normally unknown) until the first poll completes.
func New(refs []model.InstanceRef, checker HealthChecker, interval time.Duration, log *slog.Logger, m *metrics.Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	seed := make([]model.InstanceRef, len(refs))
	copy(seed, refs)
	return &Registry{
		log:       log,
		metrics:   m,
		checker:   checker,
		limiter:   rate.NewLimiter(probeRate, probeRate),
		interval:  interval,
		instances: seed,
	}
}

// SetNotifier enables health transition alerts. Call before Start.
func (r *Registry) SetNotifier(n notification.Notifier) {
	r.notifier = n
}

// Start polls until ctx is cancelled. The first poll runs immediately so
// the dashboard does not show every instance as unknown for a full interval.
func (r *Registry) Start(ctx context.Context) {
	r.Poll(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}

// Poll probes every instance once and swaps in the rebuilt list.
func (r *Registry) Poll(ctx context.Context) {
	r.mu.RLock()
	refs := make([]model.InstanceRef, len(r.instances))
	copy(refs, r.instances)
	r.mu.RUnlock()

	for i := range refs {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		prev := refs[i].Health
		health, state, err := r.checker.Health(ctx, refs[i])
		refs[i].Health = health
		refs[i].State = state
		if err != nil {
			r.log.Debug("health probe failed", "instance", refs[i].Name, "err", err)
		}
		r.alertTransition(refs[i], prev)
		if r.metrics != nil {
			up := 0.0
			if health == model.HealthOK {
				up = 1
			}
			r.metrics.InstanceHealth.WithLabelValues(refs[i].Name).Set(up)
		}
	}

	r.mu.Lock()
	r.instances = refs
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RegistryPolls.Inc()
	}
}

// alertTransition reports flips between reachable and unreachable. The
// first poll after startup stays silent: unknown is not a transition.
func (r *Registry) alertTransition(inst model.InstanceRef, prev model.InstanceHealth) {
	if r.notifier == nil || prev == inst.Health || prev == model.HealthUnknown {
		return
	}
	var alert notification.Alert
	switch {
	case prev == model.HealthOK && inst.Health != model.HealthOK:
		alert = notification.InstanceDown(inst.Name, inst.Category == model.CategoryLive)
	case inst.Health == model.HealthOK:
		alert = notification.InstanceRecovered(inst.Name)
	default:
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.notifier.Send(ctx, alert); err != nil {
			r.log.Warn("alert delivery failed", "instance", inst.Name, "err", err)
		}
	}()
}

// List returns a copy of the current instance list.
func (r *Registry) List() []model.InstanceRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.InstanceRef, len(r.instances))
	copy(out, r.instances)
	return out
}

// Get looks up one instance by name.
func (r *Registry) Get(name string) (model.InstanceRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, inst := range r.instances {
		if inst.Name == name {
			return inst, true
		}
	}
	return model.InstanceRef{}, false
}
