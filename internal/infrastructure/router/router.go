// Package router classifies inbound requests into named routes and resolves
// each route to concrete provider targets with a weighted round-robin over
// healthy candidates.
package router

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/domain/entity"
	"github.com/routecodex/routecodex/internal/infrastructure/config"
	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

// memoWindow bounds how long a routing decision is reused for an identical
// request fingerprint, stabilizing load-balance across quick retries.
const memoWindow = 2 * time.Second

// maxAlternatives caps the failover targets returned beside the primary.
const maxAlternatives = 3

type memoEntry struct {
	decision entity.RoutingDecision
	at       time.Time
}

// Router is the virtual router.
type Router struct {
	mu             sync.RWMutex
	routing        map[string][]weightedTarget
	classification config.ClassificationConfig

	health *HealthTable

	memoMu sync.Mutex
	memo   map[string]memoEntry

	logger *zap.Logger
}

type weightedTarget struct {
	target entity.Target
	weight int
}

// New builds a router from config.
func New(cfg *config.Config, logger *zap.Logger) *Router {
	r := &Router{
		health: NewHealthTable(
			cfg.VirtualRouter.Health.FailureThreshold,
			cfg.VirtualRouter.Health.SuccessThreshold,
			cfg.VirtualRouter.Health.QuarantineWindow,
		),
		memo:   make(map[string]memoEntry),
		logger: logger.With(zap.String("component", "virtual-router")),
	}
	r.Reload(cfg)
	return r
}

// Reload swaps the routing table on config change. Health accounting is kept:
// a reload must not amnesty a failing target.
func (r *Router) Reload(cfg *config.Config) {
	routing := make(map[string][]weightedTarget, len(cfg.VirtualRouter.Routing))
	for route, entries := range cfg.VirtualRouter.Routing {
		for _, entry := range entries {
			key, weight := config.SplitRouteTarget(entry)
			providerID, modelID, ok := cutTarget(key)
			if !ok {
				continue
			}
			profile := cfg.VirtualRouter.Providers[providerID].Compatibility
			if profile == "" {
				profile = cfg.VirtualRouter.Providers[providerID].Type
			}
			routing[route] = append(routing[route], weightedTarget{
				target: entity.Target{
					ProviderID:           providerID,
					ModelID:              modelID,
					CompatibilityProfile: profile,
					Weight:               weight,
				},
				weight: weight,
			})
		}
	}

	r.mu.Lock()
	r.routing = routing
	r.classification = cfg.VirtualRouter.Classification
	r.mu.Unlock()

	r.logger.Info("Routing table loaded", zap.Int("routes", len(routing)))
}

// Health exposes the health table for the pipeline's outcome reporting.
func (r *Router) Health() *HealthTable { return r.health }

// Decide classifies the request and resolves its route to an ordered target
// list: the weighted-round-robin pick first, then alternatives for failover.
func (r *Router) Decide(req *entity.Request) (entity.RoutingDecision, error) {
	fp := fingerprint(req)

	r.memoMu.Lock()
	if entry, ok := r.memo[fp]; ok && time.Since(entry.at) < memoWindow {
		r.memoMu.Unlock()
		return entry.decision, nil
	}
	r.memoMu.Unlock()

	route, confidence := Classify(req, r.snapshotClassification())

	r.mu.RLock()
	candidates := r.routing[route]
	if len(candidates) == 0 && route != RouteDefault {
		// Unknown or unconfigured route falls back to default.
		candidates = r.routing[RouteDefault]
		route = RouteDefault
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return entity.RoutingDecision{}, gwerrors.NewBadRequest(
			fmt.Sprintf("no targets configured for route %q", route))
	}

	ordered := r.order(candidates)
	if len(ordered) > maxAlternatives+1 {
		ordered = ordered[:maxAlternatives+1]
	}
	r.health.touch(ordered[0].Key())

	decision := entity.RoutingDecision{
		Route:      route,
		Targets:    ordered,
		Confidence: confidence,
	}

	r.memoMu.Lock()
	r.memo[fp] = memoEntry{decision: decision, at: time.Now()}
	if len(r.memo) > 1024 {
		for k, e := range r.memo {
			if time.Since(e.at) >= memoWindow {
				delete(r.memo, k)
			}
		}
	}
	r.memoMu.Unlock()

	r.logger.Debug("Routing decision",
		zap.String("request_id", req.RequestID),
		zap.String("route", route),
		zap.String("target", ordered[0].Key()),
		zap.Int("alternatives", len(ordered)-1),
	)
	return decision, nil
}

// order ranks candidates: selectable targets by weighted round-robin position
// (fewest ticks per weight unit first, least-recently-used breaking ties);
// when every target is quarantined, all of them ordered by next retry time.
func (r *Router) order(candidates []weightedTarget) []entity.Target {
	type ranked struct {
		target entity.Target
		score  float64
		last   time.Time
	}

	var selectable []ranked
	var quarantined []entity.Target
	for _, wt := range candidates {
		key := wt.target.Key()
		if r.health.State(key) == Quarantined {
			quarantined = append(quarantined, wt.target)
			continue
		}
		ticks, last := r.health.selectionOrder(key)
		weight := wt.weight
		if weight <= 0 {
			weight = 1
		}
		selectable = append(selectable, ranked{
			target: wt.target,
			score:  float64(ticks) / float64(weight),
			last:   last,
		})
	}

	if len(selectable) == 0 {
		sort.Slice(quarantined, func(i, j int) bool {
			return r.health.NextRetryAt(quarantined[i].Key()).Before(r.health.NextRetryAt(quarantined[j].Key()))
		})
		return quarantined
	}

	sort.Slice(selectable, func(i, j int) bool {
		if selectable[i].score != selectable[j].score {
			return selectable[i].score < selectable[j].score
		}
		return selectable[i].last.Before(selectable[j].last)
	})

	out := make([]entity.Target, 0, len(selectable))
	for _, s := range selectable {
		out = append(out, s.target)
	}
	return out
}

func (r *Router) snapshotClassification() config.ClassificationConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.classification
}

// fingerprint hashes the request features that should pin a routing decision
// across immediate retries.
func fingerprint(req *entity.Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|", req.EntryProtocol, req.Endpoint)
	if model, ok := entity.GetString(req.Body, "model"); ok {
		h.Write([]byte(model))
	}
	if msgs := entity.ObjectSlice(req.Body, "messages"); len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		if content, ok := entity.GetString(last, "content"); ok {
			h.Write([]byte(content))
		}
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func cutTarget(key string) (provider, model string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
