package storage

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/hexaline/weighbridge/config"
	"github.com/hexaline/weighbridge/models"
	"github.com/hexaline/weighbridge/telemetry/health"
)

// BackendResult is one attempted write within a route call.
type BackendResult struct {
	Backend  string        `json:"backend"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RouteResult aggregates a single reading's dispatch.
type RouteResult struct {
	Classification models.DataClassification `json:"classification"`
	Attempts       []BackendResult           `json:"attempts"`
	BackendsUsed   []string                  `json:"backends_used"`
	Success        bool                      `json:"success"`
}

// BatchBackendResult aggregates one backend's share of a batch route.
type BatchBackendResult struct {
	BatchSize        int           `json:"batch_size"`
	SuccessfulWrites int           `json:"successful_writes"`
	Duration         time.Duration `json:"duration"`
}

// BatchResult maps backend name to its aggregate outcome.
type BatchResult struct {
	Backends map[string]BatchBackendResult `json:"backends"`
	Success  bool                          `json:"success"`
}

// Recommendation scores the preferred backend assignment for a policy.
type Recommendation struct {
	Primary             string   `json:"primary"`
	Secondary           []string `json:"secondary"`
	Confidence          float64  `json:"confidence"`
	PerformanceEstimate string   `json:"performance_estimate"`
}

// Router classifies readings and dispatches them to repositories with
// failover. Primary-before-fallback ordering holds within every route
// call; the same backend is never retried in one call.
type Router struct {
	cfg      config.StorageConfig
	tracker  *Tracker
	policies map[models.DataClassification]Policy

	mu       sync.RWMutex
	repos    map[string]Repository
	healthMu sync.RWMutex
	healths  map[string]HealthStatus

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewRouter builds a router over the default policies.
func NewRouter(cfg config.StorageConfig, tracker *Tracker) *Router {
	return &Router{
		cfg:      cfg,
		tracker:  tracker,
		policies: DefaultPolicies(),
		repos:    make(map[string]Repository),
		healths:  make(map[string]HealthStatus),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register adds a repository under its name.
func (r *Router) Register(repo Repository) {
	r.mu.Lock()
	r.repos[repo.Name()] = repo
	r.mu.Unlock()
}

// SetPolicy replaces the policy for one classification.
func (r *Router) SetPolicy(p Policy) {
	r.mu.Lock()
	r.policies[p.Classification] = p
	r.mu.Unlock()
}

// Policy returns the policy for a classification.
func (r *Router) Policy(c models.DataClassification) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[c]
	return p, ok
}

// Repository returns a registered repository by name.
func (r *Router) Repository(name string) (Repository, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	repo, ok := r.repos[name]
	return repo, ok
}

// RefreshHealth probes every repository and updates the live health map.
func (r *Router) RefreshHealth(ctx context.Context) {
	r.mu.RLock()
	repos := make([]Repository, 0, len(r.repos))
	for _, repo := range r.repos {
		repos = append(repos, repo)
	}
	r.mu.RUnlock()
	for _, repo := range repos {
		hs := repo.Health(ctx)
		r.healthMu.Lock()
		r.healths[repo.Name()] = hs
		r.healthMu.Unlock()
	}
}

// eligible reports whether a backend may receive writes right now:
// connected and last known healthy.
func (r *Router) eligible(ctx context.Context, repo Repository) bool {
	if !repo.Connected() {
		return false
	}
	r.healthMu.RLock()
	hs, ok := r.healths[repo.Name()]
	r.healthMu.RUnlock()
	if !ok {
		hs = repo.Health(ctx)
		r.healthMu.Lock()
		r.healths[repo.Name()] = hs
		r.healthMu.Unlock()
	}
	return hs.IsHealthy
}

// orderedBackends resolves a policy's enabled backends in priority order.
func orderedBackends(p Policy) []BackendRef {
	refs := make([]BackendRef, 0, len(p.Backends))
	for _, b := range p.Backends {
		if b.Enabled {
			refs = append(refs, b)
		}
	}
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Priority < refs[j].Priority })
	return refs
}

// Route classifies a reading and writes it to the first eligible backend,
// walking the fallback list on failure. Fallback never starts before the
// primary has returned failure.
func (r *Router) Route(ctx context.Context, reading *models.Reading) (RouteResult, error) {
	classification := Classify(reading)
	result := RouteResult{Classification: classification}

	policy, ok := r.Policy(classification)
	if !ok {
		policy, _ = r.Policy(models.ClassUnknown)
	}

	for _, ref := range orderedBackends(policy) {
		repo, ok := r.Repository(ref.Name)
		if !ok {
			continue
		}
		if !r.eligible(ctx, repo) {
			result.Attempts = append(result.Attempts, BackendResult{Backend: ref.Name, Error: "backend not eligible"})
			continue
		}
		attempt := r.writeOne(ctx, repo, reading)
		result.Attempts = append(result.Attempts, attempt)
		if attempt.Success {
			result.BackendsUsed = append(result.BackendsUsed, ref.Name)
			result.Success = true
			return result, nil
		}
		if ctx.Err() != nil {
			return result, models.NewError(models.KindCancelled, "storage.route", ctx.Err())
		}
	}

	if len(result.Attempts) == 0 {
		return result, models.NewError(models.KindBackendUnavailable, "storage.route", models.ErrNoEligibleBackend)
	}
	return result, models.NewError(models.KindAllBackendsFailed, "storage.route",
		fmt.Errorf("%w: %s", models.ErrAllBackendsFailed, attemptedSummary(result.Attempts)))
}

func (r *Router) writeOne(ctx context.Context, repo Repository, reading *models.Reading) BackendResult {
	timeout := r.cfg.RouteTimeout
	if timeout <= 0 {
		timeout = config.DefaultRouteTimeout
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	err := repo.Write(wctx, reading)
	dur := time.Since(start)

	out := BackendResult{Backend: repo.Name(), Duration: dur, Success: err == nil}
	if err != nil {
		out.Error = err.Error()
	}
	if r.tracker != nil {
		failed := 0
		if err != nil {
			failed = 1
		}
		r.tracker.Record(repo.Name(), Operation{OpType: OpWrite, Duration: dur, PointsProcessed: 1, PointsFailed: failed, Success: err == nil})
	}
	return out
}

// RouteBatch groups readings by classification and writes each group
// through its policy. Cancellation aborts remaining groups but preserves
// results already obtained. An empty batch succeeds with zero counters.
func (r *Router) RouteBatch(ctx context.Context, readings []*models.Reading) (BatchResult, error) {
	result := BatchResult{Backends: make(map[string]BatchBackendResult), Success: true}
	if len(readings) == 0 {
		return result, nil
	}

	groups := make(map[models.DataClassification][]*models.Reading)
	order := make([]models.DataClassification, 0)
	for _, reading := range readings {
		c := Classify(reading)
		if _, seen := groups[c]; !seen {
			order = append(order, c)
		}
		groups[c] = append(groups[c], reading)
	}

	for _, c := range order {
		if ctx.Err() != nil {
			return result, models.NewError(models.KindCancelled, "storage.route_batch", ctx.Err())
		}
		group := groups[c]
		policy, ok := r.Policy(c)
		if !ok {
			policy, _ = r.Policy(models.ClassUnknown)
		}
		if !r.writeGroup(ctx, policy, group, &result) {
			result.Success = false
		}
	}
	return result, nil
}

// writeGroup dispatches one classification group, walking the fallback
// chain exactly like single routing.
func (r *Router) writeGroup(ctx context.Context, policy Policy, group []*models.Reading, result *BatchResult) bool {
	for _, ref := range orderedBackends(policy) {
		repo, ok := r.Repository(ref.Name)
		if !ok || !r.eligible(ctx, repo) {
			continue
		}
		timeout := r.cfg.RouteTimeout
		if timeout <= 0 {
			timeout = config.DefaultRouteTimeout
		}
		wctx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := repo.WriteBatch(wctx, group)
		dur := time.Since(start)
		cancel()

		agg := result.Backends[ref.Name]
		agg.BatchSize += len(group)
		agg.Duration += dur
		if err == nil {
			agg.SuccessfulWrites += len(group)
		}
		result.Backends[ref.Name] = agg

		if r.tracker != nil {
			failed := 0
			if err != nil {
				failed = len(group)
			}
			r.tracker.Record(ref.Name, Operation{OpType: OpWrite, Duration: dur, PointsProcessed: len(group), PointsFailed: failed, Success: err == nil})
		}
		if err == nil {
			return true
		}
	}
	return false
}

// Recommend scores healthy repositories for a classification: policy
// primary match +100, connected +50, plus bounded jitter so equal
// candidates rotate.
func (r *Router) Recommend(ctx context.Context, classification models.DataClassification, policy Policy) Recommendation {
	refs := orderedBackends(policy)
	primaryName := ""
	if len(refs) > 0 {
		primaryName = refs[0].Name
	}

	type scored struct {
		name  string
		score float64
	}
	var candidates []scored
	r.mu.RLock()
	names := make([]string, 0, len(r.repos))
	for name := range r.repos {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		repo, _ := r.Repository(name)
		if repo == nil {
			continue
		}
		hs := repo.Health(ctx)
		if !hs.IsHealthy {
			continue
		}
		score := 0.0
		if name == primaryName {
			score += 100
		}
		if repo.Connected() {
			score += 50
		}
		r.randMu.Lock()
		score += r.rand.Float64() * 10
		r.randMu.Unlock()
		candidates = append(candidates, scored{name: name, score: score})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	out := Recommendation{}
	if len(candidates) == 0 {
		out.PerformanceEstimate = "no healthy backends"
		return out
	}
	out.Primary = candidates[0].name
	for _, c := range candidates[1:] {
		out.Secondary = append(out.Secondary, c.name)
	}
	out.Confidence = candidates[0].score / 160 * 100
	if r.tracker != nil {
		cur := r.tracker.Current(out.Primary)
		out.PerformanceEstimate = fmt.Sprintf("avg write %.1fms, %.1f ops/s, %.1f%% errors", cur.AvgWriteLatencyMs, cur.ThroughputOpsPerS, cur.ErrorRatePct)
	}
	return out
}

// HealthProbe adapts a repository into a health evaluator probe.
func HealthProbe(repo Repository) health.Probe {
	return health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		hs := repo.Health(ctx)
		if hs.IsHealthy {
			return health.Healthy(repo.Name())
		}
		return health.Unhealthy(repo.Name(), hs.Detail)
	})
}

func attemptedSummary(attempts []BackendResult) string {
	s := ""
	for i, a := range attempts {
		if i > 0 {
			s += "; "
		}
		s += fmt.Sprintf("%s: %s", a.Backend, a.Error)
	}
	return s
}
